package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/mmeshcher/shipgate/internal/model"
	"github.com/mmeshcher/shipgate/internal/repository"
)

// Оценка стоимости, когда ни клиентская цена, ни BYOC неприменимы.
const (
	FallbackBaseCost      = model.Money(850)
	FallbackMarkupPercent = 120
)

// Источник суммы списания.
const (
	ChargeSourceBYOC     = "byoc"
	ChargeSourceQuoted   = "quoted"
	ChargeSourceFallback = "fallback"
)

type charge struct {
	Amount model.Money
	Fee    model.Money
	Source string
}

// computeCharge определяет сумму списания. Порядок важен:
// BYOC платит только комиссию, согласованная цена списывается ровно,
// иначе берётся консервативная оценка плюс комиссия.
func (s *Service) computeCharge(ctx context.Context, payer *model.Payer, req model.ShipmentRequest) charge {
	switch {
	case payer.BYOC:
		fee := s.platformFee(ctx, payer.ID)
		return charge{Amount: fee, Fee: fee, Source: ChargeSourceBYOC}
	case req.QuotedPrice != nil:
		return charge{Amount: *req.QuotedPrice, Source: ChargeSourceQuoted}
	default:
		fee := s.platformFee(ctx, payer.ID)
		estimate := FallbackBaseCost * FallbackMarkupPercent / 100
		return charge{Amount: estimate + fee, Fee: fee, Source: ChargeSourceFallback}
	}
}

func (s *Service) platformFee(ctx context.Context, payerID string) model.Money {
	fee, err := s.ledger.GetPlatformFee(ctx, payerID)
	if err == nil {
		return fee
	}
	if !errors.Is(err, repository.ErrPlatformFeeNotSet) {
		s.logger.Warn("platform fee lookup failed, using default",
			zap.String("payer_id", payerID), zap.Error(err))
	}
	return s.opts.DefaultPlatformFee
}

// providerCost возвращает затраты у провайдера: явную подсказку либо стоимость от курьера.
func providerCost(req model.ShipmentRequest, courierCost model.Money) model.Money {
	if req.ProviderCostHint != nil {
		return *req.ProviderCostHint
	}
	return courierCost
}
