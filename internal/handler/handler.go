// Package handler содержит HTTP-обработчики API сервиса создания отправлений.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	validation "github.com/jellydator/validation"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/shipgate/internal/metrics"
	"github.com/mmeshcher/shipgate/internal/middleware"
	"github.com/mmeshcher/shipgate/internal/model"
	"github.com/mmeshcher/shipgate/internal/service"
	shipvalidation "github.com/mmeshcher/shipgate/internal/validation"
)

const maxRequestBody = 1 << 20

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateShipment(ctx context.Context, payerID string, req model.ShipmentRequest) (*model.CreatedShipment, error)
	GetShipment(ctx context.Context, payerID, id string) (*model.Shipment, error)
	GetBalance(ctx context.Context, payerID string) (*model.Balance, error)
}

// Handler реализует HTTP-обработчики API.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	metrics        *metrics.Metrics
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, m *metrics.Metrics) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		metrics:        m,
	}
}

type addressDTO struct {
	Name       string `json:"name"`
	Address    string `json:"address"`
	City       string `json:"city"`
	Province   string `json:"province,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
	Email      string `json:"email,omitempty"`
}

type packageDTO struct {
	Weight float64 `json:"weight"`
	Length float64 `json:"length,omitempty"`
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`
}

type createShipmentRequest struct {
	Provider       string           `json:"provider"`
	Carrier        string           `json:"carrier"`
	Sender         addressDTO       `json:"sender"`
	Recipient      addressDTO       `json:"recipient"`
	Packages       []packageDTO     `json:"packages"`
	InsuredValue   *decimal.Decimal `json:"insured_value,omitempty"`
	CashOnDelivery *decimal.Decimal `json:"cod,omitempty"`
	FinalPrice     *decimal.Decimal `json:"final_price,omitempty"`
	ProviderCost   *decimal.Decimal `json:"provider_cost,omitempty"`
	Notes          string           `json:"notes,omitempty"`
}

type shipmentResponse struct {
	ID             string      `json:"id"`
	TrackingNumber string      `json:"tracking_number"`
	Carrier        string      `json:"carrier"`
	Cost           json.Number `json:"cost"`
	LabelData      string      `json:"label_data,omitempty"`
	Sender         addressDTO  `json:"sender"`
	Recipient      addressDTO  `json:"recipient"`
	Provider       string      `json:"provider,omitempty"`
	CreatedAt      *time.Time  `json:"created_at,omitempty"`
}

type createShipmentResponse struct {
	Success  bool             `json:"success"`
	Replay   bool             `json:"replay"`
	Shipment shipmentResponse `json:"shipment"`
}

type errorResponse struct {
	Success              bool         `json:"success"`
	Error                string       `json:"error"`
	Message              string       `json:"message"`
	Required             *json.Number `json:"required,omitempty"`
	Available            *json.Number `json:"available,omitempty"`
	RetryAfter           int64        `json:"retry_after,omitempty"`
	IdempotencyKey       string       `json:"idempotency_key,omitempty"`
	RequiresManualReview bool         `json:"requires_manual_review,omitempty"`
	Debug                string       `json:"debug,omitempty"`
	Fields               any          `json:"fields,omitempty"`
}

type balanceResponse struct {
	Current     json.Number `json:"current"`
	BillingMode string      `json:"billing_mode"`
}

// CreateShipment обрабатывает запрос на создание отправления.
func (h *Handler) CreateShipment(w http.ResponseWriter, r *http.Request) {
	payerID, ok := middleware.GetPayerIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var dto createShipmentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&dto); err != nil {
		h.writeFailure(w, &model.ShipmentError{Code: model.CodeValidation, Message: "malformed request body"}, nil)
		return
	}

	req, err := dto.toModel()
	if err == nil {
		err = shipvalidation.ShipmentRequest(&req)
	}
	if err != nil {
		var fields any
		var verrs validation.Errors
		if errors.As(err, &verrs) {
			fields = verrs
		}
		h.writeFailure(w, &model.ShipmentError{Code: model.CodeValidation, Message: err.Error()}, fields)
		return
	}

	res, err := h.service.CreateShipment(r.Context(), payerID, req)
	if err != nil {
		var serr *model.ShipmentError
		if !errors.As(err, &serr) {
			h.logger.Error("create shipment error", zap.String("payer_id", payerID), zap.Error(err))
			serr = &model.ShipmentError{Code: model.CodeInternal, Message: "internal error"}
		}
		h.writeFailure(w, serr, nil)
		return
	}

	h.writeJSON(w, http.StatusOK, createShipmentResponse{
		Success: true,
		Replay:  res.Replay,
		Shipment: shipmentResponse{
			ID:             res.ID,
			TrackingNumber: res.TrackingNumber,
			Carrier:        res.Carrier,
			Cost:           moneyJSON(res.Cost),
			LabelData:      res.Label,
			Sender:         fromAddress(res.Sender),
			Recipient:      fromAddress(res.Recipient),
		},
	})
}

// GetShipment возвращает отправление текущего плательщика.
func (h *Handler) GetShipment(w http.ResponseWriter, r *http.Request) {
	payerID, ok := middleware.GetPayerIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	shp, err := h.service.GetShipment(r.Context(), payerID, chi.URLParam(r, "id"))
	if err != nil {
		if service.IsNotFound(err) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get shipment error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	createdAt := shp.CreatedAt
	h.writeJSON(w, http.StatusOK, shipmentResponse{
		ID:             shp.ID,
		TrackingNumber: shp.TrackingNumber,
		Carrier:        shp.Carrier,
		Cost:           moneyJSON(shp.Charged),
		LabelData:      shp.LabelData,
		Sender:         fromAddress(shp.Sender),
		Recipient:      fromAddress(shp.Recipient),
		Provider:       shp.Provider,
		CreatedAt:      &createdAt,
	})
}

// GetBalance возвращает баланс текущего плательщика.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	payerID, ok := middleware.GetPayerIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), payerID)
	if err != nil {
		if service.IsNotFound(err) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get balance error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, balanceResponse{
		Current:     moneyJSON(balance.Current),
		BillingMode: string(balance.BillingMode),
	})
}

func (h *Handler) writeFailure(w http.ResponseWriter, serr *model.ShipmentError, fields any) {
	resp := errorResponse{
		Error:                string(serr.Code),
		Message:              serr.Message,
		IdempotencyKey:       serr.IdempotencyKey,
		RequiresManualReview: serr.RequiresManualReview,
		Debug:                serr.Debug,
		Fields:               fields,
	}
	if serr.Required != nil {
		v := moneyJSON(*serr.Required)
		resp.Required = &v
	}
	if serr.Available != nil {
		v := moneyJSON(*serr.Available)
		resp.Available = &v
	}
	if serr.RetryAfter > 0 {
		resp.RetryAfter = int64(math.Ceil(serr.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.FormatInt(resp.RetryAfter, 10))
	}

	h.writeJSON(w, serr.HTTPStatus(), resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

func (d createShipmentRequest) toModel() (model.ShipmentRequest, error) {
	req := model.ShipmentRequest{
		Provider:  d.Provider,
		Carrier:   d.Carrier,
		Sender:    d.Sender.toModel(),
		Recipient: d.Recipient.toModel(),
		Notes:     d.Notes,
	}

	var insuredErr, codErr, quotedErr, costErr error
	req.InsuredValue, insuredErr = toMoney(d.InsuredValue)
	req.CashOnDelivery, codErr = toMoney(d.CashOnDelivery)
	req.QuotedPrice, quotedErr = toMoney(d.FinalPrice)
	req.ProviderCostHint, costErr = toMoney(d.ProviderCost)
	if err := (validation.Errors{
		"insured_value": insuredErr,
		"cod":           codErr,
		"quoted_price":  quotedErr,
		"provider_cost": costErr,
	}).Filter(); err != nil {
		return req, err
	}

	if len(d.Packages) > 0 {
		req.Packages = make([]model.Package, len(d.Packages))
		for i, p := range d.Packages {
			req.Packages[i] = model.Package{Weight: p.Weight, Length: p.Length, Width: p.Width, Height: p.Height}
		}
	}
	return req, nil
}

func (a addressDTO) toModel() model.Address {
	return model.Address{
		Name:       a.Name,
		Address:    a.Address,
		City:       a.City,
		Province:   a.Province,
		PostalCode: a.PostalCode,
		Country:    a.Country,
		Phone:      a.Phone,
		Email:      a.Email,
	}
}

func fromAddress(a model.Address) addressDTO {
	return addressDTO{
		Name:       a.Name,
		Address:    a.Address,
		City:       a.City,
		Province:   a.Province,
		PostalCode: a.PostalCode,
		Country:    a.Country,
		Phone:      a.Phone,
		Email:      a.Email,
	}
}

var (
	maxCents = decimal.NewFromInt(math.MaxInt64)
	minCents = decimal.NewFromInt(math.MinInt64)

	errMoneyRange = validation.NewError("validation_money_range", "amount is out of range")
)

// toMoney переводит сумму в евро в центы с банковским округлением.
// Суммы, не помещающиеся в int64 центов, отклоняются.
func toMoney(d *decimal.Decimal) (*model.Money, error) {
	if d == nil {
		return nil, nil
	}
	cents := d.Shift(2).RoundBank(0)
	if cents.GreaterThan(maxCents) || cents.LessThan(minCents) {
		return nil, errMoneyRange
	}
	m := model.Money(cents.IntPart())
	return &m, nil
}

func moneyJSON(m model.Money) json.Number {
	return json.Number(m.String())
}
