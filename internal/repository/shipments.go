package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/shipgate/internal/model"
)

const shipmentColumns = `id, payer_id, idempotency_key, provider, carrier, tracking_number, external_shipment_id,
	label_data, charged, provider_cost, sender, recipient, weight, length, width, height,
	declared_value, cash_on_delivery, notes, created_at`

// InsertShipment сохраняет отправление. Ключ идемпотентности уникален.
func (r *PostgresRepository) InsertShipment(ctx context.Context, s *model.Shipment) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO shipments (id, payer_id, idempotency_key, provider, carrier, tracking_number,
		 external_shipment_id, label_data, charged, provider_cost, sender, recipient, weight, length,
		 width, height, declared_value, cash_on_delivery, notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		 RETURNING created_at`,
		s.ID, s.PayerID, s.IdempotencyKey, s.Provider, s.Carrier, s.TrackingNumber,
		s.ExternalShipmentID, s.LabelData, int64(s.Charged), int64(s.ProviderCost), s.Sender, s.Recipient,
		s.Package.Weight, s.Package.Length, s.Package.Width, s.Package.Height,
		int64(s.InsuredValue), int64(s.CashOnDelivery), s.Notes,
	).Scan(&s.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrShipmentExists, s.IdempotencyKey)
		}
		return fmt.Errorf("insert shipment: %w", err)
	}
	return nil
}

// GetShipment возвращает отправление по идентификатору.
func (r *PostgresRepository) GetShipment(ctx context.Context, id string) (*model.Shipment, error) {
	return r.scanShipment(r.pool.QueryRow(ctx,
		`SELECT `+shipmentColumns+` FROM shipments WHERE id = $1`, id))
}

// GetShipmentByIdempotencyKey возвращает отправление, созданное под ключом идемпотентности.
func (r *PostgresRepository) GetShipmentByIdempotencyKey(ctx context.Context, key string) (*model.Shipment, error) {
	return r.scanShipment(r.pool.QueryRow(ctx,
		`SELECT `+shipmentColumns+` FROM shipments WHERE idempotency_key = $1`, key))
}

func (r *PostgresRepository) scanShipment(row pgx.Row) (*model.Shipment, error) {
	var (
		s                     model.Shipment
		charged, providerCost int64
		declared, cod         int64
	)
	err := row.Scan(
		&s.ID, &s.PayerID, &s.IdempotencyKey, &s.Provider, &s.Carrier, &s.TrackingNumber,
		&s.ExternalShipmentID, &s.LabelData, &charged, &providerCost, &s.Sender, &s.Recipient,
		&s.Package.Weight, &s.Package.Length, &s.Package.Width, &s.Package.Height,
		&declared, &cod, &s.Notes, &s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrShipmentNotFound
		}
		return nil, fmt.Errorf("get shipment: %w", err)
	}

	s.Charged = model.Money(charged)
	s.ProviderCost = model.Money(providerCost)
	s.InsuredValue = model.Money(declared)
	s.CashOnDelivery = model.Money(cod)

	return &s, nil
}

// RecordPlatformCost сохраняет выставленную сумму и затраты у провайдера.
func (r *PostgresRepository) RecordPlatformCost(ctx context.Context, c model.PlatformCost) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO platform_costs (shipment_id, tracking_number, payer_id, billed, provider_cost, margin, carrier, source)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (shipment_id) DO NOTHING`,
		c.ShipmentID, c.TrackingNumber, c.PayerID, int64(c.Billed), int64(c.ProviderCost),
		int64(c.Billed-c.ProviderCost), c.Carrier, c.Source,
	)
	if err != nil {
		return fmt.Errorf("record platform cost: %w", err)
	}
	return nil
}
