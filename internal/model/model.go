// Package model содержит доменные сущности сервиса создания отправлений.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Money хранит денежную сумму в евроцентах.
type Money int64

// Euros возвращает сумму в евро.
func (m Money) Euros() float64 {
	return float64(m) / 100
}

// String форматирует сумму как "12.34".
func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// BillingMode описывает способ оплаты отправлений плательщиком.
type BillingMode string

const (
	BillingModePrepaid  BillingMode = "prepaid"
	BillingModePostpaid BillingMode = "postpaid"
)

// RoleSuperadmin освобождает плательщика от проверки баланса.
const RoleSuperadmin = "superadmin"

// Payer описывает плательщика и состояние его кошелька.
type Payer struct {
	ID          string
	Email       string
	Role        string
	BillingMode BillingMode
	Balance     Money
	BYOC        bool
	WorkspaceID *string
}

// Exempt сообщает, что баланс плательщика не проверяется и не списывается.
func (p *Payer) Exempt() bool {
	return strings.EqualFold(p.Role, RoleSuperadmin)
}

// Postpaid сообщает, что отправления записываются в долг, а не списываются с баланса.
func (p *Payer) Postpaid() bool {
	return p.BillingMode == BillingModePostpaid
}

// Address описывает отправителя или получателя.
type Address struct {
	Name       string `json:"name"`
	Address    string `json:"address"`
	City       string `json:"city"`
	Province   string `json:"province"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
	Email      string `json:"email,omitempty"`
}

// Package описывает одно грузовое место.
type Package struct {
	Weight float64 `json:"weight"`
	Length float64 `json:"length,omitempty"`
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`
}

// ShipmentRequest содержит нормализованный запрос на создание отправления.
type ShipmentRequest struct {
	Provider         string
	Carrier          string
	Sender           Address
	Recipient        Address
	Packages         []Package
	InsuredValue     *Money
	CashOnDelivery   *Money
	QuotedPrice      *Money
	ProviderCostHint *Money
	Notes            string
}

// Shipment описывает сохранённое отправление.
type Shipment struct {
	ID                 string
	PayerID            string
	IdempotencyKey     string
	Provider           string
	Carrier            string
	TrackingNumber     string
	ExternalShipmentID string
	LabelData          string
	Charged            Money
	ProviderCost       Money
	Sender             Address
	Recipient          Address
	Package            Package
	InsuredValue       Money
	CashOnDelivery     Money
	Notes              string
	CreatedAt          time.Time
}

// CreatedShipment возвращается вызывающей стороне при успешном создании или повторе запроса.
type CreatedShipment struct {
	ID             string  `json:"id"`
	TrackingNumber string  `json:"tracking_number"`
	Carrier        string  `json:"carrier"`
	Cost           Money   `json:"-"`
	Label          string  `json:"label_data,omitempty"`
	Sender         Address `json:"sender"`
	Recipient      Address `json:"recipient"`
	Replay         bool    `json:"-"`
}

// NewCreatedShipment строит ответ по сохранённому отправлению.
func NewCreatedShipment(s *Shipment, replay bool) *CreatedShipment {
	return &CreatedShipment{
		ID:             s.ID,
		TrackingNumber: s.TrackingNumber,
		Carrier:        s.Carrier,
		Cost:           s.Charged,
		Label:          s.LabelData,
		Sender:         s.Sender,
		Recipient:      s.Recipient,
		Replay:         replay,
	}
}

// PlatformCost связывает сумму, выставленную плательщику, с затратами у провайдера.
type PlatformCost struct {
	ShipmentID     string
	TrackingNumber string
	PayerID        string
	Billed         Money
	ProviderCost   Money
	Carrier        string
	Source         string
}

// Balance содержит доступный баланс плательщика.
type Balance struct {
	Current     Money
	BillingMode BillingMode
}

// LedgerEntry описывает одну операцию с кошельком под собственным ключом идемпотентности.
type LedgerEntry struct {
	PayerID        string
	WorkspaceID    *string
	Amount         Money
	IdempotencyKey string
	Description    string
}

// DebitResult содержит результат списания с кошелька.
type DebitResult struct {
	TransactionID    string
	IdempotentReplay bool
}
