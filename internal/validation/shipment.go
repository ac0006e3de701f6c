// Package validation содержит правила проверки входных данных.
package validation

import (
	"strconv"
	"strings"

	validation "github.com/jellydator/validation"
	"github.com/jellydator/validation/is"

	"github.com/mmeshcher/shipgate/internal/model"
)

// Ограничения запроса на создание отправления.
const (
	MaxPackages = 20
	MaxWeightKg = 1000.0
	MaxSideCm   = 500.0
)

// NotBlank отклоняет строки из одних пробелов.
var NotBlank = validation.By(func(value interface{}) error {
	s, ok := value.(string)
	if !ok {
		return validation.NewError("validation_not_blank_type", "must be a string")
	}
	if s != "" && strings.TrimSpace(s) == "" {
		return validation.NewError("validation_not_blank", "must not be blank")
	}
	return nil
})

// PositiveMoney отклоняет нулевые и отрицательные суммы, nil допустим.
var PositiveMoney = validation.By(func(value interface{}) error {
	m, ok := value.(*model.Money)
	if !ok || m == nil {
		return nil
	}
	if *m <= 0 {
		return validation.NewError("validation_positive_money", "must be greater than zero")
	}
	return nil
})

// NonNegativeMoney отклоняет отрицательные суммы, nil допустим.
var NonNegativeMoney = validation.By(func(value interface{}) error {
	m, ok := value.(*model.Money)
	if !ok || m == nil {
		return nil
	}
	if *m < 0 {
		return validation.NewError("validation_non_negative_money", "must not be negative")
	}
	return nil
})

// ShipmentRequest проверяет запрос на создание отправления.
func ShipmentRequest(req *model.ShipmentRequest) error {
	errs := validation.Errors{
		"carrier":   validation.Validate(req.Carrier, validation.Required.Error("carrier is required"), NotBlank),
		"sender":    Address(&req.Sender),
		"recipient": Address(&req.Recipient),
		"packages":  Packages(req.Packages),
	}

	errs["insured_value"] = validation.Validate(req.InsuredValue, NonNegativeMoney)
	errs["cod"] = validation.Validate(req.CashOnDelivery, NonNegativeMoney)
	errs["quoted_price"] = validation.Validate(req.QuotedPrice, PositiveMoney)
	errs["provider_cost"] = validation.Validate(req.ProviderCostHint, NonNegativeMoney)
	errs["notes"] = validation.Validate(req.Notes, validation.Length(0, 500))

	return errs.Filter()
}

// Address проверяет адрес отправителя или получателя.
func Address(a *model.Address) error {
	return validation.ValidateStruct(a,
		validation.Field(&a.Name, validation.Required.Error("name is required"), NotBlank, validation.Length(1, 255)),
		validation.Field(&a.Address, validation.Required.Error("address is required"), NotBlank, validation.Length(1, 255)),
		validation.Field(&a.City, validation.Required.Error("city is required"), NotBlank, validation.Length(1, 128)),
		validation.Field(&a.PostalCode, validation.Required.Error("postal code is required"), validation.Length(3, 12)),
		validation.Field(&a.Country, validation.Required.Error("country is required"), is.CountryCode2),
		validation.Field(&a.Province, validation.Length(0, 64)),
		validation.Field(&a.Email, is.EmailFormat),
		validation.Field(&a.Phone, validation.Length(0, 32)),
	)
}

// Packages проверяет список грузовых мест.
func Packages(pkgs []model.Package) error {
	if err := validation.Validate(pkgs,
		validation.Required.Error("at least one package is required"),
		validation.Length(1, MaxPackages),
	); err != nil {
		return err
	}

	errs := validation.Errors{}
	for i := range pkgs {
		p := &pkgs[i]
		errs[strconv.Itoa(i)] = validation.ValidateStruct(p,
			validation.Field(&p.Weight, validation.Required.Error("weight is required"), validation.Min(0.0).Exclusive(), validation.Max(MaxWeightKg)),
			validation.Field(&p.Length, validation.Min(0.0), validation.Max(MaxSideCm)),
			validation.Field(&p.Width, validation.Min(0.0), validation.Max(MaxSideCm)),
			validation.Field(&p.Height, validation.Min(0.0), validation.Max(MaxSideCm)),
		)
	}
	return errs.Filter()
}
