package model

import (
	"net/http"
	"time"
)

// ErrorCode классифицирует неуспешный исход создания отправления.
type ErrorCode string

const (
	CodeInsufficientCredit    ErrorCode = "INSUFFICIENT_CREDIT"
	CodeDuplicateRequest      ErrorCode = "DUPLICATE_REQUEST"
	CodePreviousAttemptFailed ErrorCode = "PREVIOUS_ATTEMPT_FAILED"
	CodeInvalidAddress        ErrorCode = "INVALID_ADDRESS"
	CodeProviderUnavailable   ErrorCode = "PROVIDER_UNAVAILABLE"
	CodeInternal              ErrorCode = "INTERNAL"
	CodeValidation            ErrorCode = "VALIDATION"
	CodePayerNotFound         ErrorCode = "PAYER_NOT_FOUND"
)

// ShipmentError описывает типизированный отказ, который отдаётся вызывающей стороне как есть.
type ShipmentError struct {
	Code                 ErrorCode
	Message              string
	Required             *Money
	Available            *Money
	RetryAfter           time.Duration
	IdempotencyKey       string
	RequiresManualReview bool
	Debug                string
}

func (e *ShipmentError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// HTTPStatus возвращает HTTP-статус для кода ошибки.
func (e *ShipmentError) HTTPStatus() int {
	switch e.Code {
	case CodeInsufficientCredit:
		return http.StatusPaymentRequired
	case CodeDuplicateRequest, CodePreviousAttemptFailed:
		return http.StatusConflict
	case CodeInvalidAddress:
		return http.StatusUnprocessableEntity
	case CodeProviderUnavailable:
		return http.StatusServiceUnavailable
	case CodeValidation:
		return http.StatusBadRequest
	case CodePayerNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
