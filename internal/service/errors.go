package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mmeshcher/shipgate/internal/courier"
	"github.com/mmeshcher/shipgate/internal/model"
)

// ErrServiceClosed возвращается CreateShipment после вызова Close.
var ErrServiceClosed = &model.ShipmentError{Code: model.CodeInternal, Message: "service is shutting down"}

func internalError(key, message string) *model.ShipmentError {
	return &model.ShipmentError{
		Code:           model.CodeInternal,
		Message:        message,
		IdempotencyKey: key,
	}
}

func insufficientCredit(key string, required, available model.Money) *model.ShipmentError {
	return &model.ShipmentError{
		Code:           model.CodeInsufficientCredit,
		Message:        fmt.Sprintf("insufficient credit: required %s, available %s", required, available),
		Required:       &required,
		Available:      &available,
		IdempotencyKey: key,
	}
}

func duplicateRequest(key string, retryAfter time.Duration) *model.ShipmentError {
	return &model.ShipmentError{
		Code:           model.CodeDuplicateRequest,
		Message:        "an identical request is already being processed, retry later",
		RetryAfter:     retryAfter,
		IdempotencyKey: key,
	}
}

func previousAttemptFailed(key string, errMsg *string) *model.ShipmentError {
	msg := "previous attempt failed and requires manual review"
	if errMsg != nil && *errMsg != "" {
		msg += ": " + *errMsg
	}
	return &model.ShipmentError{
		Code:                 model.CodePreviousAttemptFailed,
		Message:              msg,
		IdempotencyKey:       key,
		RequiresManualReview: true,
	}
}

// courierFailure переводит ошибку курьерского API в отказ для вызывающей стороны.
func courierFailure(key string, err error) *model.ShipmentError {
	var cerr *courier.Error
	switch {
	case errors.As(err, &cerr) && cerr.StatusCode == http.StatusUnprocessableEntity:
		return &model.ShipmentError{
			Code:           model.CodeInvalidAddress,
			Message:        "courier rejected the address: " + cerr.Message,
			IdempotencyKey: key,
		}
	case errors.As(err, &cerr) && (cerr.Timeout || cerr.StatusCode >= http.StatusInternalServerError),
		errors.Is(err, context.DeadlineExceeded):
		return &model.ShipmentError{
			Code:           model.CodeProviderUnavailable,
			Message:        "courier temporarily unavailable",
			IdempotencyKey: key,
		}
	default:
		return internalError(key, "shipment creation failed")
	}
}
