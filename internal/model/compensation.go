package model

import "time"

// CompensationAction описывает действие, которое нужно довести до конца.
type CompensationAction string

const (
	CompensationRefund CompensationAction = "REFUND"
	CompensationDelete CompensationAction = "DELETE"
)

// CompensationStatus описывает состояние задачи компенсации.
type CompensationStatus string

const (
	CompensationPending  CompensationStatus = "PENDING"
	CompensationResolved CompensationStatus = "RESOLVED"
	CompensationFailed   CompensationStatus = "FAILED"
	CompensationExpired  CompensationStatus = "EXPIRED"
)

// UnknownExternalID подставляется, когда этикетка так и не была создана.
const UnknownExternalID = "UNKNOWN"

// CompensationTask хранит долговременную запись о компенсации, которая не прошла автоматически.
type CompensationTask struct {
	ID                 string
	PayerID            string
	WorkspaceID        *string
	Provider           string
	Carrier            string
	ExternalShipmentID string
	TrackingNumber     string
	Action             CompensationAction
	Amount             Money
	ErrorContext       map[string]string
	Status             CompensationStatus
	RetryCount         int
	MaxRetries         int
	NextRetryAt        *time.Time
	LastRetryAt        *time.Time
	ResolutionNotes    *string
	CreatedAt          time.Time
}
