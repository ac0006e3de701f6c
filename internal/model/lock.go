package model

import "time"

// LockStatus описывает состояние записи идемпотентности.
type LockStatus string

const (
	LockStatusInProgress LockStatus = "in_progress"
	LockStatusCompleted  LockStatus = "completed"
	LockStatusFailed     LockStatus = "failed"
)

// LockResult описывает итог попытки захвата блокировки идемпотентности.
//
// Attempt заполняется только при Acquired=true и должен передаваться
// в Complete, Fail и Release: завершение чужой попытки отклоняется.
type LockResult struct {
	Acquired     bool
	Status       LockStatus
	Attempt      string
	ResultID     *string
	ErrorMessage *string
	RetryAfter   time.Duration
}
