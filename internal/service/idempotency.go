package service

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/mmeshcher/shipgate/internal/model"
)

type fingerprint struct {
	PayerID   string          `json:"payer_id"`
	Recipient model.Address   `json:"recipient"`
	Packages  []model.Package `json:"packages"`
	Bucket    int64           `json:"bucket"`
}

// IdempotencyKey вычисляет ключ идемпотентности запроса.
// Одинаковые данные в пределах одного интервала bucket дают одинаковый ключ.
func IdempotencyKey(payerID string, req model.ShipmentRequest, now time.Time, bucket time.Duration) string {
	if bucket < time.Millisecond {
		bucket = DefaultIdempotencyBucket
	}

	// Marshal структуры с фиксированными типами не возвращает ошибку.
	raw, _ := json.Marshal(fingerprint{
		PayerID:   payerID,
		Recipient: req.Recipient,
		Packages:  req.Packages,
		Bucket:    now.UnixMilli() / bucket.Milliseconds(),
	})

	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
