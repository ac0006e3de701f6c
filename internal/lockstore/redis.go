// Package lockstore содержит хранилище блокировок идемпотентности в Redis.
package lockstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/mmeshcher/shipgate/internal/model"
	"github.com/mmeshcher/shipgate/internal/repository"
)

// ErrLockLost совпадает с ошибкой PostgreSQL-хранилища, чтобы координатор не зависел от бэкенда.
var ErrLockLost = repository.ErrLockLost

// DefaultRetention задаёт срок хранения завершённых записей.
const DefaultRetention = 24 * time.Hour

const keyPrefix = "shipgate:idempotency:"

const acquireScript = `
local status = redis.call("HGET", KEYS[1], "status")
if not status then
  redis.call("HSET", KEYS[1], "status", "in_progress", "owner", ARGV[1], "attempt", ARGV[2])
  redis.call("PEXPIRE", KEYS[1], ARGV[3])
  return {1, "in_progress", "", "", 0}
end
local result = redis.call("HGET", KEYS[1], "result") or ""
local err = redis.call("HGET", KEYS[1], "error") or ""
return {0, status, result, err, redis.call("PTTL", KEYS[1])}
`

const finishScript = `
if redis.call("HGET", KEYS[1], "attempt") ~= ARGV[1] or redis.call("HGET", KEYS[1], "status") ~= "in_progress" then
  return 0
end
redis.call("HSET", KEYS[1], "status", ARGV[2], ARGV[3], ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return 1
`

const releaseScript = `
if redis.call("HGET", KEYS[1], "attempt") == ARGV[1] and redis.call("HGET", KEYS[1], "status") == "in_progress" then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisStore хранит блокировки идемпотентности в хешах Redis.
// Истечение TTL у in_progress записи делает ключ снова доступным для захвата.
type RedisStore struct {
	client    redis.UniversalClient
	retention time.Duration
	acquire   *redis.Script
	finish    *redis.Script
	release   *redis.Script
}

// NewRedisStore создаёт хранилище блокировок поверх клиента Redis.
func NewRedisStore(client redis.UniversalClient, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisStore{
		client:    client,
		retention: retention,
		acquire:   redis.NewScript(acquireScript),
		finish:    redis.NewScript(finishScript),
		release:   redis.NewScript(releaseScript),
	}
}

// AcquireLock атомарно захватывает ключ одним скриптом.
func (s *RedisStore) AcquireLock(ctx context.Context, key, ownerID string, ttl time.Duration) (model.LockResult, error) {
	if ttl <= 0 {
		return model.LockResult{}, errors.New("lock ttl must be positive")
	}

	attempt := uuid.NewString()
	raw, err := s.acquire.Run(ctx, s.client, []string{keyPrefix + key}, ownerID, attempt, ttl.Milliseconds()).Slice()
	if err != nil {
		return model.LockResult{}, fmt.Errorf("acquire lock: %w", err)
	}
	if len(raw) != 5 {
		return model.LockResult{}, fmt.Errorf("acquire lock: unexpected reply %v", raw)
	}

	acquired, _ := raw[0].(int64)
	status, _ := raw[1].(string)
	result, _ := raw[2].(string)
	errMsg, _ := raw[3].(string)
	pttl, _ := raw[4].(int64)

	if acquired == 1 {
		return model.LockResult{
			Acquired: true,
			Status:   model.LockStatusInProgress,
			Attempt:  attempt,
		}, nil
	}

	res := model.LockResult{Status: model.LockStatus(status)}
	if result != "" {
		res.ResultID = &result
	}
	if errMsg != "" {
		res.ErrorMessage = &errMsg
	}
	if res.Status == model.LockStatusInProgress {
		res.RetryAfter = max(time.Duration(pttl)*time.Millisecond, time.Second)
	}
	return res, nil
}

// CompleteLock фиксирует результат попытки attempt.
func (s *RedisStore) CompleteLock(ctx context.Context, key, attempt, shipmentID string) error {
	return s.runFinish(ctx, key, attempt, model.LockStatusCompleted, "result", shipmentID)
}

// FailLock фиксирует ошибку попытки attempt.
func (s *RedisStore) FailLock(ctx context.Context, key, attempt, message string) error {
	return s.runFinish(ctx, key, attempt, model.LockStatusFailed, "error", message)
}

// ReleaseLock удаляет незавершённую запись попытки attempt.
func (s *RedisStore) ReleaseLock(ctx context.Context, key, attempt string) error {
	n, err := s.release.Run(ctx, s.client, []string{keyPrefix + key}, attempt).Int64()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

func (s *RedisStore) runFinish(ctx context.Context, key, attempt string, status model.LockStatus, field, value string) error {
	n, err := s.finish.Run(ctx, s.client, []string{keyPrefix + key},
		attempt, string(status), field, value, s.retention.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("update lock: %w", err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}
