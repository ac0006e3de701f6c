package courier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrNoGateway возвращается, если для провайдера не настроен клиент.
var ErrNoGateway = errors.New("courier gateway not configured")

// Gateway описывает контракт курьерского API, нужный координатору.
type Gateway interface {
	Create(ctx context.Context, req CreateRequest) (*Label, error)
	Delete(ctx context.Context, externalShipmentID string) error
}

// Registry сопоставляет провайдеров с клиентами курьерских API.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
	fallback Gateway
}

// NewRegistry создаёт реестр; fallback используется для незарегистрированных провайдеров и может быть nil.
func NewRegistry(fallback Gateway) *Registry {
	return &Registry{
		gateways: make(map[string]Gateway),
		fallback: fallback,
	}
}

// Register регистрирует клиент для провайдера.
func (r *Registry) Register(provider string, g Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[strings.ToLower(provider)] = g
}

// Resolve возвращает клиент для провайдера.
func (r *Registry) Resolve(_ context.Context, provider string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if g, ok := r.gateways[strings.ToLower(provider)]; ok {
		return g, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoGateway, provider)
}
