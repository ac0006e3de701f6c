// Package metrics содержит счётчики Prometheus сервиса.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shipgate"

// Исходы создания отправления, не являющиеся ошибками.
const (
	OutcomeCreated = "created"
	OutcomeReplay  = "replay"
)

// Результаты обработки задач компенсации.
const (
	CompensationEnqueued    = "enqueued"
	CompensationResolved    = "resolved"
	CompensationRescheduled = "rescheduled"
	CompensationDeadLetter  = "dead_letter"
	CompensationExpired     = "expired"
	CompensationLost        = "lost"
)

// Metrics хранит коллекторы сервиса в собственном реестре.
// Нулевой указатель допустим: все методы ничего не делают.
type Metrics struct {
	registry      *prometheus.Registry
	shipments     *prometheus.CounterVec
	compensations *prometheus.CounterVec
	courier       *prometheus.HistogramVec
}

// New создаёт реестр и регистрирует в нём коллекторы.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		shipments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shipments_total",
			Help:      "Shipment creation attempts by outcome.",
		}, []string{"outcome"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Compensation tasks by action and result.",
		}, []string{"action", "result"}),
		courier: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "courier_request_duration_seconds",
			Help:      "Courier gateway call latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"operation", "status"}),
	}
	reg.MustRegister(m.shipments, m.compensations, m.courier)

	return m
}

// ShipmentOutcome учитывает завершение запроса на создание отправления.
func (m *Metrics) ShipmentOutcome(outcome string) {
	if m == nil {
		return
	}
	m.shipments.WithLabelValues(strings.ToLower(outcome)).Inc()
}

// Compensation учитывает событие жизненного цикла задачи компенсации.
func (m *Metrics) Compensation(action, result string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(strings.ToLower(action), result).Inc()
}

// CompensationsExpired учитывает задачи, закрытые по сроку хранения.
func (m *Metrics) CompensationsExpired(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.compensations.WithLabelValues("any", CompensationExpired).Add(float64(n))
}

// ObserveCourier учитывает длительность вызова курьерского шлюза.
func (m *Metrics) ObserveCourier(operation string, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.courier.WithLabelValues(operation, status).Observe(d.Seconds())
}

// Handler отдаёт метрики реестра в формате Prometheus.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
