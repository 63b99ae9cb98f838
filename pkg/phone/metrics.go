package phone

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig конфигурация метрик
type MetricsConfig struct {
	Enabled   bool
	Namespace string

	// Registerer куда регистрировать метрики. nil означает prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// DefaultMetricsConfig возвращает конфигурацию по умолчанию
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{Enabled: true, Namespace: "webphone"}
}

// Metrics метрики звонков. Нулевой указатель допустим и ничего не делает.
type Metrics struct {
	callsTotal           *prometheus.CounterVec
	callDuration         prometheus.Histogram
	activeCalls          prometheus.Gauge
	registrationFailures prometheus.Counter
	busyRejections       prometheus.Counter
	engineRestarts       prometheus.Counter
}

// NewMetrics создает и регистрирует метрики. При Enabled=false возвращает nil.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return nil
	}
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	ns := cfg.Namespace

	return &Metrics{
		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "calls_total",
			Help:      "Завершенные звонки по направлению и итогу",
		}, []string{"direction", "status"}),
		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "call_duration_seconds",
			Help:      "Длительность соединенных звонков",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		activeCalls: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "active_calls",
			Help:      "Число отслеживаемых сессий",
		}),
		registrationFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "registration_failures_total",
			Help:      "Отказы регистрации",
		}),
		busyRejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "busy_rejections_total",
			Help:      "Входящие звонки, отклоненные кодом 486",
		}),
		engineRestarts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "engine_restarts_total",
			Help:      "Создания нового экземпляра сигнального движка",
		}),
	}
}

func (m *Metrics) callStarted() {
	if m == nil {
		return
	}
	m.activeCalls.Inc()
}

func (m *Metrics) callFinished(direction, status string, connected time.Duration) {
	if m == nil {
		return
	}
	m.activeCalls.Dec()
	m.callsTotal.WithLabelValues(direction, status).Inc()
	if connected > 0 {
		m.callDuration.Observe(connected.Seconds())
	}
}

func (m *Metrics) registrationFailed() {
	if m == nil {
		return
	}
	m.registrationFailures.Inc()
}

func (m *Metrics) busyRejected() {
	if m == nil {
		return
	}
	m.busyRejections.Inc()
}

func (m *Metrics) engineRestarted() {
	if m == nil {
		return
	}
	m.engineRestarts.Inc()
}
