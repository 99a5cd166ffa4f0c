package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "subgate"

// Metrics is nil safe: components built without metrics skip recording.
type Metrics struct {
	webhooks        *prometheus.CounterVec
	webhookDuration *prometheus.HistogramVec
	credits         *prometheus.CounterVec
	sweeps          *prometheus.CounterVec
	sweepRuns       *prometheus.CounterVec
	kicks           *prometheus.CounterVec
	rejections      *prometheus.CounterVec
}

func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_requests_total",
			Help:      "Provider webhook requests by outcome.",
		}, []string{"provider", "result"}),
		webhookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_duration_seconds",
			Help:      "Latency of provider webhook handling.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		credits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_total",
			Help:      "Transactions credited to a subscription.",
		}, []string{"provider"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_actions_total",
			Help:      "Expirations and renewal warnings issued by the sweeper.",
		}, []string{"action"}),
		sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_runs_total",
			Help:      "Sweeper runs by outcome.",
		}, []string{"result"}),
		kicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kicks_total",
			Help:      "Members removed from controlled chats.",
		}, []string{"source"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "antifraud_rejections_total",
			Help:      "Requests rejected before business logic.",
		}, []string{"reason"}),
	}
	var err error
	for _, vec := range []**prometheus.CounterVec{&m.webhooks, &m.credits, &m.sweeps, &m.sweepRuns, &m.kicks, &m.rejections} {
		if *vec, err = register(reg, *vec); err != nil {
			return nil, err
		}
	}
	if m.webhookDuration, err = register(reg, m.webhookDuration); err != nil {
		return nil, err
	}
	return m, nil
}

// register reuses a collector already present on reg so that building the
// metrics twice against one registry shares the same series.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register metric: %w", err)
	}
	return c, nil
}

func (m *Metrics) Webhook(provider, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(provider, result).Inc()
	m.webhookDuration.WithLabelValues(provider).Observe(took.Seconds())
}

func (m *Metrics) Credit(provider string) {
	if m == nil {
		return
	}
	m.credits.WithLabelValues(provider).Inc()
}

// SweepAction records "expired", "warned_3d" or "warned_1d".
func (m *Metrics) SweepAction(action string) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(action).Inc()
}

func (m *Metrics) SweepRun(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sweepRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) Kick(source string) {
	if m == nil {
		return
	}
	m.kicks.WithLabelValues(source).Inc()
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}
