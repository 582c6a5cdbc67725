package observability

import (
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MarketplaceMetrics exposes the collectors recorded by the marketplace
// engine. A nil receiver silently discards every observation.
type MarketplaceMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	tvl        *prometheus.GaugeVec
	rollbacks  *prometheus.CounterVec
}

var (
	marketplaceOnce     sync.Once
	marketplaceRegistry *MarketplaceMetrics
)

// Marketplace returns the lazily-initialised marketplace metrics registered on
// the default prometheus registerer.
func Marketplace() *MarketplaceMetrics {
	marketplaceOnce.Do(func() {
		marketplaceRegistry = NewMarketplaceMetrics(prometheus.DefaultRegisterer)
	})
	return marketplaceRegistry
}

// NewMarketplaceMetrics builds a fresh set of collectors and registers them on
// reg when reg is non-nil.
func NewMarketplaceMetrics(reg prometheus.Registerer) *MarketplaceMetrics {
	m := &MarketplaceMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "itemmarket",
			Subsystem: "marketplace",
			Name:      "operations_total",
			Help:      "Total marketplace operations segmented by operation and outcome.",
		}, []string{"operation", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "itemmarket",
			Subsystem: "marketplace",
			Name:      "operation_duration_seconds",
			Help:      "Latency distribution for marketplace operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		tvl: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "itemmarket",
			Subsystem: "marketplace",
			Name:      "tvl",
			Help:      "Value currently locked in escrow per token, in base units.",
		}, []string{"token"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "itemmarket",
			Subsystem: "marketplace",
			Name:      "rollbacks_total",
			Help:      "Operations aborted because the token movement failed.",
		}, []string{"operation"}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.latency, m.tvl, m.rollbacks)
	}
	return m
}

// Observe records the outcome and latency of a marketplace operation.
func (m *MarketplaceMetrics) Observe(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	operation = normalizeLabel(operation)
	outcome = normalizeLabel(outcome)
	m.operations.WithLabelValues(operation, outcome).Inc()
	if duration > 0 {
		m.latency.WithLabelValues(operation).Observe(duration.Seconds())
	}
}

// SetTVL publishes the locked amount for token.
func (m *MarketplaceMetrics) SetTVL(token string, amount *big.Int) {
	if m == nil {
		return
	}
	m.tvl.WithLabelValues(strings.ToLower(strings.TrimSpace(token))).Set(bigToFloat(amount))
}

// RecordRollback counts an operation aborted by a failed token movement.
func (m *MarketplaceMetrics) RecordRollback(operation string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(normalizeLabel(operation)).Inc()
}

func normalizeLabel(v string) string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func bigToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
