package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ephemeral-auth/internal/store"
)

const collectTimeout = time.Second

// Collector exposes the trailing security window and the store's fallback
// state as Prometheus gauges.
type Collector struct {
	monitor *Monitor
	stats   func() store.Stats

	eventsDesc    *prometheus.Desc
	uniqueDesc    *prometheus.Desc
	degradedDesc  *prometheus.Desc
	fallbacksDesc *prometheus.Desc
}

func NewCollector(m *Monitor, stats func() store.Stats) *Collector {
	return &Collector{
		monitor:       m,
		stats:         stats,
		eventsDesc:    prometheus.NewDesc("security_window_events", "Security events in the trailing window", []string{"category"}, nil),
		uniqueDesc:    prometheus.NewDesc("security_window_unique_keys", "Distinct tenant/identifier/context keys in the trailing window", []string{"category"}, nil),
		degradedDesc:  prometheus.NewDesc("ephemeral_store_degraded", "1 while the shared cache is failing over to memory", nil, nil),
		fallbacksDesc: prometheus.NewDesc("ephemeral_store_fallbacks_total", "Operations served from memory after a shared cache error", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.eventsDesc
	ch <- c.uniqueDesc
	ch <- c.degradedDesc
	ch <- c.fallbacksDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	for _, cat := range Categories {
		counter := c.monitor.Trailing(ctx, cat)
		ch <- prometheus.MustNewConstMetric(c.eventsDesc, prometheus.GaugeValue, float64(counter.EventCount), string(cat))
		ch <- prometheus.MustNewConstMetric(c.uniqueDesc, prometheus.GaugeValue, float64(counter.UniqueKeyCount), string(cat))
	}

	if c.stats != nil {
		s := c.stats()
		degraded := 0.0
		if s.Degraded {
			degraded = 1
		}
		ch <- prometheus.MustNewConstMetric(c.degradedDesc, prometheus.GaugeValue, degraded)
		ch <- prometheus.MustNewConstMetric(c.fallbacksDesc, prometheus.CounterValue, float64(s.Fallbacks))
	}
}

// Register adds collector to reg, ignoring a duplicate registration.
func Register(reg prometheus.Registerer, collector prometheus.Collector) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if err := reg.Register(collector); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return nil
		}
		return err
	}
	return nil
}
