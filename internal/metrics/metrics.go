// Package metrics turns bus events into Prometheus series on a private
// registry.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"herald/internal/discord"
	"herald/internal/eventbus"
)

type Metrics struct {
	Registry *prometheus.Registry

	Deliveries      *prometheus.CounterVec
	Cycles          *prometheus.CounterVec
	CycleDuration   *prometheus.HistogramVec
	DiscordRetries  *prometheus.CounterVec
	CalendarActions *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_deliveries_total",
			Help: "Newsletter posts and reminder DMs by outcome",
		}, []string{"job", "outcome"}),
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_cycles_total",
			Help: "Job cycles by status",
		}, []string{"job", "status"}),
		CycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "herald_cycle_duration_seconds",
			Help:    "Wall time of one job cycle",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"job"}),
		DiscordRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_discord_retries_total",
			Help: "Discord API retries by reason",
		}, []string{"reason"}),
		CalendarActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_calendar_actions_total",
			Help: "Mirror calendar writes by action and result",
		}, []string{"action", "result"}),
	}
	m.Registry.MustRegister(
		m.Deliveries, m.Cycles, m.CycleDuration, m.DiscordRetries, m.CalendarActions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RegisterDropped exposes the bus drop counter.
func (m *Metrics) RegisterDropped(b *eventbus.MemBus) {
	m.Registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "herald_bus_dropped_total",
		Help: "Bus events lost to full subscriber buffers",
	}, func() float64 { return float64(b.Dropped()) }))
}

// Observe records one event. Unknown types are ignored.
func (m *Metrics) Observe(e eventbus.Event) {
	switch d := e.Data.(type) {
	case eventbus.Delivery:
		var outcome string
		switch e.Type {
		case eventbus.DeliverySent:
			outcome = "sent"
		case eventbus.DeliverySkipped:
			outcome = "skipped"
		case eventbus.DeliveryFailed:
			outcome = "failed"
		default:
			return
		}
		m.Deliveries.WithLabelValues(d.Job, outcome).Inc()
	case eventbus.Cycle:
		status := "ok"
		if d.Err != "" {
			status = "error"
		}
		m.Cycles.WithLabelValues(d.Job, status).Inc()
		m.CycleDuration.WithLabelValues(d.Job).Observe(d.Duration.Seconds())
	case eventbus.CalendarAction:
		result := "ok"
		if d.Err != "" {
			result = "error"
		}
		m.CalendarActions.WithLabelValues(d.Action, result).Inc()
	case discord.RetryEvent:
		m.DiscordRetries.WithLabelValues(d.Reason).Inc()
	}
}

// Run feeds every bus event into Observe until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) {
	ch, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}
