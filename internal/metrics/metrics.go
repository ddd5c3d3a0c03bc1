// Package metrics exports the engine's State Store counters as
// Prometheus counters (plus a per-slot state gauge), scraped by the
// Dashboard Gateway's /metrics
// endpoint alongside its HTTP and WebSocket routes.
package metrics

import (
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/conductorhq/conductor/internal/model"
	"github.com/conductorhq/conductor/internal/statestore"
)

// Collector implements prometheus.Collector by reading the State Store's
// durable counters and slot table on every scrape, the same pull model
// the teacher's /metrics-less design would use if it exported any: no
// counters are duplicated in-process, the State Store stays the single
// source of truth spec.md §4.E requires.
type Collector struct {
	store *statestore.Store

	totalIterations       *prometheus.Desc
	successfulCompletions *prometheus.Desc
	failedAttempts        *prometheus.Desc
	slotState             *prometheus.Desc
}

// NewCollector constructs a Collector over store. Register it with a
// prometheus.Registry (or promauto's default one) before serving /metrics.
func NewCollector(store *statestore.Store) *Collector {
	return &Collector{
		store: store,
		totalIterations: prometheus.NewDesc(
			"conductor_total_iterations", "Total scheduler loop iterations executed.", nil, nil),
		successfulCompletions: prometheus.NewDesc(
			"conductor_successful_completions_total", "Issues that reached the completed phase.", nil, nil),
		failedAttempts: prometheus.NewDesc(
			"conductor_failed_attempts_total", "Attempts that ended in a non-success outcome.", nil, nil),
		slotState: prometheus.NewDesc(
			"conductor_worker_slot_state", "1 if the slot is currently in the given state.", []string{"slot", "state"}, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalIterations
	ch <- c.successfulCompletions
	ch <- c.failedAttempts
	ch <- c.slotState
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counters, err := c.store.GetCounters()
	if err != nil {
		slog.Warn("metrics: read counters failed", "error", err)
	} else {
		ch <- prometheus.MustNewConstMetric(c.totalIterations, prometheus.CounterValue, float64(counters.TotalIterations))
		ch <- prometheus.MustNewConstMetric(c.successfulCompletions, prometheus.CounterValue, float64(counters.SuccessfulCompletions))
		ch <- prometheus.MustNewConstMetric(c.failedAttempts, prometheus.CounterValue, float64(counters.FailedAttempts))
	}

	slots, err := c.store.ListSlots()
	if err != nil {
		slog.Warn("metrics: read slots failed", "error", err)
		return
	}
	for _, s := range slots {
		for _, state := range []model.SlotState{model.SlotIdle, model.SlotBusy, model.SlotDraining} {
			var v float64
			if s.State == state {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(c.slotState, prometheus.GaugeValue, v,
				strconv.Itoa(s.ID), string(state))
		}
	}
}
