package jobstore

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	jobsByStateDesc = prometheus.NewDesc(
		"bridge_jobs",
		"Number of jobs currently in each lifecycle state.",
		[]string{"state"}, nil,
	)
	completionsDesc = prometheus.NewDesc(
		"bridge_completions_last_minute",
		"Jobs that reached a terminal state within the last minute.",
		nil, nil,
	)
	storeUpDesc = prometheus.NewDesc(
		"bridge_store_up",
		"Whether the job store answered the scrape-time aggregation query.",
		nil, nil,
	)
)

// Collector exposes queue gauges computed from the store at scrape time.
// There are no persisted counters; the store stays the only source of truth.
type Collector struct {
	store *Store
}

// NewCollector returns a prometheus collector over the given store.
func NewCollector(store *Store) *Collector {
	return &Collector{store: store}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- jobsByStateDesc
	ch <- completionsDesc
	ch <- storeUpDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	counts, err := c.store.CountByState(ctx)
	if err != nil {
		ch <- prometheus.MustNewConstMetric(storeUpDesc, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(storeUpDesc, prometheus.GaugeValue, 1)

	for state, n := range map[State]int64{
		StateEnqueued:    counts.Enqueued,
		StateDispatching: counts.Dispatching,
		StateRunning:     counts.Running,
		StateDone:        counts.Done,
		StateError:       counts.Error,
		StateTimeout:     counts.Timeout,
		StateCancelled:   counts.Cancelled,
	} {
		ch <- prometheus.MustNewConstMetric(jobsByStateDesc, prometheus.GaugeValue, float64(n), string(state))
	}

	completed, err := c.store.CompletedSince(ctx, time.Now().UTC().Add(-time.Minute))
	if err == nil {
		ch <- prometheus.MustNewConstMetric(completionsDesc, prometheus.GaugeValue, float64(completed))
	}
}
