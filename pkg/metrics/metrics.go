package metrics

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// RtrMetrics holds the instrument handles for the RTR serve engine and the
// pipeline. Counters carry a `component` attribute naming the unit or
// target they count for.
type RtrMetrics struct {
	NewConnections    metric.Int64Counter
	ActiveConnections metric.Int64UpDownCounter
	PdusSent          metric.Int64Counter
	FullSyncs         metric.Int64Counter
	CacheResets       metric.Int64Counter
	UpdatesPublished  metric.Int64Counter
	FetchFailures     metric.Int64Counter
}

var (
	rtrMetrics     *RtrMetrics
	rtrMetricsLock sync.Mutex
)

// GetRtrMetrics returns the process-wide metrics handles, creating them on
// first use.
func GetRtrMetrics() *RtrMetrics {
	rtrMetricsLock.Lock()
	defer rtrMetricsLock.Unlock()

	if rtrMetrics != nil {
		return rtrMetrics
	}
	rtrMetrics = newRtrMetrics()
	return rtrMetrics
}

func newRtrMetrics() *RtrMetrics {
	meter := otel.Meter("github.com/sumkincpp/rtrtr")

	newConnections, _ := meter.Int64Counter("rtr_connections_total")
	activeConnections, _ := meter.Int64UpDownCounter("rtr_connections")
	pdusSent, _ := meter.Int64Counter("rtr_pdus_sent_total")
	fullSyncs, _ := meter.Int64Counter("rtr_full_syncs_total")
	cacheResets, _ := meter.Int64Counter("rtr_cache_resets_total")
	updatesPublished, _ := meter.Int64Counter("pipeline_updates_published_total")
	fetchFailures, _ := meter.Int64Counter("pipeline_fetch_failures_total")

	return &RtrMetrics{
		NewConnections:    newConnections,
		ActiveConnections: activeConnections,
		PdusSent:          pdusSent,
		FullSyncs:         fullSyncs,
		CacheResets:       cacheResets,
		UpdatesPublished:  updatesPublished,
		FetchFailures:     fetchFailures,
	}
}
