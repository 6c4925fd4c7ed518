// Package metrics exposes Prometheus instrumentation for the stop-loss
// engine:
//   - stoploss_evaluations_total          – evaluation ticks run
//   - stoploss_breaches_total             – floor breaches observed
//   - stoploss_closes_total{reason}       – positions closed, by reason
//   - stoploss_fetch_failures_total       – price fetch failures
//   - stoploss_forced_deactivations_total – fetch-failure auto-deactivations
//   - stoploss_open_positions             – records under management (gauge)
//
// Registered in init and served at /metrics when a listen address is
// configured.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Evaluations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stoploss_evaluations_total",
		Help: "Evaluation ticks run",
	})

	Breaches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stoploss_breaches_total",
		Help: "Floor breaches observed",
	})

	Closes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stoploss_closes_total",
		Help: "Positions closed, split by reason",
	}, []string{"reason"})

	FetchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stoploss_fetch_failures_total",
		Help: "Price fetch failures",
	})

	ForcedDeactivations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stoploss_forced_deactivations_total",
		Help: "Positions force-deactivated after repeated fetch failures",
	})

	OpenPositions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stoploss_open_positions",
		Help: "Position records currently under management",
	})
)

func init() {
	prometheus.MustRegister(Evaluations, Breaches, Closes, FetchFailures, ForcedDeactivations, OpenPositions)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
