// Package metrics collects the process-wide Prometheus instruments for
// the cache, the token pool, and the daemon supervisor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits counts cache reads that returned a live entry.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hok_cache_hits_total",
		Help: "Cache reads that returned an unexpired entry.",
	})

	// CacheMisses counts cache reads that found nothing usable,
	// including expired entries and store errors degraded to misses.
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hok_cache_misses_total",
		Help: "Cache reads that returned no usable entry.",
	})

	// PoolTokens tracks the current number of unused tokens in stock.
	PoolTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hok_pool_tokens",
		Help: "Unused security tokens currently available.",
	})

	// PoolRefills counts completed background refill rounds.
	PoolRefills = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hok_pool_refills_total",
		Help: "Background token pool refill rounds completed.",
	})

	// DaemonRestarts counts automatic helper process restarts.
	DaemonRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hok_daemon_restarts_total",
		Help: "Automatic restarts of the token helper process.",
	})
)
