package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "availability"

var (
	DaysWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "days_written_total",
		Help:      "Availability day rows written, by operation (insert, update, upsert, delete).",
	}, []string{"op"})

	BookingsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bookings_applied_total",
		Help:      "Incremental booking updates, by outcome.",
	}, []string{"outcome"})

	VersionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "version_conflicts_total",
		Help:      "Optimistic concurrency conflicts that triggered a retry.",
	})

	RolloverBusinesses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rollover_businesses_total",
		Help:      "Businesses processed by the daily rollover, by result.",
	}, []string{"result"})

	EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_consumed_total",
		Help:      "Trigger events handled, by topic and result.",
	}, []string{"topic", "result"})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_lookups_total",
		Help:      "Redis read cache lookups, by result (hit, miss, error).",
	}, []string{"result"})
)
