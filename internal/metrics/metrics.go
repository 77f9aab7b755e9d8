package metrics

import "expvar"

var (
	ReconcileRuns   = expvar.NewInt("reconcile_runs")
	ReconcileErrors = expvar.NewInt("reconcile_errors")

	ResolutionsAttempted = expvar.NewInt("resolutions_attempted")
	ResolutionsSucceeded = expvar.NewInt("resolutions_succeeded")
	ResolutionsFailed    = expvar.NewInt("resolutions_failed")

	EventsPublished = expvar.NewInt("events_published")
	EventsDropped   = expvar.NewInt("events_dropped")
	EventsFailed    = expvar.NewInt("events_failed")

	ForcedFailures = expvar.NewInt("forced_failures")
	SweptContexts  = expvar.NewInt("swept_contexts")
)
