package generate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	stageLabel  = "stage"
	reasonLabel = "reason"
)

const (
	reasonParent = "parent_not_ready"
	reasonSource = "source_missing"
	reasonSlots  = "no_slots"
)

var (
	pendingJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "terra_generate_pending_jobs",
		Help: "The number of nodes waiting for generation.",
	})

	batchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "terra_generate_batches_total",
		Help: "The number of node stage chains dispatched.",
	})

	dispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "terra_generate_dispatches_total",
		Help: "The number of compute dispatches and uploads per stage.",
	}, []string{stageLabel})

	deferredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "terra_generate_deferred_total",
		Help: "The number of jobs deferred to a later frame.",
	}, []string{reasonLabel})

	cancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "terra_generate_cancelled_total",
		Help: "The number of jobs dropped because their slot was reassigned.",
	})

	persistedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "terra_generate_persisted_total",
		Help: "The number of base layers written to the persistent store.",
	}, []string{stageLabel})
)

func instrumentDispatch(s Stage) {
	dispatchesTotal.
		With(prometheus.Labels{stageLabel: s.String()}).
		Inc()
}

func instrumentDeferred(reason string) {
	deferredTotal.
		With(prometheus.Labels{reasonLabel: reason}).
		Inc()
}

func instrumentPersisted(s Stage) {
	persistedTotal.
		With(prometheus.Labels{stageLabel: s.String()}).
		Inc()
}
