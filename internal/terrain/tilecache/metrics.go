package tilecache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Faultbox/terra/internal/gpu"
)

const (
	layerLabel = "layer"
)

var (
	residentSlots = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "terra_tilecache_resident_slots",
		Help: "The number of occupied slots per layer.",
	}, []string{layerLabel})

	evictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "terra_tilecache_evictions_total",
		Help: "The number of slots reclaimed from inactive nodes.",
	}, []string{layerLabel})

	stallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "terra_tilecache_stalls_total",
		Help: "The number of allocations that found no evictable slot.",
	}, []string{layerLabel})
)

func instrumentResident(l gpu.Layer, n int) {
	residentSlots.
		With(prometheus.Labels{layerLabel: l.String()}).
		Set(float64(n))
}

func instrumentEviction(l gpu.Layer) {
	evictionsTotal.
		With(prometheus.Labels{layerLabel: l.String()}).
		Inc()
}

func instrumentStall(l gpu.Layer) {
	stallsTotal.
		With(prometheus.Labels{layerLabel: l.String()}).
		Inc()
}
