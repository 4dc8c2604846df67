package datastore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"www.velocidex.com/golang/velofleet/paths"
)

var (
	DatastoreHistorgram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datastore_latency",
			Help:    "Latency to access datastore.",
			Buckets: prometheus.LinearBuckets(0.01, 0.05, 10),
		},
		[]string{"tag", "action", "datastore"},
	)
)

// The tag is the top level component of the path, e.g. "flows" or
// "clients".
func Instrument(access_type, datastore string,
	urn paths.DSPathSpec) func() time.Duration {

	tag := "Generic"
	components := urn.Components()
	if len(components) > 0 {
		tag = components[0]
	}

	timer := prometheus.NewTimer(prometheus.ObserverFunc(func(v float64) {
		DatastoreHistorgram.WithLabelValues(tag, access_type, datastore).Observe(v)
	}))

	return timer.ObserveDuration
}
