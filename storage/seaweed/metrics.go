package seaweed

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	volumeCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixure_seaweed_volume_cache_hits",
		Help: "Total number of volume address lookups answered from the cache",
	})
	volumeCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixure_seaweed_volume_cache_misses",
		Help: "Total number of volume address lookups sent to the master",
	})
	uploadedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixure_seaweed_uploaded_bytes",
		Help: "Total volume of blob payloads sent to volume servers in bytes",
	})
	downloadedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixure_seaweed_downloaded_bytes",
		Help: "Total volume of blob payloads read from volume servers in bytes",
	})
)

func init() {
	prometheus.MustRegister(volumeCacheHits)
	prometheus.MustRegister(volumeCacheMisses)
	prometheus.MustRegister(uploadedBytes)
	prometheus.MustRegister(downloadedBytes)
}
