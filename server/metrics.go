package server

import (
	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsServed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixure_http_requests",
		Help: "Total number of http requests served",
	})
	httpErrorsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixure_http_errors",
		Help: "Total number of http requests that ended in an error",
	})
	resourcesUploaded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixure_resources_uploaded",
		Help: "Total number of resources created by uploads",
	})
)

func init() {
	prometheus.MustRegister(httpRequestsServed)
	prometheus.MustRegister(httpErrorsCounter)
	prometheus.MustRegister(resourcesUploaded)
}

// engineMetrics is a Gin middleware that records things like number of errors directly from the http engine.
func engineMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		httpRequestsServed.Inc()
		if len(c.Errors.Errors()) > 0 {
			httpErrorsCounter.Inc()
		}
	}
}

// apiSpan opens a span around each request and hands it down through the request context
func apiSpan() gin.HandlerFunc {
	return func(c *gin.Context) {
		span := opentracing.StartSpan("api")
		span.SetTag("pixure_route", c.FullPath())
		defer span.Finish()
		c.Request = c.Request.WithContext(opentracing.ContextWithSpan(c.Request.Context(), span))
		c.Next()
	}
}
