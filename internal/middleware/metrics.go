package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/harborside/media-vault/internal/service"
)

// Metrics observes every API request by method, route template and status.
// The scrape endpoint itself is not observed; a scraper polling /metrics
// would otherwise dominate the histograms.
func Metrics(metricsSvc *service.MetricsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if metricsSvc == nil {
			c.Next()
			return
		}
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if path == "/metrics" {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		metricsSvc.ObserveHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}
