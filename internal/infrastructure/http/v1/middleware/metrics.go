package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// RequestObserver records served requests.
type RequestObserver interface {
	HTTPRequest(method, route, status string, elapsed time.Duration)
}

// Metrics reports every request to obs, labelled by the matched route
// template rather than the raw path.
func Metrics(obs RequestObserver) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		obs.HTTPRequest(c.Request.Method, c.FullPath(), strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}
