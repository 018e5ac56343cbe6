// Package middleware re-exports the handful of observability subpackage
// routes the companion server actually registers (health.go/pprof.go/
// version.go live directly in this package; only metrics comes from a
// subpackage, since its Prometheus registry is shared across the service).
package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/rhao5556-beep/peiban-sub000/pkg/infra/middleware/observability"
	options "github.com/rhao5556-beep/peiban-sub000/pkg/options/middleware"
)

// MetricsOptions is an alias for options.MetricsOptions.
type MetricsOptions = options.MetricsOptions

// RegisterMetricsRoutesWithOptions registers the Prometheus scrape endpoint.
func RegisterMetricsRoutesWithOptions(engine *gin.Engine, opts MetricsOptions) {
	observability.RegisterMetricsRoutesWithOptions(engine, opts)
}
