package api

import (
	"github.com/gin-gonic/gin"

	"github.com/velora-pool/coordinator/internal/metrics"
)

// NewRouter builds the dashboard's gin.Engine. admin gates the
// operator-only login and diagnostics routes; a zero-value
// AdminCredentials disables them.
func NewRouter(h *Handlers, m *metrics.Metrics, admin AdminCredentials) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(200) })
	if m != nil {
		r.GET("/metrics", gin.WrapH(m.Handler()))
	}

	api := r.Group("/api")
	{
		api.GET("/pool/stats", h.GetPoolStats)
		api.GET("/miners/:address", h.GetMiner)
		api.GET("/blocks", h.GetBlocks)
		api.GET("/leaderboard", h.GetLeaderboard)

		if admin.Secret != "" {
			api.POST("/admin/login", AdminLogin(admin))

			diag := api.Group("/admin")
			diag.Use(AdminAuth(admin.Secret))
			diag.GET("/diagnostics", h.GetDiagnostics)
		}
	}

	return r
}
