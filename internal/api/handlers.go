package api

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/velora-pool/coordinator/internal/store"
)

// PoolStatsProvider supplies the live figures GET /api/pool/stats reports,
// backed by HashrateEstimator.PoolHashrate and the server's connection
// count rather than the Store (those are in-memory, not persisted).
type PoolStatsProvider interface {
	ConnectedMiners() int
	PoolHashrate() float64
}

// Handlers holds the dependencies the dashboard routes call into.
type Handlers struct {
	store store.DashboardReader
	stats PoolStatsProvider
}

// NewHandlers constructs Handlers.
func NewHandlers(st store.DashboardReader, stats PoolStatsProvider) *Handlers {
	return &Handlers{store: st, stats: stats}
}

type poolStatsPayload struct {
	ConnectedMiners int     `json:"connectedMiners"`
	PoolHashrate    float64 `json:"poolHashrate"`
}

// GetPoolStats handles GET /api/pool/stats.
func (h *Handlers) GetPoolStats(c *gin.Context) {
	respondSuccess(c, poolStatsPayload{
		ConnectedMiners: h.stats.ConnectedMiners(),
		PoolHashrate:    h.stats.PoolHashrate(),
	})
}

// GetMiner handles GET /api/miners/:address.
func (h *Handlers) GetMiner(c *gin.Context) {
	address := c.Param("address")
	row, err := h.store.MinerStats(c.Request.Context(), address)
	if err != nil {
		respondInternalError(c, "failed to load miner")
		return
	}
	if row == nil {
		respondNotFound(c, "miner not found")
		return
	}
	respondSuccess(c, row)
}

// GetBlocks handles GET /api/blocks.
func (h *Handlers) GetBlocks(c *gin.Context) {
	limit := queryLimit(c, 50)
	blocks, err := h.store.RecentBlocks(c.Request.Context(), limit)
	if err != nil {
		respondInternalError(c, "failed to load blocks")
		return
	}
	respondSuccess(c, blocks)
}

// GetLeaderboard handles GET /api/leaderboard.
func (h *Handlers) GetLeaderboard(c *gin.Context) {
	limit := queryLimit(c, 50)
	rows, err := h.store.Leaderboard(c.Request.Context(), limit)
	if err != nil {
		respondInternalError(c, "failed to load leaderboard")
		return
	}
	respondSuccess(c, rows)
}

// GetDiagnostics handles GET /api/admin/diagnostics: an operator-only view
// of live in-memory figures, not backed by the Store.
func (h *Handlers) GetDiagnostics(c *gin.Context) {
	respondSuccess(c, poolStatsPayload{
		ConnectedMiners: h.stats.ConnectedMiners(),
		PoolHashrate:    h.stats.PoolHashrate(),
	})
}

func queryLimit(c *gin.Context, def int) int {
	raw := c.Query("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > 500 {
		n = 500
	}
	return n
}
