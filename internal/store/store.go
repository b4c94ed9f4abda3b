// Package store defines the pool's persisted state layout as a set of
// narrow, segregated Go interfaces rather than one monolithic repository.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Miner is a registered pool address/worker pair.
type Miner struct {
	ID        uuid.UUID `db:"id"`
	Address   string    `db:"address"`
	Worker    string    `db:"worker"`
	FirstSeen time.Time `db:"first_seen"`
	LastSeen  time.Time `db:"last_seen"`
}

// ShareRecord is one persisted share submission.
type ShareRecord struct {
	ID         uuid.UUID `db:"id"`
	MinerID    string    `db:"miner_id"`
	JobID      string    `db:"job_id"`
	Nonce      string    `db:"nonce"`
	NTime      uint32    `db:"ntime"`
	Difficulty uint64    `db:"difficulty"`
	Valid      bool      `db:"valid"`
	IsBlock    bool      `db:"is_block"`
	At         time.Time `db:"at"`
}

// BlockStatus enumerates a block's confirmation lifecycle.
type BlockStatus string

const (
	BlockStatusPending   BlockStatus = "pending"
	BlockStatusConfirmed BlockStatus = "confirmed"
	BlockStatusOrphaned  BlockStatus = "orphaned"
)

// BlockRecord is a found block.
type BlockRecord struct {
	Height     uint64      `db:"height"`
	Hash       string      `db:"hash"`
	FinderID   string      `db:"finder_id"`
	Reward     int64       `db:"reward"` // atomic units
	Difficulty uint64      `db:"difficulty"`
	FoundAt    time.Time   `db:"found_at"`
	Status     BlockStatus `db:"status"`
}

// BlockRewardRecord is one contributor's share of a block's reward.
type BlockRewardRecord struct {
	BlockHeight    uint64  `db:"block_height"`
	MinerID        string  `db:"miner_id"`
	BaseReward     int64   `db:"base_reward"`
	PoolFee        int64   `db:"pool_fee"`
	MinerReward    int64   `db:"miner_reward"`
	MinerPercent   float64 `db:"miner_percentage"`
	Confirmed      bool    `db:"confirmed"`
}

// LeaderboardRow is an aggregated, read-only row for the dashboard API.
type LeaderboardRow struct {
	MinerID   string  `db:"miner_id"`
	Address   string  `db:"address"`
	Hashrate  float64 `db:"hashrate"`
	Confirmed int64   `db:"confirmed_balance"`
}

// Store is the persistence contract every component depends on through
// this interface, never a concrete driver.
type Store interface {
	UpsertMiner(ctx context.Context, address, worker string) (minerID string, err error)
	RecordShare(ctx context.Context, s ShareRecord) error
	InsertOrReplaceBlock(ctx context.Context, b BlockRecord) error
	InsertBlockRewards(ctx context.Context, rewards []BlockRewardRecord) error
	PendingBlocks(ctx context.Context) ([]BlockRecord, error)
	ConfirmBlock(ctx context.Context, height uint64) error
	RecomputeBalances(ctx context.Context) error
	SharesInWindow(ctx context.Context, since time.Time) ([]ShareRecord, error)
}

// DashboardReader is the additional read surface the read-only dashboard
// API depends on. Kept separate from Store so the core mining path's
// contract stays exactly the one Store names.
type DashboardReader interface {
	RecentBlocks(ctx context.Context, limit int) ([]BlockRecord, error)
	Leaderboard(ctx context.Context, limit int) ([]LeaderboardRow, error)
	MinerStats(ctx context.Context, address string) (*LeaderboardRow, error)
}
