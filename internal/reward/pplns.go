// Package reward implements the RewardSplitter: PPLNS reward allocation
// over a fixed 600s wall-clock window of recent shares, and the separate
// periodic confirmation pass.
package reward

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/velora-pool/coordinator/internal/store"
)

// Window is the PPLNS lookback window.
const Window = 600 * time.Second

// ConfirmationDepth is the number of blocks that must pass a block's
// height before it is considered confirmed.
const ConfirmationDepth = 10

// ConfirmationPassInterval is how often the confirmation sweep runs
//.
const ConfirmationPassInterval = 2 * time.Minute

// Config configures the Splitter.
type Config struct {
	BlockReward    int64   // R, in atomic units
	PoolFeePercent float64 // f * 100, e.g. 1.0 for 1%
}

// HeightProvider reports the current network height, used by the
// confirmation pass to decide which pending blocks have matured.
type HeightProvider interface {
	CurrentHeight(ctx context.Context) (uint64, error)
}

// Splitter is the RewardSplitter.
type Splitter struct {
	cfg    Config
	store  store.Store
	height HeightProvider
	log    *zap.Logger
}

// New constructs a Splitter.
func New(cfg Config, st store.Store, height HeightProvider, log *zap.Logger) *Splitter {
	return &Splitter{cfg: cfg, store: st, height: height, log: log}
}

// SplitBlockReward implements blockcoordinator.RewardTrigger: it pulls the
// PPLNS window of valid shares, allocates the net reward proportionally,
// and persists one BlockRewardRecord per contributor.
func (s *Splitter) SplitBlockReward(ctx context.Context, height uint64, blockHash, finderID string, foundAt time.Time) error {
	since := foundAt.Add(-Window)
	shares, err := s.store.SharesInWindow(ctx, since)
	if err != nil {
		return fmt.Errorf("loading PPLNS window: %w", err)
	}

	rewards := Allocate(s.cfg, height, shares)
	if len(rewards) == 0 {
		s.log.Warn("no PPLNS contributors for block", zap.Uint64("height", height))
		return nil
	}

	if err := s.store.InsertBlockRewards(ctx, rewards); err != nil {
		return fmt.Errorf("persisting block rewards: %w", err)
	}
	return nil
}

// Allocate computes the per-contributor reward split for one block. It is a
// pure function so the allocation rule can be tested without a Store.
func Allocate(cfg Config, height uint64, shares []store.ShareRecord) []store.BlockRewardRecord {
	if cfg.BlockReward <= 0 || len(shares) == 0 {
		return nil
	}

	totals := make(map[string]float64)
	var grandTotal float64
	for _, sh := range shares {
		if !sh.Valid {
			continue
		}
		totals[sh.MinerID] += float64(sh.Difficulty)
		grandTotal += float64(sh.Difficulty)
	}
	if grandTotal == 0 {
		return nil
	}

	poolFee := int64(float64(cfg.BlockReward) * cfg.PoolFeePercent / 100.0)
	netReward := cfg.BlockReward - poolFee

	rewards := make([]store.BlockRewardRecord, 0, len(totals))
	for minerID, minerTotal := range totals {
		proportion := minerTotal / grandTotal
		if proportion > 1 {
			proportion = 1
		}
		minerReward := int64(float64(netReward) * proportion)
		if minerReward <= 0 {
			continue
		}
		rewards = append(rewards, store.BlockRewardRecord{
			BlockHeight:  height,
			MinerID:      minerID,
			BaseReward:   cfg.BlockReward,
			PoolFee:      poolFee,
			MinerReward:  minerReward,
			MinerPercent: proportion,
		})
	}
	return rewards
}

// RunConfirmationPass walks pending blocks and confirms every one whose
// height has at least ConfirmationDepth confirmations, then recomputes
// every miner's balance from BlockReward rows from scratch.
func (s *Splitter) RunConfirmationPass(ctx context.Context) error {
	currentHeight, err := s.height.CurrentHeight(ctx)
	if err != nil {
		return fmt.Errorf("fetching current height: %w", err)
	}

	pending, err := s.store.PendingBlocks(ctx)
	if err != nil {
		return fmt.Errorf("listing pending blocks: %w", err)
	}

	confirmedAny := false
	for _, b := range pending {
		if currentHeight < b.Height+ConfirmationDepth {
			continue
		}
		if err := s.store.ConfirmBlock(ctx, b.Height); err != nil {
			s.log.Error("failed to confirm block", zap.Error(err), zap.Uint64("height", b.Height))
			continue
		}
		confirmedAny = true
	}

	if !confirmedAny {
		return nil
	}
	if err := s.store.RecomputeBalances(ctx); err != nil {
		return fmt.Errorf("recomputing balances: %w", err)
	}
	return nil
}

// StartConfirmationLoop runs RunConfirmationPass on a ticker until ctx is
// canceled.
func (s *Splitter) StartConfirmationLoop(ctx context.Context) {
	ticker := time.NewTicker(ConfirmationPassInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunConfirmationPass(ctx); err != nil {
				s.log.Warn("confirmation pass failed", zap.Error(err))
			}
		}
	}
}
