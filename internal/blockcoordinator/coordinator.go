// Package blockcoordinator implements the BlockCoordinator:
// carrying a claimed block solution through the daemon and recovering from
// success or rejection as a single sequential workflow with an explicit
// defer/scope-guard, rather than a chain of callbacks.
package blockcoordinator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/velora-pool/coordinator/internal/blocktemplate"
	"github.com/velora-pool/coordinator/internal/daemonclient"
	"github.com/velora-pool/coordinator/internal/share"
	"github.com/velora-pool/coordinator/internal/store"
	"github.com/velora-pool/coordinator/internal/velora"
)

// SubmitTimeout bounds the daemon submission call.
const SubmitTimeout = 30 * time.Second

// DaemonSubmitter is the subset of DaemonClient used here.
type DaemonSubmitter interface {
	SubmitBlock(ctx context.Context, block daemonclient.BlockPayload) (*daemonclient.SubmitResult, error)
}

// TemplateRefresher forces a template refresh from the daemon.
type TemplateRefresher interface {
	ForceUpdate(ctx context.Context) error
	Current() (*blocktemplate.Template, error)
}

// JobInvalidator removes every job tied to a now-solved height.
type JobInvalidator interface {
	InvalidateHeight(h uint64)
}

// JobRefresher forces a fresh job broadcast for the current template, used
// to resume miners even when the template's height did not change (e.g.
// after a rejection).
type JobRefresher interface {
	Tick(tmpl *blocktemplate.Template)
}

// HeightReleaser releases the ShareValidator's per-height claim once this
// workflow finishes, on every exit path.
type HeightReleaser interface {
	ReleaseHeight(height uint64)
}

// RewardTrigger starts the RewardSplitter's PPLNS split for a block the
// daemon has just accepted (the block is still pending confirmation).
type RewardTrigger interface {
	SplitBlockReward(ctx context.Context, height uint64, blockHash string, finderID string, foundAt time.Time) error
}

// Coordinator is the BlockCoordinator.
type Coordinator struct {
	daemon    DaemonSubmitter
	templates TemplateRefresher
	jobs      JobInvalidator
	jobTicker JobRefresher
	heights   HeightReleaser
	rewards   RewardTrigger
	store     store.Store
	log       *zap.Logger
}

// New constructs a Coordinator.
func New(daemon DaemonSubmitter, templates TemplateRefresher, jobs JobInvalidator, jobTicker JobRefresher, heights HeightReleaser, rewards RewardTrigger, st store.Store, log *zap.Logger) *Coordinator {
	return &Coordinator{
		daemon:    daemon,
		templates: templates,
		jobs:      jobs,
		jobTicker: jobTicker,
		heights:   heights,
		rewards:   rewards,
		store:     st,
		log:       log,
	}
}

// HandleBlockSolution implements share.BlockSink: it is invoked at most
// once per height (the ShareValidator's processingHeights guard already
// deduplicated), and releases that guard on every exit path.
func (c *Coordinator) HandleBlockSolution(sol share.BlockSolution) {
	height := sol.Template.Index
	defer c.heights.ReleaseHeight(height)

	ctx, cancel := context.WithTimeout(context.Background(), SubmitTimeout)
	defer cancel()

	payload, hash, err := buildPayload(sol)
	if err != nil {
		c.log.Error("failed to build block payload", zap.Error(err), zap.Uint64("height", height))
		c.recoverAndRebroadcast(context.Background())
		return
	}

	result, err := c.daemon.SubmitBlock(ctx, payload)
	if err != nil {
		c.log.Error("block submission transport error", zap.Error(err), zap.Uint64("height", height))
		c.recoverAndRebroadcast(context.Background())
		return
	}

	if !result.Accepted {
		c.log.Warn("block submission rejected", zap.Int("status", result.StatusCode), zap.String("message", result.Message), zap.Uint64("height", height))
		c.recoverAndRebroadcast(context.Background())
		return
	}

	c.log.Info("block accepted", zap.Uint64("height", height), zap.String("hash", hash))

	bctx, bcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer bcancel()

	foundAt := time.Now()
	if err := c.store.InsertOrReplaceBlock(bctx, store.BlockRecord{
		Height:     height,
		Hash:       hash,
		FinderID:   sol.ClientID,
		Difficulty: sol.Template.Difficulty,
		FoundAt:    foundAt,
		Status:     store.BlockStatusPending,
	}); err != nil {
		c.log.Error("failed to persist accepted block", zap.Error(err), zap.Uint64("height", height))
	}

	if c.rewards != nil {
		if err := c.rewards.SplitBlockReward(bctx, height, hash, sol.ClientID, foundAt); err != nil {
			c.log.Error("reward split failed", zap.Error(err), zap.Uint64("height", height))
		}
	}

	c.jobs.InvalidateHeight(height)

	if err := c.templates.ForceUpdate(context.Background()); err != nil {
		c.log.Warn("post-acceptance template refresh failed", zap.Error(err))
	}
	c.rebroadcastCurrent()
}

// recoverAndRebroadcast is the rejection/transport-error recovery path:
// force a template refresh and push a fresh job regardless of whether the
// refresh changed the cached height.
func (c *Coordinator) recoverAndRebroadcast(ctx context.Context) {
	if err := c.templates.ForceUpdate(ctx); err != nil {
		c.log.Warn("recovery template refresh failed", zap.Error(err))
	}
	c.rebroadcastCurrent()
}

func (c *Coordinator) rebroadcastCurrent() {
	tmpl, err := c.templates.Current()
	if err != nil {
		c.log.Warn("no current template available to rebroadcast", zap.Error(err))
		return
	}
	if c.jobTicker != nil {
		c.jobTicker.Tick(tmpl)
	}
}

// buildPayload constructs the daemon submission payload and recomputes the
// submission hash from the template's canonical timestamp and difficulty.
func buildPayload(sol share.BlockSolution) (daemonclient.BlockPayload, string, error) {
	nonceInt, err := strconv.ParseUint(sol.Submission.Nonce, 16, 64)
	if err != nil {
		return daemonclient.BlockPayload{}, "", fmt.Errorf("parsing nonce: %w", err)
	}

	tmpl := sol.Template
	digest := velora.Hash(tmpl.Index, nonceInt, tmpl.Timestamp, tmpl.PreviousHash, tmpl.MerkleRoot, tmpl.Difficulty)
	hash := fmt.Sprintf("%x", digest)

	txs := make([]string, 0, len(tmpl.Transactions))
	for _, tx := range tmpl.Transactions {
		txs = append(txs, tx.Data)
	}

	payload := daemonclient.BlockPayload{
		Index:        tmpl.Index,
		Timestamp:    tmpl.Timestamp,
		Transactions: txs,
		PreviousHash: tmpl.PreviousHash,
		Nonce:        nonceInt,
		Difficulty:   tmpl.Difficulty,
		MerkleRoot:   tmpl.MerkleRoot,
		Hash:         hash,
		Algorithm:    "velora",
	}
	return payload, hash, nil
}
