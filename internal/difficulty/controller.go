// Package difficulty implements the DifficultyController:
// per-miner target adjustment toward a steady share-arrival rate, using
// the canonical 6s/1.2x/60s-throttle variant with fixed pool-wide bounds
// rather than hardware-tiered ones.
package difficulty

import (
	"math"
	"sync"
	"time"
)

const (
	// TargetInterval is the target share-arrival interval T.
	TargetInterval = 6 * time.Second

	// AdjustmentWindow is the window W over which recent shares are kept.
	AdjustmentWindow = 120 * time.Second

	// MinAdjustmentGap is the minimum time between adjustments.
	MinAdjustmentGap = 60 * time.Second

	// MinWindowShares and MinValidShares are the minimum sample sizes
	// required before an adjustment is considered.
	MinWindowShares = 5
	MinValidShares  = 3

	// MinCommitDelta is the minimum fractional change required to commit
	// an adjustment (10%).
	MinCommitDelta = 0.10

	// MinDifficulty and MaxDifficulty bound every client's difficulty.
	MinDifficulty uint64 = 1000
	MaxDifficulty uint64 = 1<<63 - 1

	// MinSuggestedDifficulty and MaxSuggestedDifficulty bound a
	// miner-suggested difficulty via mining.suggest_difficulty, a wider
	// and separately-specified range than the vardiff-maintained bounds
	// above.
	MinSuggestedDifficulty uint64 = 1
	MaxSuggestedDifficulty uint64 = 1_000_000
)

type shareRecord struct {
	at    time.Time
	valid bool
}

// Notifier pushes a mining.set_difficulty notification to a client.
type Notifier interface {
	SetDifficulty(clientID string, difficulty uint64)
}

// minerState is the ring of recent shares plus adjustment bookkeeping for
// one client.
type minerState struct {
	mu             sync.Mutex
	difficulty     uint64
	shares         []shareRecord
	lastAdjustment time.Time
}

// Controller is the DifficultyController. One Controller instance tracks
// every connected client.
type Controller struct {
	startingDifficulty uint64
	notifier           Notifier

	mu     sync.RWMutex
	miners map[string]*minerState
}

// NewController constructs a Controller. startingDifficulty is the initial
// value assigned on Register.
func NewController(startingDifficulty uint64, notifier Notifier) *Controller {
	if startingDifficulty < MinDifficulty {
		startingDifficulty = MinDifficulty
	}
	return &Controller{
		startingDifficulty: startingDifficulty,
		notifier:           notifier,
		miners:             make(map[string]*minerState),
	}
}

// Register adds a client with the configured starting difficulty and
// returns it.
func (c *Controller) Register(clientID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := &minerState{
		difficulty:     c.startingDifficulty,
		lastAdjustment: time.Now(),
	}
	c.miners[clientID] = state
	return state.difficulty
}

// Remove removes a client from tracking.
func (c *Controller) Remove(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.miners, clientID)
}

// Difficulty returns the client's current difficulty, or 0 if unknown.
func (c *Controller) Difficulty(clientID string) uint64 {
	c.mu.RLock()
	state, ok := c.miners[clientID]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.difficulty
}

// RecordShare records a share outcome for clientID and, if the adjustment
// rulefires, commits a new difficulty and notifies the
// client via Notifier.
func (c *Controller) RecordShare(clientID string, valid bool) {
	c.mu.RLock()
	state, ok := c.miners[clientID]
	c.mu.RUnlock()
	if !ok {
		return
	}

	now := time.Now()

	state.mu.Lock()
	state.shares = append(state.shares, shareRecord{at: now, valid: valid})
	state.shares = trimWindow(state.shares, now)

	newDiff, changed := evaluateAdjustment(state, now)
	if changed {
		state.difficulty = newDiff
		state.lastAdjustment = now
	}
	state.mu.Unlock()

	if changed && c.notifier != nil {
		c.notifier.SetDifficulty(clientID, newDiff)
	}
}

// SetSuggested commits a miner-suggested difficulty immediately, clamped to
// [MinSuggestedDifficulty, MaxSuggestedDifficulty]. Unlike RecordShare's
// vardiff path, this bypasses the adjustment gap and delta thresholds: a
// miner asking for a specific difficulty gets it right away.
func (c *Controller) SetSuggested(clientID string, d uint64) {
	if d < MinSuggestedDifficulty {
		d = MinSuggestedDifficulty
	}
	if d > MaxSuggestedDifficulty {
		d = MaxSuggestedDifficulty
	}

	c.mu.RLock()
	state, ok := c.miners[clientID]
	c.mu.RUnlock()
	if !ok {
		return
	}

	state.mu.Lock()
	state.difficulty = d
	state.lastAdjustment = time.Now()
	state.mu.Unlock()

	if c.notifier != nil {
		c.notifier.SetDifficulty(clientID, d)
	}
}

func trimWindow(shares []shareRecord, now time.Time) []shareRecord {
	cutoff := now.Add(-AdjustmentWindow)
	i := 0
	for i < len(shares) && shares[i].at.Before(cutoff) {
		i++
	}
	if i == 0 {
		return shares
	}
	return append([]shareRecord{}, shares[i:]...)
}

// evaluateAdjustment implements the vardiff adjustment rule. Caller must
// hold state.mu.
func evaluateAdjustment(state *minerState, now time.Time) (uint64, bool) {
	if now.Sub(state.lastAdjustment) < MinAdjustmentGap {
		return state.difficulty, false
	}
	if len(state.shares) < MinWindowShares {
		return state.difficulty, false
	}

	validCount := 0
	var oldestValid time.Time
	found := false
	for _, s := range state.shares {
		if s.valid {
			validCount++
			if !found {
				oldestValid = s.at
				found = true
			}
		}
	}
	if validCount < MinValidShares {
		return state.difficulty, false
	}

	interval := now.Sub(oldestValid) / time.Duration(validCount-1)
	if validCount == 1 {
		return state.difficulty, false
	}

	var ratio float64
	switch {
	case interval < time.Duration(float64(TargetInterval)*0.7):
		ratio = 1.2
	case interval > time.Duration(float64(TargetInterval)*1.5):
		ratio = 0.8
	default:
		return state.difficulty, false
	}

	candidate := uint64(math.Round(float64(state.difficulty) * ratio))
	if candidate < MinDifficulty {
		candidate = MinDifficulty
	}
	if candidate > MaxDifficulty {
		candidate = MaxDifficulty
	}

	delta := math.Abs(float64(candidate)-float64(state.difficulty)) / float64(state.difficulty)
	if delta < MinCommitDelta {
		return state.difficulty, false
	}

	return candidate, true
}
