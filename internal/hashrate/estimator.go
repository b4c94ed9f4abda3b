// Package hashrate implements the HashrateEstimator: a per-client rolling
// estimate over a 3-minute window, smoothed with an EMA targeting a ~90s
// horizon, generalized from a hardcoded miner-type sanity cap and implicit
// constant to a configurable calibration constant operators can tune per
// PoW algorithm.
package hashrate

import (
	"math"
	"sync"
	"time"
)

const (
	// Window is the span over which shares are sampled.
	Window = 3 * time.Minute

	// SmoothingHorizon is the target effective smoothing horizon for the EMA.
	SmoothingHorizon = 90 * time.Second

	// MaxUpdateFraction caps how much a single update may move the
	// smoothed estimate, as a fraction of the previous value.
	MaxUpdateFraction = 0.10

	// MinSamples is the minimum number of in-window shares required to
	// produce a nonzero estimate.
	MinSamples = 2
)

type shareSample struct {
	difficulty float64
	at         time.Time
}

// clientState tracks one client's in-window shares and smoothed estimate.
type clientState struct {
	mu       sync.Mutex
	shares   []shareSample
	smoothed float64
	lastSeen time.Time
}

// Estimator is the HashrateEstimator. One Estimator tracks every connected,
// authorized client; PoolHashrate sums over them.
type Estimator struct {
	calibration float64 // k: PoW-algorithm-specific calibration constant

	mu      sync.RWMutex
	clients map[string]*clientState
}

// New constructs an Estimator. calibration is the PoW-specific constant k
// in hps = (count * avgDiff * k) / spanSeconds; this is configuration, not
// a hardcoded empirical value.
func New(calibration float64) *Estimator {
	return &Estimator{
		calibration: calibration,
		clients:     make(map[string]*clientState),
	}
}

// RecordShare records a share's difficulty for clientID at time `at` and
// returns the client's updated smoothed hashrate estimate.
func (e *Estimator) RecordShare(clientID string, difficulty float64, at time.Time) float64 {
	state := e.clientFor(clientID)

	state.mu.Lock()
	defer state.mu.Unlock()

	state.shares = append(state.shares, shareSample{difficulty: difficulty, at: at})
	state.shares = trimWindow(state.shares, at)

	raw := rawEstimate(state.shares, at, e.calibration)

	if state.smoothed == 0 {
		state.smoothed = raw
	} else {
		elapsed := at.Sub(state.lastSeen)
		if elapsed < 0 {
			elapsed = 0
		}
		alpha := 1 - math.Exp(-float64(elapsed)/float64(SmoothingHorizon))
		next := state.smoothed + alpha*(raw-state.smoothed)

		maxStep := state.smoothed * MaxUpdateFraction
		if next > state.smoothed+maxStep {
			next = state.smoothed + maxStep
		} else if next < state.smoothed-maxStep {
			next = state.smoothed - maxStep
		}
		state.smoothed = next
	}
	state.lastSeen = at

	return state.smoothed
}

// Estimate returns clientID's current smoothed hashrate estimate, or 0 if
// the client is unknown or has fewer than MinSamples in-window shares.
func (e *Estimator) Estimate(clientID string) float64 {
	e.mu.RLock()
	state, ok := e.clients[clientID]
	e.mu.RUnlock()
	if !ok {
		return 0
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	state.shares = trimWindow(state.shares, time.Now())
	if len(state.shares) < MinSamples {
		return 0
	}
	return state.smoothed
}

// Remove stops tracking clientID, e.g. on disconnect.
func (e *Estimator) Remove(clientID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.clients, clientID)
}

// PoolHashrate sums the smoothed estimate of every authorized client in
// clientIDs.
func (e *Estimator) PoolHashrate(clientIDs []string) float64 {
	var total float64
	for _, id := range clientIDs {
		total += e.Estimate(id)
	}
	return total
}

func (e *Estimator) clientFor(clientID string) *clientState {
	e.mu.RLock()
	state, ok := e.clients[clientID]
	e.mu.RUnlock()
	if ok {
		return state
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if state, ok := e.clients[clientID]; ok {
		return state
	}
	state = &clientState{}
	e.clients[clientID] = state
	return state
}

func trimWindow(shares []shareSample, now time.Time) []shareSample {
	cutoff := now.Add(-Window)
	i := 0
	for i < len(shares) && shares[i].at.Before(cutoff) {
		i++
	}
	if i == 0 {
		return shares
	}
	return append([]shareSample{}, shares[i:]...)
}

// rawEstimate computes hps = (count * avgDiff * k) / spanSeconds.
// Requires >= MinSamples in-window shares; otherwise 0.
func rawEstimate(shares []shareSample, now time.Time, k float64) float64 {
	if len(shares) < MinSamples {
		return 0
	}

	span := now.Sub(shares[0].at).Seconds()
	if span <= 0 {
		return 0
	}

	var sumDiff float64
	for _, s := range shares {
		sumDiff += s.difficulty
	}
	avgDiff := sumDiff / float64(len(shares))

	return (float64(len(shares)) * avgDiff * k) / span
}
