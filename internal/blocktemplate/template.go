// Package blocktemplate implements the TemplateManager: the single source
// of truth for the current block template, refreshed by polling the
// upstream daemon.
package blocktemplate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Transaction is an opaque entry in a template's transaction list.
type Transaction struct {
	Data        string
	IsCoinbase  bool
}

// Template is an immutable snapshot of the next block, as fetched from the
// upstream daemon.
type Template struct {
	Index         uint64
	PreviousHash  string
	MerkleRoot    string
	Timestamp     uint64 // ms since epoch
	Difficulty    uint64 // network difficulty
	Transactions  []Transaction
	PoolDifficulty uint64
	ExpiresAt     time.Time
}

var (
	// ErrMissingFields is returned when a fetched template fails ingress
	// validation.
	ErrMissingFields = errors.New("template missing required fields")
	// ErrNoCoinbase is returned when a template's transaction list has no
	// coinbase-flagged entry.
	ErrNoCoinbase = errors.New("template has no coinbase transaction")
	// ErrNoTemplate is returned by Current when there is no usable
	// cached template.
	ErrNoTemplate = errors.New("no block template available")
)

// Fetcher is the subset of DaemonClient the manager needs: fetching a
// template snapshot from the upstream daemon.
type Fetcher interface {
	FetchTemplate(ctx context.Context, poolFeeAddress string) (*Template, error)
}

// DifficultyParams configures poolDifficulty derivation.
type DifficultyParams struct {
	ConfiguredStarting uint64
	Floor              uint64
}

// Config configures the Manager.
type Config struct {
	PoolFeeAddress string
	PollInterval   time.Duration
	ShareTimeout   time.Duration
	Difficulty     DifficultyParams
}

// Manager is the TemplateManager: it owns the current
// Template cell exclusively, polls the daemon, and notifies observers when
// the cached template's height strictly advances.
type Manager struct {
	cfg     Config
	fetcher Fetcher
	log     *zap.Logger

	mu      sync.RWMutex
	current *Template

	updating atomic.Bool // re-entry guard for forceUpdate

	listenersMu sync.Mutex
	listeners   []func(*Template)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager constructs a Manager. Call Start to begin polling.
func NewManager(cfg Config, fetcher Fetcher, log *zap.Logger) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		fetcher: fetcher,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start performs an initial fetch and begins the background poll loop.
func (m *Manager) Start() {
	if err := m.ForceUpdate(m.ctx); err != nil {
		m.log.Warn("initial template fetch failed", zap.Error(err))
	}
	m.wg.Add(1)
	go m.pollLoop()
}

// Stop halts the poll loop and waits for it to exit.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) pollLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.ForceUpdate(m.ctx); err != nil {
				m.log.Warn("template poll failed", zap.Error(err))
			}
		}
	}
}

// Current returns the cached template if it has not expired. If it has
// expired, it returns ErrNoTemplate and schedules a background refresh.
func (m *Manager) Current() (*Template, error) {
	m.mu.RLock()
	tmpl := m.current
	m.mu.RUnlock()

	if tmpl == nil {
		return nil, ErrNoTemplate
	}
	if time.Now().After(tmpl.ExpiresAt) {
		go func() {
			if err := m.ForceUpdate(context.Background()); err != nil {
				m.log.Warn("scheduled template refresh failed", zap.Error(err))
			}
		}()
		return nil, ErrNoTemplate
	}
	return tmpl, nil
}

// ForceUpdate synchronously refreshes the template from the daemon. A
// re-entry guard drops overlapping calls so at most one refresh runs at a
// time.
func (m *Manager) ForceUpdate(ctx context.Context) error {
	if !m.updating.CompareAndSwap(false, true) {
		return nil
	}
	defer m.updating.Store(false)

	raw, err := m.fetcher.FetchTemplate(ctx, m.cfg.PoolFeeAddress)
	if err != nil {
		return fmt.Errorf("fetching template: %w", err)
	}

	tmpl, err := m.ingest(raw)
	if err != nil {
		return fmt.Errorf("validating template: %w", err)
	}

	m.mu.Lock()
	previous := m.current
	m.current = tmpl
	m.mu.Unlock()

	if previous == nil || tmpl.Index > previous.Index {
		m.notify(tmpl)
	}
	return nil
}

// ingest validates required fields and derives poolDifficulty/expiresAt.
func (m *Manager) ingest(raw *Template) (*Template, error) {
	if raw == nil {
		return nil, ErrMissingFields
	}
	if raw.PreviousHash == "" || raw.MerkleRoot == "" || raw.Timestamp == 0 || raw.Difficulty == 0 {
		return nil, ErrMissingFields
	}
	if len(raw.Transactions) == 0 {
		return nil, ErrMissingFields
	}
	hasCoinbase := false
	for _, tx := range raw.Transactions {
		if tx.IsCoinbase {
			hasCoinbase = true
			break
		}
	}
	if !hasCoinbase {
		return nil, ErrNoCoinbase
	}

	tmpl := *raw
	tmpl.PoolDifficulty = derivePoolDifficulty(raw.Difficulty, m.cfg.Difficulty)
	tmpl.ExpiresAt = time.UnixMilli(int64(raw.Timestamp)).Add(m.cfg.ShareTimeout)
	return &tmpl, nil
}

// derivePoolDifficulty implements the clamp rule:
// clamp(max(configuredStarting, 0.2*networkDifficulty), <= 0.5*networkDifficulty),
// never below the global floor.
func derivePoolDifficulty(networkDifficulty uint64, params DifficultyParams) uint64 {
	floor := params.Floor
	if floor == 0 {
		floor = 1000
	}

	candidate := float64(params.ConfiguredStarting)
	minShare := 0.2 * float64(networkDifficulty)
	if minShare > candidate {
		candidate = minShare
	}

	maxShare := 0.5 * float64(networkDifficulty)
	if candidate > maxShare {
		candidate = maxShare
	}

	result := uint64(candidate)
	if result < floor {
		result = floor
	}
	return result
}

// OnNewTemplate registers a callback invoked when a refresh yields a
// strictly higher index. The manager supports several listeners so
// independent subsystems (job broadcast, metrics) can subscribe without
// each other's knowledge.
func (m *Manager) OnNewTemplate(cb func(*Template)) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, cb)
}

func (m *Manager) notify(tmpl *Template) {
	m.listenersMu.Lock()
	listeners := make([]func(*Template), len(m.listeners))
	copy(listeners, m.listeners)
	m.listenersMu.Unlock()

	for _, cb := range listeners {
		cb(tmpl)
	}
}
