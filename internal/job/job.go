// Package job implements the JobManager: turning templates into Jobs,
// maintaining the job table, broadcasting work, and expiring stale jobs.
// Generalized from a single atomic current-job cell into a job table keyed
// by job id so InvalidateHeight and multi-job expiry are supported.
package job

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/velora-pool/coordinator/internal/blocktemplate"
)

// Job is stable work handed to miners.
type Job struct {
	ID        string
	Template  *blocktemplate.Template
	CreatedAt time.Time
	ExpiresAt time.Time
	CleanJobs bool
}

// Broadcaster pushes a job notification to every subscribed+authorized
// client. The StratumServer implements this.
type Broadcaster interface {
	BroadcastJob(j *Job)
}

// Manager is the JobManager: it exclusively owns the Job table.
type Manager struct {
	log         *zap.Logger
	broadcaster Broadcaster

	mu    sync.RWMutex
	jobs  map[string]*Job
	order []string // insertion order, oldest first

	jobTTL  time.Duration
	counter int64
}

// NewManager constructs a Manager. jobTTL bounds how long a job remains
// servable after creation (independent of the underlying template's
// expiresAt, which bounds how long TemplateManager.Current serves it).
func NewManager(jobTTL time.Duration, broadcaster Broadcaster, log *zap.Logger) *Manager {
	if jobTTL <= 0 {
		jobTTL = 10 * time.Minute
	}
	return &Manager{
		log:         log,
		broadcaster: broadcaster,
		jobs:        make(map[string]*Job),
		jobTTL:      jobTTL,
	}
}

// OnTemplateChanged should be registered with blocktemplate.Manager.OnNewTemplate.
// It creates a new Job with cleanJobs=true, stores it, expires stale jobs,
// then broadcasts.
func (m *Manager) OnTemplateChanged(tmpl *blocktemplate.Template) {
	m.createAndBroadcast(tmpl, true)
}

// Tick regenerates a job for the current template even if the height is
// unchanged, so ntime advances on the periodic broadcast tick.
func (m *Manager) Tick(tmpl *blocktemplate.Template) {
	if tmpl == nil {
		return
	}
	m.createAndBroadcast(tmpl, false)
}

func (m *Manager) createAndBroadcast(tmpl *blocktemplate.Template, cleanJobs bool) {
	id := m.nextID()
	now := time.Now()
	j := &Job{
		ID:        id,
		Template:  tmpl,
		CreatedAt: now,
		ExpiresAt: now.Add(m.jobTTL),
		CleanJobs: cleanJobs,
	}

	m.mu.Lock()
	m.jobs[id] = j
	m.order = append(m.order, id)
	m.expireLocked(now)
	m.mu.Unlock()

	if m.broadcaster != nil {
		m.broadcaster.BroadcastJob(j)
	}
}

func (m *Manager) nextID() string {
	n := atomic.AddInt64(&m.counter, 1)
	return jobIDFromCounter(n)
}

// jobIDFromCounter renders a monotonic counter as an opaque job id.
func jobIDFromCounter(n int64) string {
	const alphabet = "0123456789abcdef"
	if n == 0 {
		return "0"
	}
	buf := make([]byte, 0, 16)
	for n > 0 {
		buf = append([]byte{alphabet[n%16]}, buf...)
		n /= 16
	}
	return string(buf)
}

// expireLocked removes every Job whose expiresAt has passed. Caller must
// hold m.mu.
func (m *Manager) expireLocked(now time.Time) {
	kept := m.order[:0]
	for _, id := range m.order {
		j, ok := m.jobs[id]
		if !ok {
			continue
		}
		if now.After(j.ExpiresAt) {
			delete(m.jobs, id)
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}

// GetCurrentJob returns the most recent non-expired Job, cleaning up dead
// entries as a side effect.
func (m *Manager) GetCurrentJob() *Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.expireLocked(now)

	if len(m.order) == 0 {
		return nil
	}
	return m.jobs[m.order[len(m.order)-1]]
}

// GetJob looks up a job by id, returning nil if it is unknown or expired.
func (m *Manager) GetJob(id string) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	if time.Now().After(j.ExpiresAt) {
		return nil
	}
	return j
}

// InvalidateHeight deletes every Job whose underlying template has
// index == h, used after a successful block submission to prevent
// duplicate solutions on the same height.
func (m *Manager) InvalidateHeight(h uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.order[:0]
	for _, id := range m.order {
		j, ok := m.jobs[id]
		if !ok {
			continue
		}
		if j.Template != nil && j.Template.Index == h {
			delete(m.jobs, id)
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}
