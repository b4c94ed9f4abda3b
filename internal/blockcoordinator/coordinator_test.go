package blockcoordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/velora-pool/coordinator/internal/blocktemplate"
	"github.com/velora-pool/coordinator/internal/daemonclient"
	"github.com/velora-pool/coordinator/internal/logging"
	"github.com/velora-pool/coordinator/internal/share"
	"github.com/velora-pool/coordinator/internal/store"
)

type fakeDaemon struct {
	mu       sync.Mutex
	result   *daemonclient.SubmitResult
	err      error
	payloads []daemonclient.BlockPayload
}

func (f *fakeDaemon) SubmitBlock(ctx context.Context, block daemonclient.BlockPayload) (*daemonclient.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, block)
	return f.result, f.err
}

type fakeTemplates struct {
	mu           sync.Mutex
	forceUpdated int
	current      *blocktemplate.Template
}

func (f *fakeTemplates) ForceUpdate(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forceUpdated++
	return nil
}

func (f *fakeTemplates) Current() (*blocktemplate.Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, nil
}

type fakeJobInvalidator struct {
	mu       sync.Mutex
	heights  []uint64
}

func (f *fakeJobInvalidator) InvalidateHeight(h uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heights = append(f.heights, h)
}

type fakeJobTicker struct {
	mu    sync.Mutex
	ticks int
}

func (f *fakeJobTicker) Tick(tmpl *blocktemplate.Template) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks++
}

type fakeHeightReleaser struct {
	mu       sync.Mutex
	released []uint64
}

func (f *fakeHeightReleaser) ReleaseHeight(height uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, height)
}

type fakeRewardTrigger struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeRewardTrigger) SplitBlockReward(ctx context.Context, height uint64, blockHash, finderID string, foundAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

type fakeStore struct {
	store.Store
	mu     sync.Mutex
	blocks []store.BlockRecord
}

func (f *fakeStore) InsertOrReplaceBlock(ctx context.Context, b store.BlockRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks = append(f.blocks, b)
	return nil
}

func testTemplate() *blocktemplate.Template {
	return &blocktemplate.Template{
		Index:        100,
		PreviousHash: "aa",
		MerkleRoot:   "bb",
		Timestamp:    1700000000000,
		Difficulty:   1 << 40,
		Transactions: []blocktemplate.Transaction{{Data: "coinbase", IsCoinbase: true}},
	}
}

func testSolution() share.BlockSolution {
	return share.BlockSolution{
		ClientID:   "m1",
		Submission: share.Submission{ClientID: "m1", JobID: "job1", Nonce: "deadbeef", Hash: "00", NTime: 1700000000, Difficulty: 1000},
		Template:   testTemplate(),
	}
}

func TestHandleBlockSolutionAccepted(t *testing.T) {
	daemon := &fakeDaemon{result: &daemonclient.SubmitResult{Accepted: true, StatusCode: 200}}
	templates := &fakeTemplates{current: testTemplate()}
	jobs := &fakeJobInvalidator{}
	ticker := &fakeJobTicker{}
	heights := &fakeHeightReleaser{}
	rewards := &fakeRewardTrigger{}
	st := &fakeStore{}

	c := New(daemon, templates, jobs, ticker, heights, rewards, st, logging.Noop())
	c.HandleBlockSolution(testSolution())

	require.Len(t, daemon.payloads, 1)
	require.Equal(t, "velora", daemon.payloads[0].Algorithm)
	require.Len(t, st.blocks, 1)
	require.Equal(t, uint64(100), st.blocks[0].Height)
	require.Equal(t, 1, rewards.calls)
	require.Equal(t, []uint64{100}, jobs.heights)
	require.Equal(t, 1, templates.forceUpdated)
	require.Equal(t, 1, ticker.ticks)
	require.Equal(t, []uint64{100}, heights.released)
}

func TestHandleBlockSolutionRejected(t *testing.T) {
	daemon := &fakeDaemon{result: &daemonclient.SubmitResult{Accepted: false, StatusCode: 400, Message: "hash does not meet difficulty"}}
	templates := &fakeTemplates{current: testTemplate()}
	jobs := &fakeJobInvalidator{}
	ticker := &fakeJobTicker{}
	heights := &fakeHeightReleaser{}
	st := &fakeStore{}

	c := New(daemon, templates, jobs, ticker, heights, nil, st, logging.Noop())
	c.HandleBlockSolution(testSolution())

	require.Empty(t, st.blocks)
	require.Empty(t, jobs.heights)
	require.Equal(t, 1, templates.forceUpdated)
	require.Equal(t, 1, ticker.ticks)
	require.Equal(t, []uint64{100}, heights.released)
}

func TestHandleBlockSolutionTransportError(t *testing.T) {
	daemon := &fakeDaemon{err: context.DeadlineExceeded}
	templates := &fakeTemplates{current: testTemplate()}
	jobs := &fakeJobInvalidator{}
	ticker := &fakeJobTicker{}
	heights := &fakeHeightReleaser{}
	st := &fakeStore{}

	c := New(daemon, templates, jobs, ticker, heights, nil, st, logging.Noop())
	c.HandleBlockSolution(testSolution())

	require.Empty(t, st.blocks)
	require.Equal(t, 1, templates.forceUpdated)
	require.Equal(t, 1, ticker.ticks)
	require.Equal(t, []uint64{100}, heights.released)
}

func TestHandleBlockSolutionReleasesHeightEvenWithoutCurrentTemplate(t *testing.T) {
	daemon := &fakeDaemon{result: &daemonclient.SubmitResult{Accepted: true}}
	templates := &fakeTemplates{current: nil}
	jobs := &fakeJobInvalidator{}
	heights := &fakeHeightReleaser{}
	st := &fakeStore{}

	c := New(daemon, templates, jobs, nil, heights, nil, st, logging.Noop())
	c.HandleBlockSolution(testSolution())

	require.Equal(t, []uint64{100}, heights.released)
}
