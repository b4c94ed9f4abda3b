package share

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/velora-pool/coordinator/internal/blocktemplate"
	"github.com/velora-pool/coordinator/internal/job"
)

type fakeJobLookup struct {
	jobs map[string]*job.Job
}

func (f *fakeJobLookup) GetJob(id string) *job.Job { return f.jobs[id] }

type fakeDifficultyFeed struct {
	mu    sync.Mutex
	calls []bool
}

func (f *fakeDifficultyFeed) RecordShare(clientID string, valid bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, valid)
}

type fakeHashrateFeed struct{}

func (f *fakeHashrateFeed) RecordShare(clientID string, difficulty float64, at time.Time) float64 {
	return difficulty
}

type fakeStore struct {
	mu   sync.Mutex
	recs []ShareRecord
}

func (f *fakeStore) RecordShare(ctx context.Context, rec ShareRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
	return nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recs)
}

type fakeBlockSink struct {
	mu   sync.Mutex
	sols []BlockSolution
}

func (f *fakeBlockSink) HandleBlockSolution(sol BlockSolution) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sols = append(f.sols, sol)
}

func (f *fakeBlockSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sols)
}

// hashBelowTarget returns a 64-hex-char hash guaranteed to be <= 2^256/difficulty.
func hashBelowTarget(difficulty uint64) string {
	target := targetFor(difficulty)
	half := new(big.Int).Rsh(target, 1)
	return fmt.Sprintf("%064x", half)
}

func hashAboveTarget(difficulty uint64) string {
	target := targetFor(difficulty)
	above := new(big.Int).Add(maxTarget, big.NewInt(-1))
	_ = target
	return fmt.Sprintf("%064x", above)
}

func newTestValidator(tmpl *blocktemplate.Template) (*Validator, *fakeDifficultyFeed, *fakeStore, *fakeBlockSink) {
	jobs := &fakeJobLookup{jobs: map[string]*job.Job{
		"job1": {ID: "job1", Template: tmpl},
	}}
	diff := &fakeDifficultyFeed{}
	hr := &fakeHashrateFeed{}
	store := &fakeStore{}
	sink := &fakeBlockSink{}
	v := NewValidator(jobs, diff, hr, store, sink, nil)
	return v, diff, store, sink
}

func TestValidateAcceptsGoodShare(t *testing.T) {
	tmpl := &blocktemplate.Template{Index: 100, Difficulty: 1 << 40}
	v, diff, store, sink := newTestValidator(tmpl)

	now := time.Now()
	sub := Submission{
		ClientID:   "m1",
		JobID:      "job1",
		Nonce:      "deadbeef",
		Hash:       hashBelowTarget(1000),
		NTime:      uint32(now.Unix()),
		Difficulty: 1000,
	}

	outcome := v.Validate(context.Background(), sub, now)
	require.True(t, outcome.Valid)
	require.False(t, outcome.IsBlock)
	require.Len(t, diff.calls, 1)
	require.True(t, diff.calls[0])
	require.Eventually(t, func() bool { return store.count() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 0, sink.count())
}

func TestValidateRejectsMalformedNonce(t *testing.T) {
	tmpl := &blocktemplate.Template{Index: 100, Difficulty: 1 << 40}
	v, _, _, _ := newTestValidator(tmpl)

	now := time.Now()
	sub := Submission{ClientID: "m1", JobID: "job1", Nonce: "xyz", Hash: hashBelowTarget(1000), NTime: uint32(now.Unix()), Difficulty: 1000}

	outcome := v.Validate(context.Background(), sub, now)
	require.False(t, outcome.Valid)
	require.Equal(t, RejectMalformed, outcome.Reason)
}

func TestValidateRejectsUnknownJob(t *testing.T) {
	tmpl := &blocktemplate.Template{Index: 100, Difficulty: 1 << 40}
	v, _, _, _ := newTestValidator(tmpl)

	now := time.Now()
	sub := Submission{ClientID: "m1", JobID: "nope", Nonce: "deadbeef", Hash: hashBelowTarget(1000), NTime: uint32(now.Unix()), Difficulty: 1000}

	outcome := v.Validate(context.Background(), sub, now)
	require.False(t, outcome.Valid)
	require.Equal(t, RejectUnknownJob, outcome.Reason)
}

func TestValidateRejectsStaleShare(t *testing.T) {
	tmpl := &blocktemplate.Template{Index: 100, Difficulty: 1 << 40}
	v, _, _, _ := newTestValidator(tmpl)

	now := time.Now()
	old := now.Add(-10 * time.Minute)
	sub := Submission{ClientID: "m1", JobID: "job1", Nonce: "deadbeef", Hash: hashBelowTarget(1000), NTime: uint32(old.Unix()), Difficulty: 1000}

	outcome := v.Validate(context.Background(), sub, now)
	require.False(t, outcome.Valid)
	require.Equal(t, RejectStale, outcome.Reason)
}

func TestValidateRejectsHashAboveTarget(t *testing.T) {
	tmpl := &blocktemplate.Template{Index: 100, Difficulty: 1 << 40}
	v, _, _, _ := newTestValidator(tmpl)

	now := time.Now()
	sub := Submission{ClientID: "m1", JobID: "job1", Nonce: "deadbeef", Hash: hashAboveTarget(1000), NTime: uint32(now.Unix()), Difficulty: 1000}

	outcome := v.Validate(context.Background(), sub, now)
	require.False(t, outcome.Valid)
	require.Equal(t, RejectBelowTarget, outcome.Reason)
}

func TestValidateDetectsBlockSolution(t *testing.T) {
	// Difficulty equal to pool difficulty means any share meeting the pool
	// target also meets the block target.
	tmpl := &blocktemplate.Template{Index: 100, Difficulty: 1000}
	v, _, _, sink := newTestValidator(tmpl)

	now := time.Now()
	sub := Submission{ClientID: "m1", JobID: "job1", Nonce: "deadbeef", Hash: hashBelowTarget(1000), NTime: uint32(now.Unix()), Difficulty: 1000}

	outcome := v.Validate(context.Background(), sub, now)
	require.True(t, outcome.Valid)
	require.True(t, outcome.IsBlock)
	require.Equal(t, 1, sink.count())
}

func TestValidateDuplicateBlockHeightDoesNotResubmit(t *testing.T) {
	tmpl := &blocktemplate.Template{Index: 100, Difficulty: 1000}
	v, _, _, sink := newTestValidator(tmpl)

	now := time.Now()
	sub := Submission{ClientID: "m1", JobID: "job1", Nonce: "deadbeef", Hash: hashBelowTarget(1000), NTime: uint32(now.Unix()), Difficulty: 1000}

	v.Validate(context.Background(), sub, now)
	sub2 := sub
	sub2.ClientID = "m2"
	sub2.Nonce = "cafebabe"
	outcome := v.Validate(context.Background(), sub2, now)

	require.True(t, outcome.Valid)
	require.True(t, outcome.IsBlock)
	require.Equal(t, 1, sink.count()) // second solution did not re-enter the block path
	require.Equal(t, 1, v.foundCounts[100])
}

func TestReleaseHeightAllowsReclaim(t *testing.T) {
	tmpl := &blocktemplate.Template{Index: 100, Difficulty: 1000}
	v, _, _, sink := newTestValidator(tmpl)

	now := time.Now()
	sub := Submission{ClientID: "m1", JobID: "job1", Nonce: "deadbeef", Hash: hashBelowTarget(1000), NTime: uint32(now.Unix()), Difficulty: 1000}
	v.Validate(context.Background(), sub, now)
	v.ReleaseHeight(100)

	sub2 := sub
	sub2.Nonce = "cafebabe"
	v.Validate(context.Background(), sub2, now)

	require.Equal(t, 2, sink.count())
}

// TestValidateTrustsSubmittedHashWithoutRecomputing asserts the pool
// accepts the wire-supplied hash at face value and never re-derives it
// from the template, per the documented trust model: a supplied hash that
// fails to meet the share target is rejected on that hash alone, and the
// share never reaches the block path.
func TestValidateTrustsSubmittedHashWithoutRecomputing(t *testing.T) {
	tmpl := &blocktemplate.Template{Index: 100, PreviousHash: "aa", MerkleRoot: "bb", Difficulty: 1 << 40}
	v, _, _, sink := newTestValidator(tmpl)

	now := time.Now()
	sub := Submission{
		ClientID:   "m1",
		JobID:      "job1",
		Nonce:      "deadbeef",
		Hash:       hashAboveTarget(1000),
		NTime:      uint32(now.Unix()),
		Difficulty: 1000,
	}

	outcome := v.Validate(context.Background(), sub, now)
	require.False(t, outcome.Valid)
	require.Equal(t, RejectBelowTarget, outcome.Reason)
	require.Equal(t, 0, sink.count())
}
