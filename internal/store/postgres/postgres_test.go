package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/velora-pool/coordinator/internal/store"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Store{db: sqlx.NewDb(db, "postgres")}, mock
}

func TestUpsertMiner(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO miners").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("miner-1"))

	id, err := s.UpsertMiner(context.Background(), "1addr", "worker1")
	require.NoError(t, err)
	require.Equal(t, "miner-1", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordShare(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO shares").WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.RecordShare(context.Background(), store.ShareRecord{
		MinerID: "m1", JobID: "j1", Nonce: "deadbeef", NTime: 1700000000, Difficulty: 1000, Valid: true, At: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertOrReplaceBlock(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO blocks").WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.InsertOrReplaceBlock(context.Background(), store.BlockRecord{
		Height: 100, Hash: "aa", FinderID: "m1", Reward: 5000000000, Difficulty: 1 << 40, FoundAt: time.Now(), Status: store.BlockStatusPending,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBlockRewards(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO block_rewards").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO block_rewards").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.InsertBlockRewards(context.Background(), []store.BlockRewardRecord{
		{BlockHeight: 100, MinerID: "a", BaseReward: 5000000000, PoolFee: 50000000, MinerReward: 1485000000, MinerPercent: 0.3},
		{BlockHeight: 100, MinerID: "b", BaseReward: 5000000000, PoolFee: 50000000, MinerReward: 3465000000, MinerPercent: 0.7},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBlockRewardsEmptyIsNoOp(t *testing.T) {
	s, mock := newMockStore(t)
	err := s.InsertBlockRewards(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingBlocks(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"height", "hash", "finder_id", "reward", "difficulty", "found_at", "status"}).
		AddRow(100, "aa", "m1", 5000000000, 1<<40, time.Now(), "pending")
	mock.ExpectQuery("SELECT height, hash, finder_id, reward, difficulty, found_at, status FROM blocks").
		WillReturnRows(rows)

	blocks, err := s.PendingBlocks(context.Background())
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	require.Equal(t, uint64(100), blocks[0].Height)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmBlock(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE blocks SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE block_rewards SET confirmed").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := s.ConfirmBlock(context.Background(), 100)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecomputeBalances(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO miner_balances").WillReturnResult(sqlmock.NewResult(0, 2))

	err := s.RecomputeBalances(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSharesInWindow(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "miner_id", "job_id", "nonce", "ntime", "difficulty", "valid", "is_block", "at"}).
		AddRow("00000000-0000-0000-0000-000000000001", "m1", "j1", "deadbeef", 1700000000, 1000, true, false, time.Now())
	mock.ExpectQuery("SELECT id, miner_id, job_id, nonce, ntime, difficulty, valid, is_block, at FROM shares").
		WillReturnRows(rows)

	shares, err := s.SharesInWindow(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, shares, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}
