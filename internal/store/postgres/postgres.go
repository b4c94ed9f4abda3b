// Package postgres implements store.Store over Postgres: positional query
// parameters, context-bound timeouts, and wrapped errors throughout, built on
// jmoiron/sqlx for struct-scanning ergonomics and golang-migrate/migrate/v4
// for schema migrations.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/velora-pool/coordinator/internal/store"
)

// Config configures the Postgres connection.
type Config struct {
	Host            string
	Port            int
	Database        string
	Username        string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsPath  string
}

// Store is the Postgres-backed store.Store implementation.
type Store struct {
	db *sqlx.DB
}

// Open connects to Postgres, configures the pool, and applies any pending
// migrations from cfg.MigrationsPath.
func Open(cfg Config) (*Store, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database, sslModeOrDefault(cfg.SSLMode),
	)

	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	if cfg.MigrationsPath != "" {
		if err := applyMigrations(db.DB, cfg); err != nil {
			return nil, err
		}
	}

	return &Store{db: db}, nil
}

func sslModeOrDefault(mode string) string {
	if mode == "" {
		return "disable"
	}
	return mode
}

func applyMigrations(db *sql.DB, cfg Config) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+cfg.MigrationsPath, cfg.Database, driver)
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertMiner inserts a (address, worker) pair or returns the existing
// miner id, updating last_seen either way.
func (s *Store) UpsertMiner(ctx context.Context, address, worker string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	id := uuid.New().String()
	const q = `
		INSERT INTO miners (id, address, worker, first_seen, last_seen)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (address, worker) DO UPDATE SET last_seen = NOW()
		RETURNING id
	`
	var minerID string
	if err := s.db.GetContext(ctx, &minerID, q, id, address, worker); err != nil {
		return "", fmt.Errorf("upserting miner: %w", err)
	}
	return minerID, nil
}

// RecordShare inserts a share row.
func (s *Store) RecordShare(ctx context.Context, rec store.ShareRecord) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	const q = `
		INSERT INTO shares (id, miner_id, job_id, nonce, ntime, difficulty, valid, is_block, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.ExecContext(ctx, q, uuid.New(), rec.MinerID, rec.JobID, rec.Nonce, rec.NTime, rec.Difficulty, rec.Valid, rec.IsBlock, rec.At)
	if err != nil {
		return fmt.Errorf("recording share: %w", err)
	}
	return nil
}

// InsertOrReplaceBlock dedupes by height: a better (numerically lower, i.e.
// more-below-target) hash replaces a worse one for the same height.
func (s *Store) InsertOrReplaceBlock(ctx context.Context, b store.BlockRecord) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	const q = `
		INSERT INTO blocks (height, hash, finder_id, reward, difficulty, found_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (height) DO UPDATE SET
			hash = EXCLUDED.hash,
			finder_id = EXCLUDED.finder_id,
			reward = EXCLUDED.reward,
			difficulty = EXCLUDED.difficulty,
			found_at = EXCLUDED.found_at
		WHERE EXCLUDED.hash < blocks.hash
	`
	_, err := s.db.ExecContext(ctx, q, b.Height, b.Hash, b.FinderID, b.Reward, b.Difficulty, b.FoundAt, b.Status)
	if err != nil {
		return fmt.Errorf("inserting block: %w", err)
	}
	return nil
}

// InsertBlockRewards bulk-inserts the PPLNS split output for one block.
func (s *Store) InsertBlockRewards(ctx context.Context, rewards []store.BlockRewardRecord) error {
	if len(rewards) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning reward tx: %w", err)
	}
	defer tx.Rollback()

	const q = `
		INSERT INTO block_rewards (block_height, miner_id, base_reward, pool_fee, miner_reward, miner_percentage, confirmed)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for _, r := range rewards {
		if _, err := tx.ExecContext(ctx, q, r.BlockHeight, r.MinerID, r.BaseReward, r.PoolFee, r.MinerReward, r.MinerPercent, r.Confirmed); err != nil {
			return fmt.Errorf("inserting block reward: %w", err)
		}
	}
	return tx.Commit()
}

// PendingBlocks returns every block not yet confirmed or orphaned.
func (s *Store) PendingBlocks(ctx context.Context) ([]store.BlockRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	const q = `SELECT height, hash, finder_id, reward, difficulty, found_at, status FROM blocks WHERE status = 'pending'`
	var rows []store.BlockRecord
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("listing pending blocks: %w", err)
	}
	return rows, nil
}

// ConfirmBlock marks a block confirmed and its rewards confirmed, in one
// transaction.
func (s *Store) ConfirmBlock(ctx context.Context, height uint64) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning confirm tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE blocks SET status = 'confirmed' WHERE height = $1`, height); err != nil {
		return fmt.Errorf("confirming block: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE block_rewards SET confirmed = true WHERE block_height = $1`, height); err != nil {
		return fmt.Errorf("confirming block rewards: %w", err)
	}
	return tx.Commit()
}

// RecomputeBalances rebuilds every miner's confirmed/unconfirmed balance
// from block_rewards rows from scratch, never incrementally.
func (s *Store) RecomputeBalances(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	const q = `
		INSERT INTO miner_balances (miner_id, confirmed_balance, unconfirmed_balance)
		SELECT
			miner_id,
			COALESCE(SUM(miner_reward) FILTER (WHERE confirmed), 0),
			COALESCE(SUM(miner_reward) FILTER (WHERE NOT confirmed), 0)
		FROM block_rewards
		GROUP BY miner_id
		ON CONFLICT (miner_id) DO UPDATE SET
			confirmed_balance = EXCLUDED.confirmed_balance,
			unconfirmed_balance = EXCLUDED.unconfirmed_balance
	`
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("recomputing balances: %w", err)
	}
	return nil
}

// SharesInWindow returns every valid share recorded at or after `since`, used by
// RewardSplitter to build the PPLNS window.
func (s *Store) SharesInWindow(ctx context.Context, since time.Time) ([]store.ShareRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	const q = `
		SELECT id, miner_id, job_id, nonce, ntime, difficulty, valid, is_block, at
		FROM shares
		WHERE at >= $1 AND valid = true
		ORDER BY at ASC
	`
	var rows []store.ShareRecord
	if err := s.db.SelectContext(ctx, &rows, q, since); err != nil {
		return nil, fmt.Errorf("listing shares in window: %w", err)
	}
	return rows, nil
}

// RecentBlocks returns the most recent blocks in descending height order,
// backing GET /api/blocks on the read-only dashboard API.
func (s *Store) RecentBlocks(ctx context.Context, limit int) ([]store.BlockRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	const q = `
		SELECT height, hash, finder_id, reward, difficulty, found_at, status
		FROM blocks
		ORDER BY height DESC
		LIMIT $1
	`
	var rows []store.BlockRecord
	if err := s.db.SelectContext(ctx, &rows, q, limit); err != nil {
		return nil, fmt.Errorf("listing recent blocks: %w", err)
	}
	return rows, nil
}

// Leaderboard returns the top confirmed-balance miners, backing the
// dashboard's aggregate view.
func (s *Store) Leaderboard(ctx context.Context, limit int) ([]store.LeaderboardRow, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	const q = `
		SELECT m.id AS miner_id, m.address AS address, 0 AS hashrate, b.confirmed_balance AS confirmed_balance
		FROM miner_balances b
		JOIN miners m ON m.id::text = b.miner_id
		ORDER BY b.confirmed_balance DESC
		LIMIT $1
	`
	var rows []store.LeaderboardRow
	if err := s.db.SelectContext(ctx, &rows, q, limit); err != nil {
		return nil, fmt.Errorf("listing leaderboard: %w", err)
	}
	return rows, nil
}

// MinerStats returns one miner's dashboard row by address, or nil if the
// address has never been seen (GET /api/miners/:address).
func (s *Store) MinerStats(ctx context.Context, address string) (*store.LeaderboardRow, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	const q = `
		SELECT m.id AS miner_id, m.address AS address, 0 AS hashrate, COALESCE(b.confirmed_balance, 0) AS confirmed_balance
		FROM miners m
		LEFT JOIN miner_balances b ON b.miner_id = m.id::text
		WHERE m.address = $1
		LIMIT 1
	`
	var row store.LeaderboardRow
	if err := s.db.GetContext(ctx, &row, q, address); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("loading miner stats: %w", err)
	}
	return &row, nil
}

var _ store.Store = (*Store)(nil)
var _ store.DashboardReader = (*Store)(nil)
