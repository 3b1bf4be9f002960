package snapshotstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/gtixt/provenance/internal/snapshot"
)

// advisoryLockKey serialises snapshot writers across service instances.
const advisoryLockKey = int64(2_026_031_002)

// Pool is the subset of *pgxpool.Pool used by PostgresStore.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore archives bundles in the snapshots table.
type PostgresStore struct {
	pool   Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by pool.
func NewPostgresStore(pool Pool, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

func decodeBundle(raw []byte) (*snapshot.Bundle, error) {
	var b snapshot.Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return &b, nil
}

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, b *snapshot.Bundle) error {
	if b == nil || b.Commitment == nil {
		return checkLink(b, nil)
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	var latest *snapshot.DatasetCommitment
	var prevRaw []byte
	err = tx.QueryRow(ctx, "SELECT bundle FROM snapshots ORDER BY seq DESC LIMIT 1").Scan(&prevRaw)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read latest snapshot: %w", err)
	default:
		prev, err := decodeBundle(prevRaw)
		if err != nil {
			return err
		}
		latest = prev.Commitment
	}
	if err := checkLink(b, latest); err != nil {
		return err
	}

	var dup bool
	if err := tx.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM snapshots WHERE snapshot_id = $1)", b.Commitment.SnapshotID,
	).Scan(&dup); err != nil {
		return fmt.Errorf("check snapshot %s: %w", b.Commitment.SnapshotID, err)
	}
	if dup {
		return fmt.Errorf("save %s: %w", b.Commitment.SnapshotID, ErrDuplicate)
	}

	c := b.Commitment
	if _, err := tx.Exec(ctx,
		`INSERT INTO snapshots (snapshot_id, generated_at, firm_count, merkle_root,
		   dataset_hash, previous_commitment_hash, commitment_hash, bundle)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.SnapshotID, c.GeneratedAt, c.FirmCount, c.MerkleRoot,
		c.DatasetHash, c.PreviousCommitmentHash, c.CommitmentHash, raw,
	); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	s.logger.Debug("snapshot archived",
		zap.String("snapshot_id", c.SnapshotID),
		zap.String("commitment_hash", c.CommitmentHash),
	)
	return nil
}

func (s *PostgresStore) one(ctx context.Context, sql string, args ...any) (*snapshot.Bundle, error) {
	var raw []byte
	if err := s.pool.QueryRow(ctx, sql, args...).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	return decodeBundle(raw)
}

// Latest implements Store.
func (s *PostgresStore) Latest(ctx context.Context) (*snapshot.Bundle, error) {
	return s.one(ctx, "SELECT bundle FROM snapshots ORDER BY seq DESC LIMIT 1")
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, snapshotID string) (*snapshot.Bundle, error) {
	b, err := s.one(ctx, "SELECT bundle FROM snapshots WHERE snapshot_id = $1", snapshotID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("snapshot %s: %w", snapshotID, ErrNotFound)
	}
	return b, err
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context) ([]*snapshot.DatasetCommitment, error) {
	rows, err := s.pool.Query(ctx, "SELECT bundle->'commitment' FROM snapshots ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*snapshot.DatasetCommitment
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		var c snapshot.DatasetCommitment
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode commitment: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
