package evidencestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/gtixt/provenance/internal/evidence"
)

// advisoryLockKey serialises concurrent writers across all service instances.
const advisoryLockKey = int64(2_026_031_001)

const recordColumns = "idx, recorded_at, action, evidence_id, firm_id, evidence_hash, document, data_hash, prev_hash, hash"

// Pool is the subset of *pgxpool.Pool used by PostgresStore.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists the evidence ledger to the evidence_ledger table.
// The genesis row is created by the schema migration.
type PostgresStore struct {
	pool   Pool
	logger *zap.Logger
	now    func() time.Time
}

// NewPostgresStore creates a PostgresStore backed by pool.
func NewPostgresStore(pool Pool, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{pool: pool, logger: logger, now: time.Now}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	r := &Record{}
	var action, doc string
	if err := row.Scan(
		&r.Index, &r.Timestamp, &action, &r.EvidenceID, &r.FirmID,
		&r.EvidenceHash, &doc, &r.DataHash, &r.PrevHash, &r.Hash,
	); err != nil {
		return nil, err
	}
	r.Action = Action(action)
	r.Timestamp = r.Timestamp.UTC()
	if doc != "" {
		r.Document = []byte(doc)
	}
	return r, nil
}

// dbTime truncates t to the precision of a timestamptz column so that the
// record hash survives the round trip.
func dbTime(t time.Time) time.Time { return t.UTC().Truncate(time.Microsecond) }

func insertRecord(ctx context.Context, tx pgx.Tx, r *Record) error {
	if _, err := tx.Exec(ctx,
		`INSERT INTO evidence_ledger (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.Index, r.Timestamp, string(r.Action), r.EvidenceID, r.FirmID,
		r.EvidenceHash, string(r.Document), r.DataHash, r.PrevHash, r.Hash,
	); err != nil {
		return fmt.Errorf("insert ledger record: %w", err)
	}
	return nil
}

// begin opens a transaction holding the ledger advisory lock and returns the
// current chain tail.
func (s *PostgresStore) begin(ctx context.Context) (pgx.Tx, *Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		tx.Rollback(ctx) //nolint:errcheck
		return nil, nil, fmt.Errorf("acquire advisory lock: %w", err)
	}
	tail := &Record{}
	if err := tx.QueryRow(ctx,
		"SELECT idx, hash FROM evidence_ledger ORDER BY idx DESC LIMIT 1",
	).Scan(&tail.Index, &tail.Hash); err != nil {
		tx.Rollback(ctx) //nolint:errcheck
		return nil, nil, fmt.Errorf("read ledger tail: %w", err)
	}
	return tx, tail, nil
}

func (s *PostgresStore) exists(ctx context.Context, tx pgx.Tx, id string) (bool, error) {
	var ok bool
	if err := tx.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM evidence_ledger WHERE evidence_id = $1)", id,
	).Scan(&ok); err != nil {
		return false, fmt.Errorf("check evidence %s: %w", id, err)
	}
	return ok, nil
}

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, it *evidence.Item) (*Record, error) {
	if err := checkCommit(it); err != nil {
		return nil, err
	}
	if it.Immutable.Supersedes != "" {
		return nil, fmt.Errorf("append %s: corrections are stored through Retract: %w", it.ID, ErrBrokenLink)
	}

	tx, tail, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	dup, err := s.exists(ctx, tx, it.ID)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, fmt.Errorf("append %s: %w", it.ID, ErrDuplicate)
	}

	r := newRecord(tail, ActionCommit, it, dbTime(s.now()))
	if err := insertRecord(ctx, tx, r); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}

	s.logger.Debug("evidence committed",
		zap.Int("idx", r.Index),
		zap.String("evidence_id", r.EvidenceID),
		zap.String("evidence_hash", r.EvidenceHash),
	)
	return r, nil
}

// Retract implements Store.
func (s *PostgresStore) Retract(ctx context.Context, id string, correction *evidence.Item, at time.Time) (*Record, error) {
	tx, tail, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	last, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM evidence_ledger
		 WHERE evidence_id = $1 ORDER BY idx DESC LIMIT 1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("evidence %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read evidence %s: %w", id, err)
	}
	cur, err := last.Item()
	if err != nil {
		return nil, err
	}

	if correction != nil {
		dup, err := s.exists(ctx, tx, correction.ID)
		if err != nil {
			return nil, err
		}
		if dup {
			return nil, fmt.Errorf("retract %s: correction %s: %w", id, correction.ID, ErrDuplicate)
		}
	}
	retracted, err := prepareRetract(cur, correction, at)
	if err != nil {
		return nil, err
	}

	ts := dbTime(at)
	r := newRecord(tail, ActionRetract, retracted, ts)
	if err := insertRecord(ctx, tx, r); err != nil {
		return nil, err
	}
	if correction != nil {
		if err := insertRecord(ctx, tx, newRecord(r, ActionCommit, correction, ts)); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}

	s.logger.Debug("evidence retracted",
		zap.Int("idx", r.Index),
		zap.String("evidence_id", id),
		zap.String("superseded_by", retracted.Immutable.SupersededBy),
	)
	return r, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, index int) (*Record, error) {
	r, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM evidence_ledger WHERE idx = $1`, index,
	))
	if err != nil {
		return nil, fmt.Errorf("get ledger record %d: %w", index, err)
	}
	return r, nil
}

// Current implements Store.
func (s *PostgresStore) Current(ctx context.Context, id string) (*evidence.Item, error) {
	r, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM evidence_ledger
		 WHERE evidence_id = $1 ORDER BY idx DESC LIMIT 1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("evidence %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get evidence %s: %w", id, err)
	}
	return r.Item()
}

func (s *PostgresStore) collect(ctx context.Context, sql string, args ...any) ([]*Record, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// History implements Store.
func (s *PostgresStore) History(ctx context.Context, id string) ([]*Record, error) {
	out, err := s.collect(ctx,
		`SELECT `+recordColumns+` FROM evidence_ledger WHERE evidence_id = $1 ORDER BY idx ASC`, id)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("evidence %s: %w", id, ErrNotFound)
	}
	return out, nil
}

// ListByFirm implements Store.
func (s *PostgresStore) ListByFirm(ctx context.Context, firmID string) ([]*evidence.Item, error) {
	latest, err := s.collect(ctx,
		`SELECT DISTINCT ON (evidence_id) `+recordColumns+` FROM evidence_ledger
		 WHERE firm_id = $1 ORDER BY evidence_id, idx DESC`, firmID)
	if err != nil {
		return nil, err
	}
	var out []*evidence.Item
	for _, r := range latest {
		if r.Action == ActionRetract {
			continue
		}
		it, err := r.Item()
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

// Len implements Store.
func (s *PostgresStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM evidence_ledger").Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger records: %w", err)
	}
	return n, nil
}

// Root implements Store.
func (s *PostgresStore) Root(ctx context.Context) (string, error) {
	var hash string
	if err := s.pool.QueryRow(ctx,
		"SELECT hash FROM evidence_ledger ORDER BY idx DESC LIMIT 1",
	).Scan(&hash); err != nil {
		return "", fmt.Errorf("get ledger root: %w", err)
	}
	return hash, nil
}

// Verify implements Store. It streams every row in index order.
func (s *PostgresStore) Verify(ctx context.Context) error {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM evidence_ledger ORDER BY idx ASC`)
	if err != nil {
		return fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var prev *Record
	for rows.Next() {
		curr, err := scanRecord(rows)
		if err != nil {
			return fmt.Errorf("scan ledger row: %w", err)
		}
		if err := verifyRecord(prev, curr); err != nil {
			return err
		}
		prev = curr
	}
	return rows.Err()
}
