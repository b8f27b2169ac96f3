package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey serialises concurrent appends across every instance that
// shares the database.
const advisoryLockKey = int64(2_031_887_415)

const decisionColumns = `idx, id, ts, model_source, model_version, probability,
	risk_label, threshold, features_hash, prev_hash, hash`

// PostgresLog persists the decision chain to the decision_log table created
// by migrations/001_decision_log.up.sql.
type PostgresLog struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresLog creates a PostgresLog backed by pool.
func NewPostgresLog(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLog {
	return &PostgresLog{pool: pool, logger: logger}
}

// Append implements Log. The tail read, hash and insert happen inside one
// transaction holding a transaction-scoped advisory lock.
func (l *PostgresLog) Append(ctx context.Context, d Decision) (*Decision, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var prevIdx int
	var prevHash string
	if err := tx.QueryRow(ctx,
		"SELECT idx, hash FROM decision_log ORDER BY idx DESC LIMIT 1",
	).Scan(&prevIdx, &prevHash); err != nil {
		return nil, fmt.Errorf("read decision log tail: %w", err)
	}

	d.Index = prevIdx + 1
	d.Timestamp = stamp(time.Now())
	d.PrevHash = prevHash
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.Hash = hashDecision(&d)

	if _, err := tx.Exec(ctx,
		`INSERT INTO decision_log (`+decisionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.Index, d.ID.String(), d.Timestamp, d.ModelSource, d.ModelVersion,
		d.Probability, d.RiskLabel, d.Threshold, d.FeaturesHash,
		d.PrevHash, d.Hash,
	); err != nil {
		return nil, fmt.Errorf("insert decision: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit decision tx: %w", err)
	}

	l.logger.Debug("decision appended",
		zap.Int("idx", d.Index),
		zap.String("risk_label", d.RiskLabel),
		zap.String("model_source", d.ModelSource),
	)
	return &d, nil
}

// scanDecision reads one row selected with decisionColumns.
func scanDecision(row pgx.Row) (*Decision, error) {
	d := &Decision{}
	var id string
	if err := row.Scan(
		&d.Index, &id, &d.Timestamp, &d.ModelSource, &d.ModelVersion,
		&d.Probability, &d.RiskLabel, &d.Threshold, &d.FeaturesHash,
		&d.PrevHash, &d.Hash,
	); err != nil {
		return nil, err
	}
	d.Timestamp = d.Timestamp.UTC()
	if id != "" {
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("decision %d: bad id %q: %w", d.Index, id, err)
		}
		d.ID = parsed
	}
	return d, nil
}

// Get implements Log.
func (l *PostgresLog) Get(ctx context.Context, index int) (*Decision, error) {
	d, err := scanDecision(l.pool.QueryRow(ctx,
		`SELECT `+decisionColumns+` FROM decision_log WHERE idx = $1`, index,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	if err != nil {
		return nil, fmt.Errorf("get decision %d: %w", index, err)
	}
	return d, nil
}

// Recent implements Log.
func (l *PostgresLog) Recent(ctx context.Context, limit int) ([]*Decision, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT `+decisionColumns+` FROM decision_log WHERE idx > 0 ORDER BY idx DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []*Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Len implements Log.
func (l *PostgresLog) Len(ctx context.Context) (int, error) {
	var n int
	if err := l.pool.QueryRow(ctx, "SELECT COUNT(*) FROM decision_log").Scan(&n); err != nil {
		return 0, fmt.Errorf("count decisions: %w", err)
	}
	return n, nil
}

// Verify implements Log. It streams every row in index order, so it is
// O(n) in chain length.
func (l *PostgresLog) Verify(ctx context.Context) error {
	rows, err := l.pool.Query(ctx,
		`SELECT `+decisionColumns+` FROM decision_log ORDER BY idx ASC`,
	)
	if err != nil {
		return fmt.Errorf("query decision log: %w", err)
	}
	defer rows.Close()

	var prev *Decision
	for rows.Next() {
		curr, err := scanDecision(rows)
		if err != nil {
			return fmt.Errorf("scan decision: %w", err)
		}
		if prev == nil {
			if curr.Hash != GenesisHash {
				return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
			}
			prev = curr
			continue
		}
		if err := verifyLink(prev, curr); err != nil {
			return err
		}
		prev = curr
	}
	return rows.Err()
}

// Root implements Log.
func (l *PostgresLog) Root(ctx context.Context) (string, error) {
	var hash string
	if err := l.pool.QueryRow(ctx,
		"SELECT hash FROM decision_log ORDER BY idx DESC LIMIT 1",
	).Scan(&hash); err != nil {
		return "", fmt.Errorf("get decision log root: %w", err)
	}
	return hash, nil
}
