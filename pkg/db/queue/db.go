package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-dex/liquidityd/pkg/db/clickhouse"
	"github.com/meridian-dex/liquidityd/pkg/models"
	"github.com/meridian-dex/liquidityd/pkg/utils"
)

const (
	RequestsTableName      = "withdrawal_requests"
	PoolSnapshotsTableName = "pool_snapshots"
)

// DB is the ClickHouse-backed queue store. Requests are versioned rows in a
// ReplacingMergeTree keyed by request_id: a status update inserts a fresh row
// with a newer updated_at, and reads collapse versions with FINAL. Rows are
// never deleted; the full version history is the audit trail.
type DB struct {
	clickhouse.Client
	Name string
}

// New connects to ClickHouse and returns the queue store. The database name
// comes from SETTLE_DB_NAME.
func New(ctx context.Context, logger *zap.Logger) (*DB, error) {
	client, err := clickhouse.New(ctx, logger)
	if err != nil {
		return nil, err
	}
	return &DB{
		Client: client,
		Name:   utils.Env("SETTLE_DB_NAME", "settlement"),
	}, nil
}

// InitializeDB creates the database and tables if they don't exist.
func (db *DB) InitializeDB(ctx context.Context) error {
	if err := db.CreateDbIfNotExists(ctx, db.Name); err != nil {
		return fmt.Errorf("create database %s: %w", db.Name, err)
	}
	if err := db.initRequests(ctx); err != nil {
		return err
	}
	return db.initPoolSnapshots(ctx)
}

// initRequests creates the withdrawal_requests table.
// ORDER BY request_id keeps eligibility scans in settlement order for free.
func (db *DB) initRequests(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."%s" (
			request_id UInt64,
			provider String,
			lp_amount UInt64,
			status LowCardinality(String),
			requested_at DateTime,
			provider_account_ref String,
			attempts UInt32,
			next_attempt_at DateTime,
			updated_at DateTime64(3)
		) ENGINE = %s
		ORDER BY request_id
	`, db.Name, RequestsTableName, clickhouse.Engine(clickhouse.ReplacingMergeTree, "updated_at"))
	if err := db.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", RequestsTableName, err)
	}
	return nil
}

// initPoolSnapshots creates the pool_snapshots table written by the
// resynchronizer and read by dashboards.
func (db *DB) initPoolSnapshots(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."%s" (
			total_liquidity UInt64,
			total_shares UInt64,
			fee_bps UInt32,
			apr Float64,
			fetched_at DateTime64(3)
		) ENGINE = %s
		ORDER BY fetched_at
	`, db.Name, PoolSnapshotsTableName, clickhouse.Engine(clickhouse.MergeTree, ""))
	if err := db.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", PoolSnapshotsTableName, err)
	}
	return nil
}

const requestColumns = `request_id, provider, lp_amount, status, requested_at, provider_account_ref, attempts, next_attempt_at, updated_at`

// requestRow mirrors the table with driver-native column types; the scanner
// wants plain strings, not the model's Status type.
type requestRow struct {
	RequestID          uint64    `ch:"request_id"`
	Provider           string    `ch:"provider"`
	LPAmount           uint64    `ch:"lp_amount"`
	Status             string    `ch:"status"`
	RequestedAt        time.Time `ch:"requested_at"`
	ProviderAccountRef string    `ch:"provider_account_ref"`
	Attempts           uint32    `ch:"attempts"`
	NextAttemptAt      time.Time `ch:"next_attempt_at"`
	UpdatedAt          time.Time `ch:"updated_at"`
}

func (r *requestRow) toModel() *models.WithdrawalRequest {
	return &models.WithdrawalRequest{
		RequestID:          r.RequestID,
		Provider:           r.Provider,
		LPAmount:           r.LPAmount,
		Status:             models.Status(r.Status),
		RequestedAt:        r.RequestedAt,
		ProviderAccountRef: r.ProviderAccountRef,
		Attempts:           r.Attempts,
		NextAttemptAt:      r.NextAttemptAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

// Enqueue appends a new request row.
func (db *DB) Enqueue(ctx context.Context, req *models.WithdrawalRequest) error {
	if req.UpdatedAt.IsZero() {
		req.UpdatedAt = time.Now().UTC()
	}
	return db.insertVersion(ctx, req)
}

// insertVersion writes one row version. Every mutation funnels through here
// so the audit trail always carries complete rows.
func (db *DB) insertVersion(ctx context.Context, req *models.WithdrawalRequest) error {
	query := fmt.Sprintf(`INSERT INTO "%s"."%s" (%s) VALUES`, db.Name, RequestsTableName, requestColumns)

	batch, err := db.PrepareBatch(ctx, query)
	if err != nil {
		return err
	}
	if err := batch.Append(
		req.RequestID,
		req.Provider,
		req.LPAmount,
		string(req.Status),
		req.RequestedAt,
		req.ProviderAccountRef,
		req.Attempts,
		req.NextAttemptAt,
		req.UpdatedAt,
	); err != nil {
		_ = batch.Abort()
		return err
	}
	return batch.Send()
}

// FindEligible returns the ordered settlement batch for this tick.
func (db *DB) FindEligible(ctx context.Context, now time.Time, delay time.Duration, maxAttempts uint32) ([]*models.WithdrawalRequest, error) {
	cutoff := now.Add(-delay)
	query := fmt.Sprintf(`
		SELECT %s
		FROM "%s"."%s" FINAL
		WHERE status = ?
		  AND requested_at <= ?
		  AND next_attempt_at <= ?
		  AND attempts < ?
		ORDER BY request_id ASC
	`, requestColumns, db.Name, RequestsTableName)

	var rows []*requestRow
	if err := db.Select(ctx, &rows, query, string(models.StatusQueued), cutoff, now, maxAttempts); err != nil {
		return nil, fmt.Errorf("find eligible withdrawals: %w", err)
	}
	out := make([]*models.WithdrawalRequest, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// GetRequest returns the latest version of a request.
func (db *DB) GetRequest(ctx context.Context, requestID uint64) (*models.WithdrawalRequest, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM "%s"."%s" FINAL
		WHERE request_id = ?
		LIMIT 1
	`, requestColumns, db.Name, RequestsTableName)

	var rows []*requestRow
	if err := db.Select(ctx, &rows, query, requestID); err != nil {
		return nil, fmt.Errorf("get withdrawal %d: %w", requestID, err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0].toModel(), nil
}

// UpdateStatus advances the request to the given status by inserting a new
// row version. The read-validate-insert is safe without locking: each status
// transition is a single-row update keyed by request_id, and the state
// machine only moves forward.
func (db *DB) UpdateStatus(ctx context.Context, requestID uint64, status models.Status) error {
	req, err := db.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if !req.Status.CanTransition(status) {
		return fmt.Errorf("%w: %d %s -> %s", ErrInvalidTransition, requestID, req.Status, status)
	}

	req.Status = status
	req.UpdatedAt = time.Now().UTC()
	return db.insertVersion(ctx, req)
}

// RecordAttempt persists the transient-failure counters for a request.
func (db *DB) RecordAttempt(ctx context.Context, requestID uint64, attempts uint32, nextAttemptAt time.Time) error {
	req, err := db.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}

	req.Attempts = attempts
	req.NextAttemptAt = nextAttemptAt
	req.UpdatedAt = time.Now().UTC()
	return db.insertVersion(ctx, req)
}

// InsertPoolSnapshot stores the aggregate pool state fetched by the
// resynchronizer.
func (db *DB) InsertPoolSnapshot(ctx context.Context, snapshot *models.PoolSnapshot) error {
	query := fmt.Sprintf(`INSERT INTO "%s"."%s" (total_liquidity, total_shares, fee_bps, apr, fetched_at) VALUES`,
		db.Name, PoolSnapshotsTableName)

	batch, err := db.PrepareBatch(ctx, query)
	if err != nil {
		return err
	}
	if err := batch.Append(
		snapshot.TotalLiquidity,
		snapshot.TotalShares,
		snapshot.FeeBps,
		snapshot.APR,
		snapshot.FetchedAt,
	); err != nil {
		_ = batch.Abort()
		return err
	}
	return batch.Send()
}

// LatestPoolSnapshot returns the most recent pool snapshot, or ErrNotFound.
func (db *DB) LatestPoolSnapshot(ctx context.Context) (*models.PoolSnapshot, error) {
	query := fmt.Sprintf(`
		SELECT total_liquidity, total_shares, fee_bps, apr, fetched_at
		FROM "%s"."%s"
		ORDER BY fetched_at DESC
		LIMIT 1
	`, db.Name, PoolSnapshotsTableName)

	var rows []*models.PoolSnapshot
	if err := db.Select(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("latest pool snapshot: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}
