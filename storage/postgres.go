package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"mls_sync/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Migrate creates the sync tables when they do not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS properties (
		id BIGSERIAL PRIMARY KEY,
		mls_id TEXT NOT NULL UNIQUE,
		street_number TEXT NOT NULL DEFAULT '',
		street_name TEXT NOT NULL DEFAULT '',
		street_suffix TEXT NOT NULL DEFAULT '',
		unit_number TEXT NOT NULL DEFAULT '',
		city TEXT NOT NULL DEFAULT '',
		province TEXT NOT NULL DEFAULT '',
		postal_code TEXT NOT NULL DEFAULT '',
		latitude DOUBLE PRECISION,
		longitude DOUBLE PRECISION,
		status TEXT NOT NULL DEFAULT 'unknown',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		transaction_type TEXT NOT NULL DEFAULT '',
		price NUMERIC(14, 2) NOT NULL DEFAULT 0,
		bedrooms INTEGER,
		bathrooms INTEGER,
		property_type TEXT NOT NULL DEFAULT '',
		remarks TEXT NOT NULL DEFAULT '',
		raw_data JSONB,
		image_urls TEXT[],
		source_modified_at TIMESTAMPTZ,
		content_hash TEXT NOT NULL DEFAULT '',
		last_synced_at TIMESTAMPTZ NOT NULL,
		geocode_attempted_at TIMESTAMPTZ,
		geocode_source TEXT NOT NULL DEFAULT '',
		sync_failed BOOLEAN NOT NULL DEFAULT FALSE,
		sync_error TEXT NOT NULL DEFAULT '',
		deactivated_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS sync_checkpoints (
		feed TEXT PRIMARY KEY,
		last_synced_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS sync_locks (
		name TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		acquired_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_runs (
		id TEXT PRIMARY KEY,
		feed TEXT NOT NULL,
		mode TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		status TEXT NOT NULL,
		fetched INTEGER NOT NULL DEFAULT 0,
		synced INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		status_changed INTEGER NOT NULL DEFAULT 0,
		deactivated INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS sync_logs (
		id BIGSERIAL PRIMARY KEY,
		run_id TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		feed TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS commands (
		id BIGSERIAL PRIMARY KEY,
		command TEXT NOT NULL,
		params JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_properties_active ON properties(is_active, mls_id);
	CREATE INDEX IF NOT EXISTS idx_properties_sync_failed ON properties(mls_id) WHERE sync_failed;
	CREATE INDEX IF NOT EXISTS idx_properties_geocode ON properties(id) WHERE is_active AND latitude IS NULL;
	CREATE INDEX IF NOT EXISTS idx_commands_pending ON commands(created_at) WHERE processed_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_logs_run ON sync_logs(run_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_runs_feed ON sync_runs(feed, started_at);
	`)
	return err
}

// =============================================================================
// Properties
// =============================================================================

const pgPropertyColumns = `id, mls_id, street_number, street_name, street_suffix, unit_number, city, province,
	postal_code, latitude, longitude, status, is_active, transaction_type, price::text, bedrooms, bathrooms,
	property_type, remarks, raw_data, image_urls, source_modified_at, content_hash, last_synced_at,
	geocode_attempted_at, geocode_source, sync_failed, sync_error, deactivated_at, created_at, updated_at`

func scanPgProperty(row pgx.Row) (*models.Property, error) {
	var p models.Property
	var price string
	err := row.Scan(&p.ID, &p.MLSID, &p.StreetNumber, &p.StreetName, &p.StreetSuffix, &p.UnitNumber,
		&p.City, &p.Province, &p.PostalCode, &p.Latitude, &p.Longitude, &p.Status, &p.IsActive,
		&p.Transaction, &price, &p.Bedrooms, &p.Bathrooms, &p.PropertyType, &p.Remarks, &p.RawData, &p.ImageURLs,
		&p.SourceModifiedAt, &p.ContentHash, &p.LastSyncedAt, &p.GeocodeAttemptedAt, &p.GeocodeSource,
		&p.SyncFailed, &p.SyncError, &p.DeactivatedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if p.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("property %s price %q: %w", p.MLSID, price, err)
	}
	return &p, nil
}

func (s *PostgresStore) queryProperties(ctx context.Context, query string, args ...any) ([]models.Property, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var props []models.Property
	for rows.Next() {
		p, err := scanPgProperty(rows)
		if err != nil {
			return nil, err
		}
		props = append(props, *p)
	}
	return props, rows.Err()
}

func (s *PostgresStore) GetProperty(ctx context.Context, mlsID string) (*models.Property, error) {
	p, err := scanPgProperty(s.pool.QueryRow(ctx, `SELECT `+pgPropertyColumns+` FROM properties WHERE mls_id = $1`, mlsID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) UpsertProperty(ctx context.Context, p *models.Property) error {
	query := `
		INSERT INTO properties (
			mls_id, street_number, street_name, street_suffix, unit_number, city, province, postal_code,
			latitude, longitude, status, is_active, transaction_type, price, bedrooms, bathrooms,
			property_type, remarks, raw_data, image_urls, source_modified_at, content_hash, last_synced_at,
			geocode_attempted_at, geocode_source, sync_failed, sync_error, deactivated_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14::numeric, $15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24, $25, $26, $27, $28, COALESCE($29, NOW()), NOW()
		)
		ON CONFLICT (mls_id) DO UPDATE SET
			street_number = EXCLUDED.street_number,
			street_name = EXCLUDED.street_name,
			street_suffix = EXCLUDED.street_suffix,
			unit_number = EXCLUDED.unit_number,
			city = EXCLUDED.city,
			province = EXCLUDED.province,
			postal_code = EXCLUDED.postal_code,
			status = EXCLUDED.status,
			is_active = EXCLUDED.is_active,
			transaction_type = EXCLUDED.transaction_type,
			price = EXCLUDED.price,
			bedrooms = EXCLUDED.bedrooms,
			bathrooms = EXCLUDED.bathrooms,
			property_type = EXCLUDED.property_type,
			remarks = EXCLUDED.remarks,
			raw_data = EXCLUDED.raw_data,
			source_modified_at = EXCLUDED.source_modified_at,
			content_hash = EXCLUDED.content_hash,
			last_synced_at = EXCLUDED.last_synced_at,
			sync_failed = EXCLUDED.sync_failed,
			sync_error = EXCLUDED.sync_error,
			deactivated_at = EXCLUDED.deactivated_at,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`

	var createdAt *time.Time
	if !p.CreatedAt.IsZero() {
		createdAt = &p.CreatedAt
	}
	var raw any
	if len(p.RawData) > 0 {
		raw = p.RawData
	}

	return s.pool.QueryRow(ctx, query,
		p.MLSID, p.StreetNumber, p.StreetName, p.StreetSuffix, p.UnitNumber, p.City, p.Province, p.PostalCode,
		p.Latitude, p.Longitude, string(p.Status), p.IsActive, p.Transaction, p.Price.String(), p.Bedrooms, p.Bathrooms,
		p.PropertyType, p.Remarks, raw, p.ImageURLs, p.SourceModifiedAt, p.ContentHash, p.LastSyncedAt,
		p.GeocodeAttemptedAt, p.GeocodeSource, p.SyncFailed, p.SyncError, p.DeactivatedAt, createdAt,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
}

func (s *PostgresStore) TouchProperty(ctx context.Context, mlsID string, t time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE properties SET last_synced_at = $1, sync_failed = FALSE, sync_error = ''
		WHERE mls_id = $2`, t, mlsID)
	return err
}

func (s *PostgresStore) MarkSyncFailed(ctx context.Context, mlsID, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE properties SET sync_failed = TRUE, sync_error = $1, updated_at = NOW()
		WHERE mls_id = $2`, message, mlsID)
	return err
}

func (s *PostgresStore) ListSyncFailed(ctx context.Context, limit int) ([]string, error) {
	query := `SELECT mls_id FROM properties WHERE sync_failed ORDER BY mls_id`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PostgresStore) DeactivateMissing(ctx context.Context, seen []string, at time.Time) (int, error) {
	if seen == nil {
		seen = []string{}
	}

	var n int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE properties SET is_active = FALSE, deactivated_at = $1, updated_at = $1
			WHERE is_active AND NOT (mls_id = ANY($2::text[]))`, at, seen)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("deactivate: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) ListImageCandidates(ctx context.Context, q ImageQuery) ([]models.Property, error) {
	where := []string{"mls_id > $1"}
	args := []any{q.AfterMLSID}
	if q.OnlyActive {
		where = append(where, "is_active")
	}
	if len(q.MLSIDs) > 0 {
		args = append(args, q.MLSIDs)
		where = append(where, fmt.Sprintf("mls_id = ANY($%d::text[])", len(args)))
	}

	query := `SELECT ` + pgPropertyColumns + ` FROM properties WHERE ` + strings.Join(where, " AND ") + ` ORDER BY mls_id`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.queryProperties(ctx, query, args...)
}

func (s *PostgresStore) SetImageURLs(ctx context.Context, mlsID string, urls []string) error {
	_, err := s.pool.Exec(ctx, `UPDATE properties SET image_urls = $1, updated_at = NOW() WHERE mls_id = $2`, urls, mlsID)
	return err
}

func (s *PostgresStore) ListGeocodeCandidates(ctx context.Context, q GeocodeQuery) ([]models.Property, error) {
	query := `SELECT ` + pgPropertyColumns + ` FROM properties WHERE is_active AND id > $1`
	switch {
	case q.Force:
	case q.FailedOnly:
		query += ` AND latitude IS NULL AND geocode_attempted_at IS NOT NULL`
	default:
		query += ` AND latitude IS NULL AND geocode_attempted_at IS NULL`
	}
	query += ` ORDER BY id`
	args := []any{q.AfterID}
	if q.Limit > 0 {
		query += ` LIMIT $2`
		args = append(args, q.Limit)
	}
	return s.queryProperties(ctx, query, args...)
}

func (s *PostgresStore) SetCoordinates(ctx context.Context, mlsID string, lat, lng float64, source string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE properties SET latitude = $1, longitude = $2, geocode_source = $3, geocode_attempted_at = $4, updated_at = NOW()
		WHERE mls_id = $5`, lat, lng, source, at, mlsID)
	return err
}

func (s *PostgresStore) ClearCoordinates(ctx context.Context, mlsID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE properties SET latitude = NULL, longitude = NULL, geocode_source = '', geocode_attempted_at = NULL, updated_at = NOW()
		WHERE mls_id = $1`, mlsID)
	return err
}

func (s *PostgresStore) RecordGeocodeAttempt(ctx context.Context, mlsID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE properties SET geocode_attempted_at = $1 WHERE mls_id = $2`, at, mlsID)
	return err
}

func (s *PostgresStore) CountProperties(ctx context.Context, staleBefore time.Time) (*PropertyCounts, error) {
	c := &PropertyCounts{ByStatus: make(map[models.ListingStatus]int)}

	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE is_active),
			COUNT(*) FILTER (WHERE is_active AND last_synced_at < $1),
			COUNT(*) FILTER (WHERE is_active AND COALESCE(cardinality(image_urls), 0) > 0),
			COUNT(*) FILTER (WHERE is_active AND latitude IS NOT NULL),
			COUNT(*) FILTER (WHERE is_active AND latitude IS NULL AND geocode_attempted_at IS NOT NULL),
			COUNT(*) FILTER (WHERE sync_failed),
			MIN(last_synced_at) FILTER (WHERE is_active)
		FROM properties`, staleBefore,
	).Scan(&c.Total, &c.Active, &c.NeedsSync, &c.WithImages, &c.WithCoordinates, &c.GeocodeFailed, &c.SyncFailed, &c.OldestSyncedAt)
	if err != nil {
		return nil, fmt.Errorf("count properties: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM properties GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		c.ByStatus[models.ListingStatus(status)] = n
	}
	return c, rows.Err()
}

// =============================================================================
// Checkpoints and locks
// =============================================================================

func (s *PostgresStore) GetCheckpoint(ctx context.Context, feed string) (*models.SyncCheckpoint, error) {
	var cp models.SyncCheckpoint
	err := s.pool.QueryRow(ctx, `
		SELECT feed, last_synced_at, updated_at FROM sync_checkpoints WHERE feed = $1`, feed,
	).Scan(&cp.Feed, &cp.LastSyncedAt, &cp.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *PostgresStore) SetCheckpoint(ctx context.Context, feed string, t time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_checkpoints (feed, last_synced_at, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (feed) DO UPDATE SET last_synced_at = EXCLUDED.last_synced_at, updated_at = NOW()`,
		feed, t)
	return err
}

func (s *PostgresStore) AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO sync_locks (name, owner, acquired_at, expires_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			owner = EXCLUDED.owner,
			acquired_at = EXCLUDED.acquired_at,
			expires_at = EXCLUDED.expires_at
		WHERE sync_locks.expires_at < $3`,
		name, owner, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseLock(ctx context.Context, name, owner string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sync_locks WHERE name = $1 AND owner = $2`, name, owner)
	return err
}

// =============================================================================
// Runs and logs
// =============================================================================

func (s *PostgresStore) CreateSyncRun(ctx context.Context, run *models.SyncRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_runs (id, feed, mode, started_at, status) VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.Feed, string(run.Mode), run.StartedAt, string(run.Status))
	return err
}

func (s *PostgresStore) FinishSyncRun(ctx context.Context, run *models.SyncRun) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_runs SET finished_at = $1, status = $2, fetched = $3, synced = $4, updated = $5,
			status_changed = $6, deactivated = $7, failed = $8, error_message = $9
		WHERE id = $10`,
		run.FinishedAt, string(run.Status), run.Fetched, run.Synced, run.Updated,
		run.StatusChanged, run.Deactivated, run.Failed, run.ErrorMessage, run.ID)
	return err
}

func (s *PostgresStore) GetLastSyncRun(ctx context.Context, feed string) (*models.SyncRun, error) {
	r, err := scanSyncRun(s.pool.QueryRow(ctx, `
		SELECT `+syncRunColumns+` FROM sync_runs
		WHERE feed = $1 AND status != $2
		ORDER BY started_at DESC LIMIT 1`, feed, string(models.RunStatusSkipped)))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *PostgresStore) ListSyncRuns(ctx context.Context, limit int) ([]models.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `SELECT `+syncRunColumns+` FROM sync_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.SyncRun
	for rows.Next() {
		r, err := scanSyncRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) AddSyncLog(ctx context.Context, l *models.SyncLog) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO sync_logs (run_id, timestamp, level, message, feed) VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		l.RunID, l.Timestamp, string(l.Level), l.Message, l.Feed,
	).Scan(&l.ID)
}

func (s *PostgresStore) GetSyncLogs(ctx context.Context, runID string) ([]models.SyncLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, timestamp, level, message, feed FROM sync_logs
		WHERE run_id = $1 ORDER BY timestamp, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.SyncLog
	for rows.Next() {
		var l models.SyncLog
		if err := rows.Scan(&l.ID, &l.RunID, &l.Timestamp, &l.Level, &l.Message, &l.Feed); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// =============================================================================
// Commands
// =============================================================================

func (s *PostgresStore) GetPendingCommands(ctx context.Context) ([]models.Command, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, command, params, created_at, processed_at
		FROM commands WHERE processed_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []models.Command
	for rows.Next() {
		var cmd models.Command
		if err := rows.Scan(&cmd.ID, &cmd.Command, &cmd.Params, &cmd.CreatedAt, &cmd.ProcessedAt); err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

func (s *PostgresStore) MarkCommandProcessed(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE commands SET processed_at = NOW() WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) EnqueueCommand(ctx context.Context, cmd models.CommandType, params *models.CommandParams) (int64, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.pool.QueryRow(ctx, `INSERT INTO commands (command, params) VALUES ($1, $2) RETURNING id`,
		string(cmd), json.RawMessage(data)).Scan(&id)
	return id, err
}
