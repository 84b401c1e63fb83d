package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"mls_sync/models"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// One connection keeps temp tables and ":memory:" databases consistent
	// across calls; SQLite serialises writers anyway.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS properties (
		id INTEGER PRIMARY KEY,
		mls_id TEXT NOT NULL UNIQUE,
		street_number TEXT NOT NULL DEFAULT '',
		street_name TEXT NOT NULL DEFAULT '',
		street_suffix TEXT NOT NULL DEFAULT '',
		unit_number TEXT NOT NULL DEFAULT '',
		city TEXT NOT NULL DEFAULT '',
		province TEXT NOT NULL DEFAULT '',
		postal_code TEXT NOT NULL DEFAULT '',
		latitude REAL,
		longitude REAL,
		status TEXT NOT NULL DEFAULT 'unknown',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		transaction_type TEXT NOT NULL DEFAULT '',
		price TEXT NOT NULL DEFAULT '0',
		bedrooms INTEGER,
		bathrooms INTEGER,
		property_type TEXT NOT NULL DEFAULT '',
		remarks TEXT NOT NULL DEFAULT '',
		raw_data TEXT,
		image_urls TEXT,
		source_modified_at TIMESTAMP,
		content_hash TEXT NOT NULL DEFAULT '',
		last_synced_at TIMESTAMP NOT NULL,
		geocode_attempted_at TIMESTAMP,
		geocode_source TEXT NOT NULL DEFAULT '',
		sync_failed BOOLEAN NOT NULL DEFAULT FALSE,
		sync_error TEXT NOT NULL DEFAULT '',
		deactivated_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_checkpoints (
		feed TEXT PRIMARY KEY,
		last_synced_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_locks (
		name TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		acquired_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_runs (
		id TEXT PRIMARY KEY,
		feed TEXT NOT NULL,
		mode TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
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
		id INTEGER PRIMARY KEY,
		run_id TEXT,
		timestamp TIMESTAMP,
		level TEXT,
		message TEXT,
		feed TEXT
	);

	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY,
		command TEXT,
		params JSON,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		processed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_properties_active ON properties(is_active, mls_id);
	CREATE INDEX IF NOT EXISTS idx_properties_sync_failed ON properties(sync_failed) WHERE sync_failed;
	CREATE INDEX IF NOT EXISTS idx_properties_geocode ON properties(is_active, latitude, geocode_attempted_at);
	CREATE INDEX IF NOT EXISTS idx_commands_pending ON commands(processed_at) WHERE processed_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_logs_run ON sync_logs(run_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_runs_feed ON sync_runs(feed, started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// Properties
// =============================================================================

const sqlitePropertyColumns = `id, mls_id, street_number, street_name, street_suffix, unit_number, city, province,
	postal_code, latitude, longitude, status, is_active, transaction_type, price, bedrooms, bathrooms,
	property_type, remarks, raw_data, image_urls, source_modified_at, content_hash, last_synced_at,
	geocode_attempted_at, geocode_source, sync_failed, sync_error, deactivated_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteProperty(row rowScanner) (*models.Property, error) {
	var p models.Property
	var price string
	var raw, images sql.NullString
	err := row.Scan(&p.ID, &p.MLSID, &p.StreetNumber, &p.StreetName, &p.StreetSuffix, &p.UnitNumber,
		&p.City, &p.Province, &p.PostalCode, &p.Latitude, &p.Longitude, &p.Status, &p.IsActive,
		&p.Transaction, &price, &p.Bedrooms, &p.Bathrooms, &p.PropertyType, &p.Remarks, &raw, &images,
		&p.SourceModifiedAt, &p.ContentHash, &p.LastSyncedAt, &p.GeocodeAttemptedAt, &p.GeocodeSource,
		&p.SyncFailed, &p.SyncError, &p.DeactivatedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if p.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("property %s price %q: %w", p.MLSID, price, err)
	}
	if raw.Valid && raw.String != "" {
		p.RawData = json.RawMessage(raw.String)
	}
	if images.Valid && images.String != "" {
		if err := json.Unmarshal([]byte(images.String), &p.ImageURLs); err != nil {
			return nil, fmt.Errorf("property %s image_urls: %w", p.MLSID, err)
		}
	}
	return &p, nil
}

func (s *SQLiteStore) queryProperties(ctx context.Context, query string, args ...any) ([]models.Property, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var props []models.Property
	for rows.Next() {
		p, err := scanSQLiteProperty(rows)
		if err != nil {
			return nil, err
		}
		props = append(props, *p)
	}
	return props, rows.Err()
}

func (s *SQLiteStore) GetProperty(ctx context.Context, mlsID string) (*models.Property, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqlitePropertyColumns+` FROM properties WHERE mls_id = ?`, mlsID)
	p, err := scanSQLiteProperty(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SQLiteStore) UpsertProperty(ctx context.Context, p *models.Property) error {
	images, err := encodeImageURLs(p.ImageURLs)
	if err != nil {
		return err
	}
	var raw any
	if len(p.RawData) > 0 {
		raw = string(p.RawData)
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	return s.db.QueryRowContext(ctx, `
		INSERT INTO properties (
			mls_id, street_number, street_name, street_suffix, unit_number, city, province, postal_code,
			latitude, longitude, status, is_active, transaction_type, price, bedrooms, bathrooms,
			property_type, remarks, raw_data, image_urls, source_modified_at, content_hash, last_synced_at,
			geocode_attempted_at, geocode_source, sync_failed, sync_error, deactivated_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mls_id) DO UPDATE SET
			street_number = excluded.street_number,
			street_name = excluded.street_name,
			street_suffix = excluded.street_suffix,
			unit_number = excluded.unit_number,
			city = excluded.city,
			province = excluded.province,
			postal_code = excluded.postal_code,
			status = excluded.status,
			is_active = excluded.is_active,
			transaction_type = excluded.transaction_type,
			price = excluded.price,
			bedrooms = excluded.bedrooms,
			bathrooms = excluded.bathrooms,
			property_type = excluded.property_type,
			remarks = excluded.remarks,
			raw_data = excluded.raw_data,
			source_modified_at = excluded.source_modified_at,
			content_hash = excluded.content_hash,
			last_synced_at = excluded.last_synced_at,
			sync_failed = excluded.sync_failed,
			sync_error = excluded.sync_error,
			deactivated_at = excluded.deactivated_at,
			updated_at = excluded.updated_at
		RETURNING id`,
		p.MLSID, p.StreetNumber, p.StreetName, p.StreetSuffix, p.UnitNumber, p.City, p.Province, p.PostalCode,
		p.Latitude, p.Longitude, p.Status, p.IsActive, p.Transaction, p.Price.String(), p.Bedrooms, p.Bathrooms,
		p.PropertyType, p.Remarks, raw, images, utcPtr(p.SourceModifiedAt), p.ContentHash, p.LastSyncedAt.UTC(),
		utcPtr(p.GeocodeAttemptedAt), p.GeocodeSource, p.SyncFailed, p.SyncError, utcPtr(p.DeactivatedAt),
		p.CreatedAt.UTC(), p.UpdatedAt,
	).Scan(&p.ID)
}

func (s *SQLiteStore) TouchProperty(ctx context.Context, mlsID string, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE properties SET last_synced_at = ?, sync_failed = FALSE, sync_error = ''
		WHERE mls_id = ?`, t.UTC(), mlsID)
	return err
}

func (s *SQLiteStore) MarkSyncFailed(ctx context.Context, mlsID, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE properties SET sync_failed = TRUE, sync_error = ?, updated_at = ?
		WHERE mls_id = ?`, message, time.Now().UTC(), mlsID)
	return err
}

func (s *SQLiteStore) ListSyncFailed(ctx context.Context, limit int) ([]string, error) {
	query := `SELECT mls_id FROM properties WHERE sync_failed ORDER BY mls_id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryStrings(ctx, query, args...)
}

func (s *SQLiteStore) DeactivateMissing(ctx context.Context, seen []string, at time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `CREATE TEMP TABLE IF NOT EXISTS seen_mls_ids (mls_id TEXT PRIMARY KEY)`); err != nil {
		return 0, fmt.Errorf("create seen table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM seen_mls_ids`); err != nil {
		return 0, err
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO seen_mls_ids (mls_id) VALUES (?)`)
	if err != nil {
		return 0, err
	}
	for _, id := range seen {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			stmt.Close()
			return 0, fmt.Errorf("stage seen id %s: %w", id, err)
		}
	}
	stmt.Close()

	res, err := tx.ExecContext(ctx, `
		UPDATE properties SET is_active = FALSE, deactivated_at = ?, updated_at = ?
		WHERE is_active AND mls_id NOT IN (SELECT mls_id FROM seen_mls_ids)`, at.UTC(), at.UTC())
	if err != nil {
		return 0, fmt.Errorf("deactivate: %w", err)
	}
	n, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, `DELETE FROM seen_mls_ids`); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteStore) ListImageCandidates(ctx context.Context, q ImageQuery) ([]models.Property, error) {
	var where []string
	var args []any

	where = append(where, "mls_id > ?")
	args = append(args, q.AfterMLSID)
	if q.OnlyActive {
		where = append(where, "is_active")
	}
	if len(q.MLSIDs) > 0 {
		where = append(where, "mls_id IN ("+placeholders(len(q.MLSIDs))+")")
		for _, id := range q.MLSIDs {
			args = append(args, id)
		}
	}

	query := `SELECT ` + sqlitePropertyColumns + ` FROM properties WHERE ` + strings.Join(where, " AND ") + ` ORDER BY mls_id`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	return s.queryProperties(ctx, query, args...)
}

func (s *SQLiteStore) SetImageURLs(ctx context.Context, mlsID string, urls []string) error {
	images, err := encodeImageURLs(urls)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE properties SET image_urls = ?, updated_at = ? WHERE mls_id = ?`,
		images, time.Now().UTC(), mlsID)
	return err
}

func (s *SQLiteStore) ListGeocodeCandidates(ctx context.Context, q GeocodeQuery) ([]models.Property, error) {
	query := `SELECT ` + sqlitePropertyColumns + ` FROM properties WHERE is_active AND id > ?`
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
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	return s.queryProperties(ctx, query, args...)
}

func (s *SQLiteStore) SetCoordinates(ctx context.Context, mlsID string, lat, lng float64, source string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE properties SET latitude = ?, longitude = ?, geocode_source = ?, geocode_attempted_at = ?, updated_at = ?
		WHERE mls_id = ?`, lat, lng, source, at.UTC(), time.Now().UTC(), mlsID)
	return err
}

func (s *SQLiteStore) ClearCoordinates(ctx context.Context, mlsID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE properties SET latitude = NULL, longitude = NULL, geocode_source = '', geocode_attempted_at = NULL, updated_at = ?
		WHERE mls_id = ?`, time.Now().UTC(), mlsID)
	return err
}

func (s *SQLiteStore) RecordGeocodeAttempt(ctx context.Context, mlsID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE properties SET geocode_attempted_at = ? WHERE mls_id = ?`, at.UTC(), mlsID)
	return err
}

func (s *SQLiteStore) CountProperties(ctx context.Context, staleBefore time.Time) (*PropertyCounts, error) {
	c := &PropertyCounts{ByStatus: make(map[models.ListingStatus]int)}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN is_active THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_active AND last_synced_at < ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_active AND image_urls IS NOT NULL AND image_urls NOT IN ('', '[]', 'null') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_active AND latitude IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_active AND latitude IS NULL AND geocode_attempted_at IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN sync_failed THEN 1 ELSE 0 END), 0)
		FROM properties`, staleBefore.UTC(),
	).Scan(&c.Total, &c.Active, &c.NeedsSync, &c.WithImages, &c.WithCoordinates, &c.GeocodeFailed, &c.SyncFailed)
	if err != nil {
		return nil, fmt.Errorf("count properties: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM properties GROUP BY status`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status models.ListingStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, err
		}
		c.ByStatus[status] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// ORDER BY instead of MIN() so the driver still sees a TIMESTAMP column.
	var oldest time.Time
	err = s.db.QueryRowContext(ctx, `
		SELECT last_synced_at FROM properties WHERE is_active ORDER BY last_synced_at LIMIT 1`).Scan(&oldest)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if err == nil {
		c.OldestSyncedAt = &oldest
	}
	return c, nil
}

// =============================================================================
// Checkpoints and locks
// =============================================================================

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, feed string) (*models.SyncCheckpoint, error) {
	var cp models.SyncCheckpoint
	err := s.db.QueryRowContext(ctx, `
		SELECT feed, last_synced_at, updated_at FROM sync_checkpoints WHERE feed = ?`, feed,
	).Scan(&cp.Feed, &cp.LastSyncedAt, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *SQLiteStore) SetCheckpoint(ctx context.Context, feed string, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_checkpoints (feed, last_synced_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(feed) DO UPDATE SET last_synced_at = excluded.last_synced_at, updated_at = excluded.updated_at`,
		feed, t.UTC(), time.Now().UTC())
	return err
}

func (s *SQLiteStore) AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_locks (name, owner, acquired_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			owner = excluded.owner,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE sync_locks.expires_at < ?`,
		name, owner, now, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) ReleaseLock(ctx context.Context, name, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_locks WHERE name = ? AND owner = ?`, name, owner)
	return err
}

// =============================================================================
// Runs and logs
// =============================================================================

func (s *SQLiteStore) CreateSyncRun(ctx context.Context, run *models.SyncRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (id, feed, mode, started_at, status) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Feed, run.Mode, run.StartedAt.UTC(), run.Status)
	return err
}

func (s *SQLiteStore) FinishSyncRun(ctx context.Context, run *models.SyncRun) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs SET finished_at = ?, status = ?, fetched = ?, synced = ?, updated = ?,
			status_changed = ?, deactivated = ?, failed = ?, error_message = ?
		WHERE id = ?`,
		utcPtr(run.FinishedAt), run.Status, run.Fetched, run.Synced, run.Updated,
		run.StatusChanged, run.Deactivated, run.Failed, run.ErrorMessage, run.ID)
	return err
}

const syncRunColumns = `id, feed, mode, started_at, finished_at, status, fetched, synced, updated,
	status_changed, deactivated, failed, error_message`

func scanSyncRun(row rowScanner) (*models.SyncRun, error) {
	var r models.SyncRun
	err := row.Scan(&r.ID, &r.Feed, &r.Mode, &r.StartedAt, &r.FinishedAt, &r.Status, &r.Fetched, &r.Synced,
		&r.Updated, &r.StatusChanged, &r.Deactivated, &r.Failed, &r.ErrorMessage)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLiteStore) GetLastSyncRun(ctx context.Context, feed string) (*models.SyncRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+syncRunColumns+` FROM sync_runs
		WHERE feed = ? AND status != ?
		ORDER BY started_at DESC LIMIT 1`, feed, models.RunStatusSkipped)
	r, err := scanSyncRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *SQLiteStore) ListSyncRuns(ctx context.Context, limit int) ([]models.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+syncRunColumns+` FROM sync_runs ORDER BY started_at DESC LIMIT ?`, limit)
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

func (s *SQLiteStore) AddSyncLog(ctx context.Context, l *models.SyncLog) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_logs (run_id, timestamp, level, message, feed) VALUES (?, ?, ?, ?, ?)`,
		l.RunID, l.Timestamp.UTC(), l.Level, l.Message, l.Feed)
	if err != nil {
		return err
	}
	l.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) GetSyncLogs(ctx context.Context, runID string) ([]models.SyncLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, timestamp, level, message, feed FROM sync_logs
		WHERE run_id = ? ORDER BY timestamp, id`, runID)
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

func (s *SQLiteStore) GetPendingCommands(ctx context.Context) ([]models.Command, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, command, params, created_at, processed_at
		FROM commands WHERE processed_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []models.Command
	for rows.Next() {
		var cmd models.Command
		var params sql.NullString
		if err := rows.Scan(&cmd.ID, &cmd.Command, &params, &cmd.CreatedAt, &cmd.ProcessedAt); err != nil {
			return nil, err
		}
		if params.Valid {
			cmd.Params = json.RawMessage(params.String)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

func (s *SQLiteStore) MarkCommandProcessed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE commands SET processed_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

func (s *SQLiteStore) EnqueueCommand(ctx context.Context, cmd models.CommandType, params *models.CommandParams) (int64, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO commands (command, params, created_at) VALUES (?, ?, ?)`,
		cmd, string(data), time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// =============================================================================
// Helpers
// =============================================================================

func (s *SQLiteStore) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func encodeImageURLs(urls []string) (any, error) {
	if urls == nil {
		return nil, nil
	}
	data, err := json.Marshal(urls)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
