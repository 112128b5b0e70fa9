package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/raffopenssh/austria-grid/internal/grid"
)

const schema = `
CREATE TABLE IF NOT EXISTS series_points (
	series_id  TEXT NOT NULL,
	ts         TEXT NOT NULL,
	value      REAL NOT NULL,
	unit       TEXT NOT NULL,
	revision   INTEGER NOT NULL DEFAULT 1,
	fetched_at TEXT NOT NULL,
	PRIMARY KEY (series_id, ts)
);

CREATE TABLE IF NOT EXISTS geo_assets (
	asset_id    TEXT NOT NULL,
	snapshot_id TEXT NOT NULL,
	kind        TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	source      TEXT NOT NULL DEFAULT '',
	capacity_mw REAL NOT NULL DEFAULT 0,
	voltage_kv  INTEGER NOT NULL DEFAULT 0,
	lat         REAL NOT NULL,
	lon         REAL NOT NULL,
	operator    TEXT NOT NULL DEFAULT '',
	dataset     TEXT NOT NULL DEFAULT '',
	fetched_at  TEXT NOT NULL,
	PRIMARY KEY (kind, snapshot_id, asset_id)
);

CREATE INDEX IF NOT EXISTS idx_geo_assets_kind ON geo_assets (kind);

CREATE TABLE IF NOT EXISTS fetch_jobs (
	series_id    TEXT PRIMARY KEY,
	last_success TEXT NOT NULL DEFAULT '',
	last_error   TEXT NOT NULL DEFAULT '',
	failures     INTEGER NOT NULL DEFAULT 0
);
`

// SQLiteStore is the durable store backing the ingestion pipeline. Writes
// run in transactions so readers never observe a half-written batch; WAL
// mode keeps readers from blocking on the single writer.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (and if necessary initialises) the database at path. Use
// ":memory:" for an ephemeral store in tests.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	// The scheduler is the only writer; a single connection avoids
	// SQLITE_BUSY churn between its transactions.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// UpsertPoints inserts points in one transaction. Re-inserting an existing
// (series, timestamp) is a no-op unless the point is a correction with a
// different value, in which case the stored value is replaced and its
// revision counter bumped.
func (s *SQLiteStore) UpsertPoints(ctx context.Context, points []grid.SeriesPoint) (int, int, error) {
	if len(points) == 0 {
		return 0, 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("store: begin upsert: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	var inserted, deduplicated int

	for _, p := range points {
		ts := p.Timestamp.UTC().Format(time.RFC3339)

		res, err := tx.ExecContext(ctx, `
			INSERT INTO series_points (series_id, ts, value, unit, revision, fetched_at)
			VALUES (?, ?, ?, ?, 1, ?)
			ON CONFLICT (series_id, ts) DO NOTHING`,
			string(p.SeriesID), ts, p.Value, string(p.Unit), now)
		if err != nil {
			return 0, 0, fmt.Errorf("store: upsert %s@%s: %w", p.SeriesID, ts, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return 0, 0, fmt.Errorf("store: upsert %s@%s: %w", p.SeriesID, ts, err)
		}
		if n > 0 {
			inserted++
			continue
		}

		if !p.Correction {
			deduplicated++
			continue
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE series_points
			SET value = ?, unit = ?, revision = revision + 1, fetched_at = ?
			WHERE series_id = ? AND ts = ? AND value <> ?`,
			p.Value, string(p.Unit), now, string(p.SeriesID), ts, p.Value)
		if err != nil {
			return 0, 0, fmt.Errorf("store: correct %s@%s: %w", p.SeriesID, ts, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		} else {
			// Correction carrying the same value as stored.
			deduplicated++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("store: commit upsert: %w", err)
	}
	return inserted, deduplicated, nil
}

// QueryRange returns points ascending by timestamp. A row that fails to
// scan or carries an unparseable timestamp is skipped and counted instead
// of failing the whole query.
func (s *SQLiteStore) QueryRange(ctx context.Context, id grid.SeriesID, from, to time.Time) ([]grid.SeriesPoint, int, error) {
	if to.Before(from) {
		return nil, 0, fmt.Errorf("%w: %s after %s", grid.ErrOutOfRange, from.Format(time.RFC3339), to.Format(time.RFC3339))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, value, unit, revision
		FROM series_points
		WHERE series_id = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC`,
		string(id), from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, 0, fmt.Errorf("store: query %s: %w", id, err)
	}
	defer rows.Close()

	var points []grid.SeriesPoint
	var skipped int
	for rows.Next() {
		var tsRaw, unit string
		var value float64
		var revision int
		if err := rows.Scan(&tsRaw, &value, &unit, &revision); err != nil {
			skipped++
			continue
		}
		ts, err := time.Parse(time.RFC3339, tsRaw)
		if err != nil {
			skipped++
			continue
		}
		points = append(points, grid.SeriesPoint{
			SeriesID:  id,
			Timestamp: ts.UTC(),
			Value:     value,
			Unit:      grid.Unit(unit),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, skipped, fmt.Errorf("store: query %s: %w", id, err)
	}

	return points, skipped, nil
}

// Latest returns the newest stored point for a series. Corrupt rows are
// skipped in favour of the next-newest, same discipline as QueryRange.
func (s *SQLiteStore) Latest(ctx context.Context, id grid.SeriesID) (grid.SeriesPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, value, unit
		FROM series_points
		WHERE series_id = ?
		ORDER BY ts DESC`,
		string(id))
	if err != nil {
		return grid.SeriesPoint{}, fmt.Errorf("store: latest %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var tsRaw, unit string
		var value float64
		if err := rows.Scan(&tsRaw, &value, &unit); err != nil {
			continue
		}
		ts, err := time.Parse(time.RFC3339, tsRaw)
		if err != nil {
			continue
		}
		return grid.SeriesPoint{SeriesID: id, Timestamp: ts.UTC(), Value: value, Unit: grid.Unit(unit)}, nil
	}
	if err := rows.Err(); err != nil {
		return grid.SeriesPoint{}, fmt.Errorf("store: latest %s: %w", id, err)
	}
	return grid.SeriesPoint{}, fmt.Errorf("%w: series %s", grid.ErrNotFound, id)
}

// ReplaceAssets swaps the stored snapshot for one asset kind in a single
// transaction. The new snapshot is written under a fresh id and the old one
// deleted only after every row landed, so a failed refresh leaves the
// previous snapshot intact and readers never see a partial one.
func (s *SQLiteStore) ReplaceAssets(ctx context.Context, kind grid.AssetKind, assets []grid.GeoAsset) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin asset replace: %w", err)
	}
	defer tx.Rollback()

	snapshotID := uuid.NewString()
	for _, a := range assets {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO geo_assets
				(asset_id, snapshot_id, kind, name, source, capacity_mw, voltage_kv, lat, lon, operator, dataset, fetched_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.AssetID, snapshotID, string(kind), a.Name, a.Source, a.CapacityMW, a.VoltageKV,
			a.Lat, a.Lon, a.Operator, a.Dataset, a.FetchedAt.UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("store: insert asset %s: %w", a.AssetID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM geo_assets WHERE kind = ? AND snapshot_id <> ?`,
		string(kind), snapshotID); err != nil {
		return fmt.Errorf("store: drop previous %s snapshot: %w", kind, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit asset replace: %w", err)
	}
	return nil
}

// AssetsByKind returns the current snapshot for one asset kind.
func (s *SQLiteStore) AssetsByKind(ctx context.Context, kind grid.AssetKind) ([]grid.GeoAsset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT asset_id, name, source, capacity_mw, voltage_kv, lat, lon, operator, dataset, fetched_at
		FROM geo_assets
		WHERE kind = ?`,
		string(kind))
	if err != nil {
		return nil, fmt.Errorf("store: assets %s: %w", kind, err)
	}
	defer rows.Close()

	var assets []grid.GeoAsset
	for rows.Next() {
		var a grid.GeoAsset
		var fetchedAt string
		if err := rows.Scan(&a.AssetID, &a.Name, &a.Source, &a.CapacityMW, &a.VoltageKV,
			&a.Lat, &a.Lon, &a.Operator, &a.Dataset, &fetchedAt); err != nil {
			continue
		}
		a.Kind = kind
		if ts, err := time.Parse(time.RFC3339, fetchedAt); err == nil {
			a.FetchedAt = ts.UTC()
		}
		assets = append(assets, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: assets %s: %w", kind, err)
	}
	return assets, nil
}

// LoadJobStates returns the persisted bookkeeping for all fetch jobs.
func (s *SQLiteStore) LoadJobStates(ctx context.Context) (map[grid.SeriesID]grid.JobState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT series_id, last_success, last_error, failures FROM fetch_jobs`)
	if err != nil {
		return nil, fmt.Errorf("store: load job states: %w", err)
	}
	defer rows.Close()

	states := make(map[grid.SeriesID]grid.JobState)
	for rows.Next() {
		var id, lastSuccess, lastError string
		var failures int
		if err := rows.Scan(&id, &lastSuccess, &lastError, &failures); err != nil {
			continue
		}
		state := grid.JobState{
			SeriesID:  grid.SeriesID(id),
			LastError: lastError,
			Failures:  failures,
		}
		if lastSuccess != "" {
			if ts, err := time.Parse(time.RFC3339, lastSuccess); err == nil {
				state.LastSuccess = ts.UTC()
			}
		}
		states[state.SeriesID] = state
	}
	return states, rows.Err()
}

// SaveJobState persists the bookkeeping of one fetch job.
func (s *SQLiteStore) SaveJobState(ctx context.Context, state grid.JobState) error {
	lastSuccess := ""
	if !state.LastSuccess.IsZero() {
		lastSuccess = state.LastSuccess.UTC().Format(time.RFC3339)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fetch_jobs (series_id, last_success, last_error, failures)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (series_id) DO UPDATE SET
			last_success = excluded.last_success,
			last_error   = excluded.last_error,
			failures     = excluded.failures`,
		string(state.SeriesID), lastSuccess, state.LastError, state.Failures)
	if err != nil {
		return fmt.Errorf("store: save job state %s: %w", state.SeriesID, err)
	}
	return nil
}
