package grid

import (
	"context"
	"time"
)

// Fetcher abstracts the ENTSO-E transparency API: it retrieves the raw
// market document for a registered series over a UTC window, together with
// the schema tag the normalizer should decode it against. Fetchers hold no
// mutable state beyond their HTTP client and circuit breaker.
type Fetcher interface {
	Fetch(ctx context.Context, series Series, from, to time.Time) ([]byte, Schema, error)
}

// GeoFetcher abstracts the geodata extraction (OSM Overpass): one call
// returns the full current snapshot for an asset kind.
type GeoFetcher interface {
	FetchAssets(ctx context.Context, kind AssetKind) ([]GeoAsset, error)
}

// JobState is the persisted bookkeeping of one fetch job. It is owned
// exclusively by the scheduler; the serving layer only reads it to compute
// staleness.
type JobState struct {
	SeriesID    SeriesID  `json:"seriesId"`
	LastSuccess time.Time `json:"lastSuccess"`
	LastError   string    `json:"lastError,omitempty"`
	Failures    int       `json:"failures"`
}

// Store is the contract the durable store must satisfy. All writes go
// through the scheduler; the serving layer only reads.
type Store interface {
	// UpsertPoints inserts points inside one transaction. A non-correction
	// duplicate of an existing (series, timestamp) is a no-op; a correction
	// replaces the stored value and bumps its revision. Returns the number
	// of rows inserted and deduplicated.
	UpsertPoints(ctx context.Context, points []SeriesPoint) (inserted, deduplicated int, err error)

	// QueryRange returns points in ascending timestamp order. Rows that fail
	// to scan are skipped and counted, never returned.
	QueryRange(ctx context.Context, id SeriesID, from, to time.Time) (points []SeriesPoint, skipped int, err error)

	// Latest returns the newest point for a series or ErrNotFound.
	Latest(ctx context.Context, id SeriesID) (SeriesPoint, error)

	// ReplaceAssets atomically swaps the stored snapshot for one asset kind.
	// On failure the previous snapshot remains intact.
	ReplaceAssets(ctx context.Context, kind AssetKind, assets []GeoAsset) error

	// AssetsByKind returns the current snapshot for one asset kind.
	AssetsByKind(ctx context.Context, kind AssetKind) ([]GeoAsset, error)

	LoadJobStates(ctx context.Context) (map[SeriesID]JobState, error)
	SaveJobState(ctx context.Context, state JobState) error
}
