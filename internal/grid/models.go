package grid

import (
	"errors"
	"fmt"
	"time"
)

// Unit is the canonical unit of a stored series value.
type Unit string

const (
	UnitMW     Unit = "MW"
	UnitEURMWh Unit = "EUR/MWh"
)

// SeriesID identifies one logical time-indexed metric, e.g. "AT-generation"
// or "AT-flow.DE.import". It is always zone + metric.
type SeriesID string

// MakeSeriesID builds the canonical series identifier from zone and metric.
func MakeSeriesID(zone, metric string) SeriesID {
	return SeriesID(zone + "-" + metric)
}

// SeriesPoint is a single interval-aligned observation for one series.
// Timestamps are always UTC. A point flagged as a correction may replace an
// already-stored value for the same (series, timestamp); a plain duplicate
// never does.
type SeriesPoint struct {
	SeriesID   SeriesID  `json:"seriesId"`
	Timestamp  time.Time `json:"timestamp"`
	Value      float64   `json:"value"`
	Unit       Unit      `json:"unit"`
	Correction bool      `json:"correction,omitempty"`
}

// AssetKind distinguishes the classes of grid infrastructure we track.
type AssetKind string

const (
	AssetPlant      AssetKind = "plant"
	AssetSubstation AssetKind = "substation"
	AssetLine       AssetKind = "line"
)

// GeoAsset is one piece of grid infrastructure extracted from OpenStreetMap.
type GeoAsset struct {
	AssetID    string    `json:"assetId"`
	Kind       AssetKind `json:"kind"`
	Name       string    `json:"name"`
	Source     string    `json:"source,omitempty"` // generation source category for plants
	CapacityMW float64   `json:"capacityMw,omitempty"`
	VoltageKV  int       `json:"voltageKv,omitempty"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Operator   string    `json:"operator,omitempty"`
	Dataset    string    `json:"dataset"` // provenance: which extraction produced it
	FetchedAt  time.Time `json:"fetchedAt"`
}

// Staleness classifies how current the data behind a response is.
type Staleness string

const (
	StalenessFresh       Staleness = "fresh"
	StalenessStale       Staleness = "stale"
	StalenessUnavailable Staleness = "unavailable"
)

// ComputeStaleness applies the freshness policy: data is stale once its age
// exceeds interval times tolerance. Exactly at the boundary it is still fresh.
// A zero lastSuccess means the series has never been fetched successfully.
func ComputeStaleness(now, lastSuccess time.Time, interval time.Duration, tolerance float64) Staleness {
	if lastSuccess.IsZero() {
		return StalenessUnavailable
	}
	limit := time.Duration(float64(interval) * tolerance)
	if now.Sub(lastSuccess) > limit {
		return StalenessStale
	}
	return StalenessFresh
}

var (
	// ErrNotFound is returned when a query matches no stored data.
	ErrNotFound = errors.New("not found")

	// ErrOutOfRange is returned for a malformed time window (start after end).
	ErrOutOfRange = errors.New("invalid time range")

	// ErrSchemaMismatch is returned when a source payload does not match any
	// expected schema. The normalizer fails closed rather than guessing fields.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrUnknownSeries is returned for a series id that is not registered.
	ErrUnknownSeries = errors.New("unknown series")
)

// FetchErrorKind enumerates the distinct ways an outbound fetch can fail.
type FetchErrorKind string

const (
	FetchUnreachable      FetchErrorKind = "unreachable"
	FetchAuthRejected     FetchErrorKind = "auth_rejected"
	FetchMalformedPayload FetchErrorKind = "malformed_payload"
	FetchRateLimited      FetchErrorKind = "rate_limited"
)

// FetchError is a typed failure from a fetcher. RetryAfter carries the
// server-provided hint for rate-limit responses, zero otherwise.
type FetchError struct {
	Kind       FetchErrorKind
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s", e.Kind)
}

func (e *FetchError) Unwrap() error { return e.Err }

// AckError is an ENTSO-E acknowledgement document: the API understood the
// request but returned no payload. Code 999 means no data for the window.
type AckError struct {
	Code string
	Text string
}

func (e *AckError) Error() string {
	return fmt.Sprintf("entsoe acknowledgement %s: %s", e.Code, e.Text)
}

// NoData reports whether the acknowledgement simply means an empty window,
// which callers treat as a successful fetch of zero points.
func (e *AckError) NoData() bool { return e.Code == "999" }
