package grid

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// SourceCategories is the canonical set of generation source categories,
// shared between the ENTSO-E normalizer and the OSM plant data.
var SourceCategories = []string{
	"hydro_run_of_river", "hydro_reservoir", "hydro_pumped",
	"wind", "solar", "gas", "coal", "oil",
	"biomass", "waste", "geothermal", "other",
}

// Service orchestrates fetching, normalization and persistence, and answers
// read queries against the store. It never fetches on the read path.
type Service struct {
	store     Store
	registry  *Registry
	tolerance float64
	now       func() time.Time
}

// NewService creates a Service. tolerance is the staleness multiple of a
// series' refresh interval.
func NewService(store Store, registry *Registry, tolerance float64) *Service {
	if tolerance <= 0 {
		tolerance = 2.0
	}
	return &Service{
		store:     store,
		registry:  registry,
		tolerance: tolerance,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Registry exposes the registered series set.
func (s *Service) Registry() *Registry { return s.registry }

// FetchAndStore runs one ingestion pass for a series: fetch the raw
// document, normalize it and upsert the points in one transaction. An
// acknowledgement meaning "no data in window" counts as a successful fetch
// of zero points. Returns the upsert counters.
func (s *Service) FetchAndStore(ctx context.Context, fetcher Fetcher, series Series, from, to time.Time) (int, int, error) {
	if to.Before(from) {
		return 0, 0, fmt.Errorf("%w: %s after %s", ErrOutOfRange, from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	if _, err := s.registry.Lookup(series.ID); err != nil {
		return 0, 0, err
	}

	payload, schema, err := fetcher.Fetch(ctx, series, from, to)
	if err != nil {
		return 0, 0, err
	}

	points, err := Normalize(payload, schema, series)
	if err != nil {
		var ack *AckError
		if errors.As(err, &ack) && ack.NoData() {
			log.Printf("service: %s: empty window %s..%s", series.ID, from.Format(time.RFC3339), to.Format(time.RFC3339))
			return 0, 0, nil
		}
		return 0, 0, err
	}

	inserted, deduplicated, err := s.store.UpsertPoints(ctx, points)
	if err != nil {
		return 0, 0, err
	}
	return inserted, deduplicated, nil
}

// RefreshAssets replaces the stored snapshot for one asset kind. The
// previous snapshot survives any failure.
func (s *Service) RefreshAssets(ctx context.Context, fetcher GeoFetcher, kind AssetKind) (int, error) {
	assets, err := fetcher.FetchAssets(ctx, kind)
	if err != nil {
		return 0, err
	}
	if len(assets) == 0 {
		// An empty extraction is treated as a failed refresh rather than
		// wiping the snapshot.
		return 0, fmt.Errorf("geo refresh %s returned no assets", kind)
	}
	if err := s.store.ReplaceAssets(ctx, kind, assets); err != nil {
		return 0, err
	}
	return len(assets), nil
}

// SeriesWindow is a range-query result with its staleness classification.
type SeriesWindow struct {
	SeriesID  SeriesID      `json:"seriesId"`
	From      time.Time     `json:"from"`
	To        time.Time     `json:"to"`
	Staleness Staleness     `json:"staleness"`
	Points    []SeriesPoint `json:"points"`
	// Skipped counts stored rows dropped as corrupt while answering.
	Skipped int `json:"skippedCorrupt,omitempty"`
}

// GetSeries answers a range query with staleness attached.
func (s *Service) GetSeries(ctx context.Context, id SeriesID, from, to time.Time) (SeriesWindow, error) {
	if to.Before(from) {
		return SeriesWindow{}, fmt.Errorf("%w: %s after %s", ErrOutOfRange, from.Format(time.RFC3339), to.Format(time.RFC3339))
	}

	points, skipped, err := s.store.QueryRange(ctx, id, from, to)
	if err != nil {
		return SeriesWindow{}, err
	}

	staleness, err := s.Staleness(ctx, id)
	if err != nil {
		return SeriesWindow{}, err
	}

	return SeriesWindow{
		SeriesID:  id,
		From:      from,
		To:        to,
		Staleness: staleness,
		Points:    points,
		Skipped:   skipped,
	}, nil
}

// Latest returns the newest stored point for a series.
func (s *Service) Latest(ctx context.Context, id SeriesID) (SeriesPoint, error) {
	return s.store.Latest(ctx, id)
}

// Staleness classifies the freshness of a series from its job bookkeeping.
// Sub-series (e.g. "AT-generation.wind") inherit the parent job's state.
func (s *Service) Staleness(ctx context.Context, id SeriesID) (Staleness, error) {
	jobID := id
	series, err := s.registry.Lookup(jobID)
	if err != nil {
		jobID = parentSeriesID(id)
		series, err = s.registry.Lookup(jobID)
		if err != nil {
			return StalenessUnavailable, nil
		}
	}

	states, err := s.store.LoadJobStates(ctx)
	if err != nil {
		return "", err
	}
	state, ok := states[jobID]
	if !ok {
		return StalenessUnavailable, nil
	}
	return ComputeStaleness(s.now(), state.LastSuccess, series.Interval, s.tolerance), nil
}

// parentSeriesID strips sub-series suffixes: "AT-generation.wind" belongs to
// the "AT-generation" fetch job.
func parentSeriesID(id SeriesID) SeriesID {
	zone, metric, ok := strings.Cut(string(id), "-")
	if !ok {
		return id
	}
	base, _, _ := strings.Cut(metric, ".")
	return MakeSeriesID(zone, base)
}

// GenerationBreakdown returns the aggregate generation window plus the
// per-source windows that lie inside it.
func (s *Service) GenerationBreakdown(ctx context.Context, zone string, from, to time.Time) (SeriesWindow, map[string][]SeriesPoint, error) {
	total, err := s.GetSeries(ctx, MakeSeriesID(zone, "generation"), from, to)
	if err != nil {
		return SeriesWindow{}, nil, err
	}

	bySource := make(map[string][]SeriesPoint)
	for _, src := range SourceCategories {
		points, _, err := s.store.QueryRange(ctx, MakeSeriesID(zone, "generation."+src), from, to)
		if err != nil || len(points) == 0 {
			continue
		}
		bySource[src] = points
	}
	return total, bySource, nil
}

// FlowSnapshot is the latest net flow for one neighbouring zone.
type FlowSnapshot struct {
	Country  string    `json:"country"`
	ImportMW float64   `json:"importMw"`
	ExportMW float64   `json:"exportMw"`
	NetMW    float64   `json:"netMw"`
	At       time.Time `json:"at"`
}

// LatestFlows returns the newest import/export pair per neighbouring zone.
// Countries with no stored data are omitted.
func (s *Service) LatestFlows(ctx context.Context, zone string) []FlowSnapshot {
	var flows []FlowSnapshot
	for cc := range NeighbourZones {
		imp, errImp := s.store.Latest(ctx, MakeSeriesID(zone, "flow."+cc+".import"))
		exp, errExp := s.store.Latest(ctx, MakeSeriesID(zone, "flow."+cc+".export"))
		if errImp != nil && errExp != nil {
			continue
		}
		snap := FlowSnapshot{Country: cc}
		if errImp == nil {
			snap.ImportMW = imp.Value
			snap.At = imp.Timestamp
		}
		if errExp == nil {
			snap.ExportMW = exp.Value
			if exp.Timestamp.After(snap.At) {
				snap.At = exp.Timestamp
			}
		}
		snap.NetMW = snap.ImportMW - snap.ExportMW
		flows = append(flows, snap)
	}
	return flows
}

// latestGenerationBySource collects the newest per-source generation values.
func (s *Service) latestGenerationBySource(ctx context.Context, zone string) map[string]float64 {
	out := make(map[string]float64)
	for _, src := range SourceCategories {
		p, err := s.store.Latest(ctx, MakeSeriesID(zone, "generation."+src))
		if err != nil {
			continue
		}
		out[src] = p.Value
	}
	return out
}

// SubstationLoads computes the derived substation loading view from the
// current store snapshots. It never triggers a fetch.
func (s *Service) SubstationLoads(ctx context.Context, zone string) (LoadModelResult, error) {
	plants, err := s.store.AssetsByKind(ctx, AssetPlant)
	if err != nil {
		return LoadModelResult{}, err
	}
	substations, err := s.store.AssetsByKind(ctx, AssetSubstation)
	if err != nil {
		return LoadModelResult{}, err
	}
	if len(substations) == 0 {
		return LoadModelResult{}, fmt.Errorf("%w: no substation snapshot", ErrNotFound)
	}

	netFlows := make(map[string]float64)
	for _, f := range s.LatestFlows(ctx, zone) {
		netFlows[f.Country] = f.NetMW
	}

	var totalLoad float64
	if p, err := s.store.Latest(ctx, MakeSeriesID(zone, "load")); err == nil {
		totalLoad = p.Value
	}

	return BuildLoadModel(LoadModelInput{
		Plants:             plants,
		Substations:        substations,
		GenerationBySource: s.latestGenerationBySource(ctx, zone),
		NetFlows:           netFlows,
		TotalLoadMW:        totalLoad,
	}), nil
}

// Feasibility evaluates a candidate site against the current asset
// snapshots.
func (s *Service) Feasibility(ctx context.Context, lat, lon float64) (FeasibilityResult, error) {
	substations, err := s.store.AssetsByKind(ctx, AssetSubstation)
	if err != nil {
		return FeasibilityResult{}, err
	}
	plants, err := s.store.AssetsByKind(ctx, AssetPlant)
	if err != nil {
		return FeasibilityResult{}, err
	}
	return CheckFeasibility(lat, lon, substations, plants)
}
