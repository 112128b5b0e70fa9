package grid

import (
	"fmt"
	"time"
)

// EIC area codes for the Austrian bidding zone and its neighbours.
const (
	ZoneAT = "10YAT-APG------L"
)

// NeighbourZones maps country code to EIC area code for cross-border flows.
var NeighbourZones = map[string]string{
	"DE": "10Y1001A1001A83F",
	"CZ": "10YCZ-CEPS-----N",
	"SK": "10YSK-SEPS-----K",
	"HU": "10YHU-MAVIR----U",
	"SI": "10YSI-ELES-----O",
	"IT": "10YIT-GRTN-----B",
	"CH": "10YCH-SWISSGRIDZ",
}

// ENTSO-E document type codes.
const (
	DocGeneration = "A75" // actual generation per type
	DocLoad       = "A65" // total load
	DocPrices     = "A44" // day-ahead prices
	DocFlows      = "A11" // cross-border physical flows
)

// Series describes one registered fetchable metric. InDomain/OutDomain are
// the EIC areas the transparency API is queried with; their meaning depends
// on the document type.
type Series struct {
	ID        SeriesID      `yaml:"id"`
	Zone      string        `yaml:"zone"`
	Metric    string        `yaml:"metric"`
	DocType   string        `yaml:"docType"`
	InDomain  string        `yaml:"inDomain"`
	OutDomain string        `yaml:"outDomain,omitempty"`
	Interval  time.Duration `yaml:"interval"`
}

// Registry holds the set of registered series, keyed by id.
type Registry struct {
	byID  map[SeriesID]Series
	order []SeriesID
}

func NewRegistry(series []Series) *Registry {
	r := &Registry{byID: make(map[SeriesID]Series, len(series))}
	for _, s := range series {
		if _, dup := r.byID[s.ID]; dup {
			continue
		}
		r.byID[s.ID] = s
		r.order = append(r.order, s.ID)
	}
	return r
}

// Lookup returns the series definition or ErrUnknownSeries.
func (r *Registry) Lookup(id SeriesID) (Series, error) {
	s, ok := r.byID[id]
	if !ok {
		return Series{}, fmt.Errorf("%w: %s", ErrUnknownSeries, id)
	}
	return s, nil
}

// All returns the registered series in registration order.
func (r *Registry) All() []Series {
	out := make([]Series, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// DefaultSeries is the built-in registry: Austrian generation, load and
// day-ahead prices plus physical flows in both directions for every
// neighbouring zone.
func DefaultSeries(interval time.Duration) []Series {
	series := []Series{
		{
			ID:       MakeSeriesID("AT", "generation"),
			Zone:     "AT",
			Metric:   "generation",
			DocType:  DocGeneration,
			InDomain: ZoneAT,
			Interval: interval,
		},
		{
			ID:       MakeSeriesID("AT", "load"),
			Zone:     "AT",
			Metric:   "load",
			DocType:  DocLoad,
			InDomain: ZoneAT,
			Interval: interval,
		},
		{
			ID:        MakeSeriesID("AT", "price"),
			Zone:      "AT",
			Metric:    "price",
			DocType:   DocPrices,
			InDomain:  ZoneAT,
			OutDomain: ZoneAT,
			// Day-ahead prices publish once a day; hourly refresh is plenty.
			Interval: interval * 4,
		},
	}

	for _, cc := range []string{"DE", "CZ", "SK", "HU", "SI", "IT", "CH"} {
		code := NeighbourZones[cc]
		series = append(series,
			Series{
				ID:        MakeSeriesID("AT", "flow."+cc+".import"),
				Zone:      "AT",
				Metric:    "flow." + cc + ".import",
				DocType:   DocFlows,
				InDomain:  ZoneAT,
				OutDomain: code,
				Interval:  interval,
			},
			Series{
				ID:        MakeSeriesID("AT", "flow."+cc+".export"),
				Zone:      "AT",
				Metric:    "flow." + cc + ".export",
				DocType:   DocFlows,
				InDomain:  code,
				OutDomain: ZoneAT,
				Interval:  interval,
			},
		)
	}

	return series
}
