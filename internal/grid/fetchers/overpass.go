package fetchers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/raffopenssh/austria-grid/internal/common"
	"github.com/raffopenssh/austria-grid/internal/grid"
)

// Overpass QL snippets, one per asset kind, scoped to Austria.
const (
	plantsQuery = `[out:json][timeout:120];
area["ISO3166-1"="AT"]->.austria;
(
  node["power"="plant"](area.austria);
  way["power"="plant"](area.austria);
  relation["power"="plant"](area.austria);
  way["power"="generator"]["generator:output:electricity"](area.austria);
  relation["power"="generator"]["generator:output:electricity"](area.austria);
);
out center;`

	substationsQuery = `[out:json][timeout:120];
area["ISO3166-1"="AT"]->.austria;
(
  node["power"="substation"](area.austria);
  way["power"="substation"](area.austria);
  relation["power"="substation"](area.austria);
);
out center;`
)

// OverpassClient implements grid.GeoFetcher against the OSM Overpass API.
type OverpassClient struct {
	baseURL string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
}

// NewOverpassClient creates a geodata client. If baseURL is empty the main
// public Overpass instance is used.
func NewOverpassClient(client *http.Client, baseURL string) *OverpassClient {
	if baseURL == "" {
		baseURL = "https://overpass-api.de/api/interpreter"
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "overpass",
		MaxRequests: 2,
		Interval:    5 * time.Minute,
		Timeout:     10 * time.Minute,
	})

	return &OverpassClient{
		baseURL: baseURL,
		httpCfg: HTTPClientConfig{
			Client: client,
			Backoff: BackoffConfig{
				MaxRetries:      2,
				InitialInterval: 2 * time.Second,
				MaxInterval:     30 * time.Second,
			},
		},
		circuit: cb,
	}
}

type overpassResponse struct {
	Elements []overpassElement `json:"elements"`
}

type overpassElement struct {
	Type   string            `json:"type"`
	ID     int64             `json:"id"`
	Lat    float64           `json:"lat"`
	Lon    float64           `json:"lon"`
	Center *overpassCenter   `json:"center"`
	Tags   map[string]string `json:"tags"`
}

type overpassCenter struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// FetchAssets retrieves the full current snapshot for one asset kind.
func (c *OverpassClient) FetchAssets(ctx context.Context, kind grid.AssetKind) ([]grid.GeoAsset, error) {
	var query string
	switch kind {
	case grid.AssetPlant:
		query = plantsQuery
	case grid.AssetSubstation:
		query = substationsQuery
	default:
		return nil, fmt.Errorf("overpass: unsupported asset kind %q", kind)
	}

	buildRequest := func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, c.baseURL, strings.NewReader(query))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "text/plain")
		return req, nil
	}

	resp, err := doRequestWithResilience(ctx, c.httpCfg, c.circuit, buildRequest)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payload overpassResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &grid.FetchError{Kind: grid.FetchMalformedPayload, Err: err}
	}

	fetchedAt := time.Now().UTC()
	assets := make([]grid.GeoAsset, 0, len(payload.Elements))
	for _, elem := range payload.Elements {
		asset, ok := elementToAsset(elem, kind, fetchedAt)
		if !ok {
			continue
		}
		assets = append(assets, asset)
	}
	return assets, nil
}

func elementToAsset(elem overpassElement, kind grid.AssetKind, fetchedAt time.Time) (grid.GeoAsset, bool) {
	lat, lon := elem.Lat, elem.Lon
	if elem.Center != nil {
		lat, lon = elem.Center.Lat, elem.Center.Lon
	}
	if lat == 0 && lon == 0 {
		return grid.GeoAsset{}, false
	}

	tags := elem.Tags
	name := tags["name"]
	if name == "" {
		name = tags["operator"]
	}

	asset := grid.GeoAsset{
		AssetID:   fmt.Sprintf("%s/%d", elem.Type, elem.ID),
		Kind:      kind,
		Name:      name,
		Lat:       lat,
		Lon:       lon,
		Operator:  tags["operator"],
		Dataset:   "osm-overpass",
		FetchedAt: fetchedAt,
	}

	switch kind {
	case grid.AssetPlant:
		output := tags["plant:output:electricity"]
		if output == "" {
			output = tags["generator:output:electricity"]
		}
		capacity, ok := ParseCapacityMW(output)
		asset.CapacityMW = capacity
		asset.Source = CategorizeSource(tags)
		// Skip unnamed micro installations, same cutoff the extraction
		// scripts always used.
		if ok && capacity < 0.1 && name == "" {
			return grid.GeoAsset{}, false
		}
	case grid.AssetSubstation:
		asset.VoltageKV = ParseVoltageKV(tags["voltage"])
	}

	return asset, true
}

// ParseCapacityMW parses an OSM electrical output tag ("12 MW", "600 kW",
// "1.2 GW", bare numbers) into megawatts. The second return reports whether
// the tag was present and parseable.
func ParseCapacityMW(raw string) (float64, bool) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return 0, false
	}

	parse := func(s string) (float64, bool) {
		// German decimal commas show up in hand-entered tags.
		s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}

	switch {
	case strings.Contains(v, "gw"):
		n, ok := parse(strings.Replace(v, "gw", "", 1))
		return n * 1000, ok
	case strings.Contains(v, "mw"):
		n, ok := parse(strings.NewReplacer("mwp", "", "mw", "").Replace(v))
		return n, ok
	case strings.Contains(v, "kw"):
		n, ok := parse(strings.NewReplacer("kwp", "", "kw", "").Replace(v))
		return n / 1000, ok
	case strings.Contains(v, "w"):
		n, ok := parse(strings.Replace(v, "w", "", 1))
		return n / 1e6, ok
	default:
		n, ok := parse(v)
		if !ok {
			return 0, false
		}
		// Bare large numbers are almost always kW.
		if n > 10000 {
			return n / 1000, true
		}
		return n, true
	}
}

// CategorizeSource maps OSM plant/generator tags onto our source categories.
func CategorizeSource(tags map[string]string) string {
	source := strings.ToLower(tags["plant:source"])
	if source == "" {
		source = strings.ToLower(tags["generator:source"])
	}
	plantType := strings.ToLower(tags["plant:type"])
	if plantType == "" {
		plantType = strings.ToLower(tags["generator:type"])
	}

	switch {
	case common.HasAny(source, "hydro", "water"):
		switch {
		case common.HasAny(plantType, "pump") || common.HasAny(source, "pump"):
			return "hydro_pumped"
		case common.HasAny(plantType, "reservoir") || common.HasAny(source, "dam"):
			return "hydro_reservoir"
		default:
			return "hydro_run_of_river"
		}
	case common.HasAny(source, "solar", "photovoltaic"):
		return "solar"
	case common.HasAny(source, "wind"):
		return "wind"
	case common.HasAny(source, "gas"):
		return "gas"
	case common.HasAny(source, "coal"):
		return "coal"
	case common.HasAny(source, "oil"):
		return "oil"
	case common.HasAny(source, "biomass", "biogas", "bio"):
		return "biomass"
	case common.HasAny(source, "waste"):
		return "waste"
	case common.HasAny(source, "geothermal"):
		return "geothermal"
	default:
		return "other"
	}
}

// ParseVoltageKV parses an OSM voltage tag into kilovolts. Multi-level
// substations tag several voltages separated by semicolons, conventionally
// highest first; the first token is used.
func ParseVoltageKV(raw string) int {
	if raw == "" {
		return 0
	}
	first := strings.TrimSpace(strings.Split(raw, ";")[0])
	first = strings.TrimSuffix(strings.ToLower(first), "kv")
	n, err := strconv.ParseFloat(strings.TrimSpace(first), 64)
	if err != nil {
		return 0
	}
	v := int(n)
	// Raw OSM voltages are in volts.
	if v > 1000 {
		v /= 1000
	}
	return v
}
