package grid

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestUtilizationFactors(t *testing.T) {
	capacity := map[string]float64{
		"wind":  1000,
		"gas":   500,
		"solar": 200,
	}
	generation := map[string]float64{
		"wind": 250,
		"gas":  800, // above capacity, must cap at 1.0
	}

	factors := UtilizationFactors(capacity, generation)

	if got := factors["wind"]; got != 0.25 {
		t.Fatalf("wind factor = %v, want 0.25", got)
	}
	if got := factors["gas"]; got != 1.0 {
		t.Fatalf("gas factor = %v, want capped at 1.0", got)
	}
	// No live solar figure: the documented default applies.
	if got := factors["solar"]; got != defaultUtilization["solar"] {
		t.Fatalf("solar factor = %v, want default %v", got, defaultUtilization["solar"])
	}
	// Sources without any installed capacity still get a default entry.
	if _, ok := factors["coal"]; !ok {
		t.Fatalf("expected default factor for coal")
	}
}

func TestComputeStalenessBoundary(t *testing.T) {
	interval := 15 * time.Minute
	last := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	// Exactly at lastSuccess + interval*tolerance the data is still fresh.
	atLimit := last.Add(30 * time.Minute)
	if got := ComputeStaleness(atLimit, last, interval, 2.0); got != StalenessFresh {
		t.Fatalf("at boundary: %s, want fresh", got)
	}
	if got := ComputeStaleness(atLimit.Add(time.Second), last, interval, 2.0); got != StalenessStale {
		t.Fatalf("past boundary: %s, want stale", got)
	}
	if got := ComputeStaleness(atLimit, time.Time{}, interval, 2.0); got != StalenessUnavailable {
		t.Fatalf("never fetched: %s, want unavailable", got)
	}
}

func TestNearestSubstation(t *testing.T) {
	subs := []GeoAsset{
		{AssetID: "n/1", Kind: AssetSubstation, Name: "Wien Südost", VoltageKV: 380, Lat: 48.1, Lon: 16.5},
		{AssetID: "n/2", Kind: AssetSubstation, Name: "Bisamberg", VoltageKV: 220, Lat: 48.33, Lon: 16.45},
		{AssetID: "n/3", Kind: AssetSubstation, Name: "Kleinverteiler", VoltageKV: 30, Lat: 48.2, Lon: 16.4},
	}

	got, dist, err := NearestSubstation(subs, 48.2, 16.4, 110, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.AssetID != "n/1" {
		t.Fatalf("nearest = %s, want n/1 (low-voltage node must be skipped)", got.AssetID)
	}
	if dist <= 0 {
		t.Fatalf("distance = %v, want > 0", dist)
	}

	// A minimum voltage no substation reaches.
	_, _, err = NearestSubstation(subs, 48.2, 16.4, 500, 50)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unreachable voltage, got %v", err)
	}

	// Query far outside the search radius.
	_, _, err = NearestSubstation(subs, 40.0, 5.0, 110, FeasibilityRadiusKM)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound outside radius, got %v", err)
	}
}

func TestCheckFeasibilityTiers(t *testing.T) {
	site := GeoAsset{AssetID: "n/1", Kind: AssetSubstation, Name: "Test", VoltageKV: 110, Lat: 47.5, Lon: 16.5}

	cases := []struct {
		name     string
		offsetKM float64
		tier     string
	}{
		{"easy", 2, "easy"},
		{"medium", 10, "medium"},
		{"challenging", 20, "challenging"},
		{"difficult", 40, "difficult"},
	}
	for _, tc := range cases {
		// Shift the query point north by roughly offsetKM.
		lat := site.Lat + tc.offsetKM/111.0
		res, err := CheckFeasibility(lat, site.Lon, []GeoAsset{site}, nil)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if res.Tier != tc.tier {
			t.Fatalf("%s: tier = %s (%.1f km), want %s", tc.name, res.Tier, res.DistanceKM, tc.tier)
		}
	}

	// No substation within the search radius at all.
	_, err := CheckFeasibility(50.0, 10.0, []GeoAsset{site}, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound far from grid, got %v", err)
	}
}

func TestCheckFeasibilityNearbyPlants(t *testing.T) {
	sub := GeoAsset{AssetID: "n/1", Kind: AssetSubstation, Name: "Parndorf", VoltageKV: 110, Lat: 47.99, Lon: 16.86}
	plants := []GeoAsset{
		{AssetID: "w/1", Kind: AssetPlant, Source: "wind", CapacityMW: 12.5, Lat: 48.0, Lon: 16.9},
		{AssetID: "w/2", Kind: AssetPlant, Source: "wind", CapacityMW: 9.0, Lat: 48.02, Lon: 16.85},
		{AssetID: "s/1", Kind: AssetPlant, Source: "solar", CapacityMW: 1.0, Lat: 48.01, Lon: 16.88},
		{AssetID: "w/3", Kind: AssetPlant, Source: "wind", CapacityMW: 30.0, Lat: 47.0, Lon: 15.0}, // far away
	}

	res, err := CheckFeasibility(48.0, 16.87, []GeoAsset{sub}, plants)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.NearbyWindPlants != 2 {
		t.Fatalf("nearby wind plants = %d, want 2", res.NearbyWindPlants)
	}
	if res.NearbyWindCapacityMW != 21.5 {
		t.Fatalf("nearby wind capacity = %v, want 21.5", res.NearbyWindCapacityMW)
	}
	if res.NearbySolarPlants != 1 {
		t.Fatalf("nearby solar plants = %d, want 1", res.NearbySolarPlants)
	}
	if res.Region != "Niederösterreich" {
		t.Fatalf("region = %s, want Niederösterreich", res.Region)
	}
	wantYield := math.Round(10 * solarCapacityFactors["Niederösterreich"] * 8760)
	if res.Solar10kWAnnualKWh != wantYield {
		t.Fatalf("solar yield = %v, want %v", res.Solar10kWAnnualKWh, wantYield)
	}
}

func TestBuildLoadModel(t *testing.T) {
	in := LoadModelInput{
		Plants: []GeoAsset{
			{AssetID: "p/1", Kind: AssetPlant, Name: "Windpark Nord", Source: "wind", CapacityMW: 100, Lat: 48.1, Lon: 16.9},
			{AssetID: "p/2", Kind: AssetPlant, Name: "KW Donau", Source: "hydro_run_of_river", CapacityMW: 40, Lat: 48.15, Lon: 16.45},
			{AssetID: "p/3", Kind: AssetPlant, Name: "Kaputt", Source: "gas", CapacityMW: 0, Lat: 48.0, Lon: 16.0},
		},
		Substations: []GeoAsset{
			{AssetID: "s/1", Kind: AssetSubstation, Name: "Wien Südost", VoltageKV: 380, Lat: 48.1, Lon: 16.5},
			{AssetID: "s/2", Kind: AssetSubstation, Name: "Sarasdorf", VoltageKV: 220, Lat: 48.05, Lon: 16.8},
			{AssetID: "s/3", Kind: AssetSubstation, Name: "Ortsnetz", VoltageKV: 30, Lat: 48.2, Lon: 16.3},
		},
		GenerationBySource: map[string]float64{
			"wind":               50,
			"hydro_run_of_river": 20,
		},
		NetFlows:    map[string]float64{"SK": 100},
		TotalLoadMW: 500,
	}

	res := BuildLoadModel(in)

	// The 30 kV node is below the modelled grid.
	if len(res.Substations) != 2 {
		t.Fatalf("substations = %d, want 2", len(res.Substations))
	}
	// Zero-capacity plants carry no estimate.
	if len(res.Plants) != 2 {
		t.Fatalf("plants = %d, want 2", len(res.Plants))
	}

	// Calibration: live wind 50 MW over 100 MW installed.
	if got := res.Utilization["wind"]; got != 0.5 {
		t.Fatalf("wind utilization = %v, want 0.5", got)
	}
	for _, p := range res.Plants {
		if p.AssetID == "p/1" && p.ProductionMW != 50 {
			t.Fatalf("wind park production = %v, want 50", p.ProductionMW)
		}
		if p.Substation == "" {
			t.Fatalf("plant %s not assigned to a substation", p.AssetID)
		}
	}

	var totalLoad float64
	for _, s := range res.Substations {
		totalLoad += s.LoadMW
		if s.Status != "low" && s.Status != "medium" && s.Status != "high" {
			t.Fatalf("substation %s status %q", s.Name, s.Status)
		}
		if s.LoadPercent > 150 {
			t.Fatalf("load percent %v exceeds cap", s.LoadPercent)
		}
	}
	if math.Abs(totalLoad-500) > 1e-6 {
		t.Fatalf("distributed load sums to %v, want 500", totalLoad)
	}

	// Result ordered by load percent, highest first.
	for i := 1; i < len(res.Substations); i++ {
		if res.Substations[i-1].LoadPercent < res.Substations[i].LoadPercent {
			t.Fatalf("substations not sorted by load percent")
		}
	}
}

func TestRegionOf(t *testing.T) {
	cases := []struct {
		lat, lon float64
		want     string
	}{
		{48.21, 16.37, "Wien"},
		{47.07, 15.44, "Steiermark"},
		{47.26, 11.39, "Tirol"},
		{47.5, 9.75, "Vorarlberg"},
		{47.3, 16.55, "Burgenland"},
	}
	for _, tc := range cases {
		if got := RegionOf(tc.lat, tc.lon); got != tc.want {
			t.Fatalf("RegionOf(%v, %v) = %s, want %s", tc.lat, tc.lon, got, tc.want)
		}
	}
}
