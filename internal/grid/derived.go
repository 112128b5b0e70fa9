package grid

import (
	"fmt"
	"math"
	"sort"
)

const earthRadiusKM = 6371

// Haversine returns the great-circle distance between two points in km.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	lat1, lon1, lat2, lon2 = lat1*rad, lon1*rad, lat2*rad, lon2*rad
	dlat := lat2 - lat1
	dlon := lon2 - lon1
	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	return earthRadiusKM * 2 * math.Asin(math.Sqrt(a))
}

// RegionOf infers the Austrian federal state from coordinates. Coarse
// bounding boxes are enough for regional weighting.
func RegionOf(lat, lon float64) string {
	switch {
	case lon > 16.1 && lat > 48.1 && lat < 48.35:
		return "Wien"
	case lon > 15.5 && lat > 47.5:
		return "Niederösterreich"
	case lon > 13 && lon < 15 && lat > 47.5:
		return "Oberösterreich"
	case lon > 14 && lon < 16.5 && lat < 47.5:
		return "Steiermark"
	case lon < 10.3:
		return "Vorarlberg"
	case lon < 12.5 && lat < 47.5:
		return "Tirol"
	case lon > 12.5 && lon < 14 && lat > 47 && lat < 48:
		return "Salzburg"
	case lon > 13 && lon < 15 && lat < 47:
		return "Kärnten"
	case lon > 16:
		return "Burgenland"
	default:
		return "Niederösterreich"
	}
}

// regionalLoadFactors weight how much of the national load a region draws.
var regionalLoadFactors = map[string]float64{
	"Wien":             2.5,
	"Oberösterreich":   1.5,
	"Steiermark":       1.2,
	"Niederösterreich": 1.3,
	"Salzburg":         0.8,
	"Tirol":            0.7,
	"Kärnten":          0.6,
	"Vorarlberg":       0.5,
	"Burgenland":       0.4,
}

// Approximate annual capacity factors per region.
var windCapacityFactors = map[string]float64{
	"Burgenland":       0.28,
	"Niederösterreich": 0.25,
	"Wien":             0.20,
	"Steiermark":       0.22,
	"Oberösterreich":   0.20,
	"Kärnten":          0.18,
	"Salzburg":         0.15,
	"Tirol":            0.15,
	"Vorarlberg":       0.15,
}

var solarCapacityFactors = map[string]float64{
	"Burgenland":       0.12,
	"Niederösterreich": 0.11,
	"Wien":             0.11,
	"Steiermark":       0.11,
	"Oberösterreich":   0.10,
	"Kärnten":          0.12,
	"Salzburg":         0.10,
	"Tirol":            0.11,
	"Vorarlberg":       0.10,
}

// borderBox is the rough area along one border where cross-border flows
// enter the grid.
type borderBox struct {
	latMin, latMax float64
	lonMin, lonMax float64
}

var borderBoxes = map[string]borderBox{
	"DE": {47.5, 48.8, 9.5, 13.0},
	"CZ": {48.5, 49.0, 14.5, 17.0},
	"SK": {47.8, 48.5, 16.5, 17.5},
	"HU": {46.8, 47.8, 16.0, 17.5},
	"SI": {46.3, 47.0, 13.5, 16.0},
	"IT": {46.3, 47.3, 10.0, 13.0},
	"CH": {46.8, 47.5, 9.5, 10.5},
}

// defaultUtilization is used for a source category with no live generation
// figure in the current window.
var defaultUtilization = map[string]float64{
	"hydro_run_of_river": 0.4,
	"hydro_reservoir":    0.3,
	"hydro_pumped":       0.2,
	"wind":               0.2,
	"solar":              0.0,
	"gas":                0.5,
	"coal":               0.3,
	"biomass":            0.5,
	"other":              0.3,
}

// UtilizationFactors calibrates per-source utilization so that scaling every
// plant of a source by its factor reproduces the live aggregate for that
// source (proportional scaling, capped at full output). Sources absent from
// the live data fall back to documented defaults.
func UtilizationFactors(capacityBySource, generationBySource map[string]float64) map[string]float64 {
	factors := make(map[string]float64, len(capacityBySource))
	for src, capacity := range capacityBySource {
		if capacity <= 0 {
			factors[src] = 0
			continue
		}
		gen, ok := generationBySource[src]
		if !ok {
			factors[src] = defaultUtilization[src]
			continue
		}
		factors[src] = math.Min(gen/capacity, 1.0)
	}
	for src, def := range defaultUtilization {
		if _, ok := factors[src]; !ok {
			factors[src] = def
		}
	}
	return factors
}

// PlantEstimate is a power plant with its live production estimate.
type PlantEstimate struct {
	GeoAsset
	ProductionMW float64 `json:"productionMw"`
	Utilization  float64 `json:"utilization"`
	Substation   string  `json:"substation,omitempty"`
}

// SubstationLoad is the derived loading view of one substation.
type SubstationLoad struct {
	GeoAsset
	CapacityMVA   float64            `json:"capacityMva"`
	GenerationMW  float64            `json:"generationMw"`
	LoadMW        float64            `json:"loadMw"`
	CrossBorderMW float64            `json:"crossBorderMw"`
	NetFlowMW     float64            `json:"netFlowMw"`
	LoadPercent   float64            `json:"loadPercent"`
	Status        string             `json:"status"`
	PlantCount    int                `json:"plantCount"`
	BySource      map[string]float64 `json:"generationBySource,omitempty"`
}

// substationCapacityMVA estimates transformer capacity from voltage level.
func substationCapacityMVA(voltageKV int) float64 {
	switch {
	case voltageKV >= 380:
		return 2000
	case voltageKV >= 220:
		return 750
	default:
		return 300
	}
}

// LoadModelInput bundles the store snapshots the load model runs over.
type LoadModelInput struct {
	Plants      []GeoAsset
	Substations []GeoAsset
	// GenerationBySource is the latest live generation per source category, MW.
	GenerationBySource map[string]float64
	// NetFlows is the latest net cross-border flow per country code, MW
	// (positive = import into the zone).
	NetFlows map[string]float64
	// TotalLoadMW is the latest national load; zero falls back to
	// generation plus net imports.
	TotalLoadMW float64
}

// LoadModelResult is the computed substation loading view.
type LoadModelResult struct {
	Substations []SubstationLoad   `json:"substations"`
	Plants      []PlantEstimate    `json:"plants"`
	Utilization map[string]float64 `json:"utilizationFactors"`
}

// BuildLoadModel runs the substation load estimation: calibrate per-source
// utilization against the live aggregate, estimate each plant's output,
// assign plants to their nearest suitable substation, distribute the
// national load regionally, spread border flows over border substations and
// derive a load percentage per substation. Pure function over snapshots.
func BuildLoadModel(in LoadModelInput) LoadModelResult {
	capacityBySource := make(map[string]float64)
	for _, p := range in.Plants {
		capacityBySource[p.Source] += p.CapacityMW
	}
	factors := UtilizationFactors(capacityBySource, in.GenerationBySource)

	plants := make([]PlantEstimate, 0, len(in.Plants))
	for _, p := range in.Plants {
		if p.CapacityMW <= 0 {
			continue
		}
		f := factors[p.Source]
		plants = append(plants, PlantEstimate{
			GeoAsset:     p,
			ProductionMW: p.CapacityMW * f,
			Utilization:  f,
		})
	}

	subs := make([]SubstationLoad, 0, len(in.Substations))
	for _, s := range in.Substations {
		if s.VoltageKV < 110 {
			continue
		}
		subs = append(subs, SubstationLoad{
			GeoAsset:    s,
			CapacityMVA: substationCapacityMVA(s.VoltageKV),
			Status:      "unknown",
			BySource:    make(map[string]float64),
		})
	}

	assignPlants(plants, subs)

	totalLoad := in.TotalLoadMW
	if totalLoad <= 0 {
		for _, g := range in.GenerationBySource {
			totalLoad += g
		}
		for _, f := range in.NetFlows {
			totalLoad += f
		}
	}
	distributeLoad(subs, totalLoad)
	assignBorderFlows(subs, in.NetFlows)

	for i := range subs {
		sub := &subs[i]
		sub.NetFlowMW = sub.GenerationMW - sub.LoadMW + sub.CrossBorderMW
		capacityMW := sub.CapacityMVA * 0.9 // power factor
		if capacityMW > 0 {
			sub.LoadPercent = math.Min(math.Abs(sub.NetFlowMW)/capacityMW*100, 150)
		}
		switch {
		case sub.LoadPercent > 80:
			sub.Status = "high"
		case sub.LoadPercent > 50:
			sub.Status = "medium"
		default:
			sub.Status = "low"
		}
	}

	sort.Slice(subs, func(i, j int) bool { return subs[i].LoadPercent > subs[j].LoadPercent })

	return LoadModelResult{Substations: subs, Plants: plants, Utilization: factors}
}

// assignPlants connects each plant to its nearest suitable substation:
// plants above 50 MW go to the ≥220 kV grid within 50 km, everything else
// to the nearest ≥110 kV substation within 30 km.
func assignPlants(plants []PlantEstimate, subs []SubstationLoad) {
	for i := range plants {
		plant := &plants[i]

		minVoltage, maxDist := 110, 30.0
		if plant.CapacityMW > 50 {
			minVoltage, maxDist = 220, 50.0
		}

		best := -1
		bestDist := math.Inf(1)
		for j := range subs {
			if subs[j].VoltageKV < minVoltage {
				continue
			}
			d := Haversine(plant.Lat, plant.Lon, subs[j].Lat, subs[j].Lon)
			if d < bestDist {
				bestDist = d
				best = j
			}
		}

		if best >= 0 && bestDist < maxDist {
			sub := &subs[best]
			sub.GenerationMW += plant.ProductionMW
			sub.BySource[plant.Source] += plant.ProductionMW
			sub.PlantCount++
			plant.Substation = sub.Name
		}
	}
}

// distributeLoad spreads the national load over substations weighted by
// region and voltage level.
func distributeLoad(subs []SubstationLoad, totalLoad float64) {
	weights := make([]float64, len(subs))
	var totalWeight float64
	for i, sub := range subs {
		factor, ok := regionalLoadFactors[RegionOf(sub.Lat, sub.Lon)]
		if !ok {
			factor = 0.5
		}
		weights[i] = factor * float64(sub.VoltageKV) / 110
		totalWeight += weights[i]
	}
	if totalWeight <= 0 {
		return
	}
	for i := range subs {
		subs[i].LoadMW = totalLoad * weights[i] / totalWeight
	}
}

// assignBorderFlows distributes each country's net flow evenly over the
// ≥220 kV substations inside its border box.
func assignBorderFlows(subs []SubstationLoad, netFlows map[string]float64) {
	for country, net := range netFlows {
		box, ok := borderBoxes[country]
		if !ok || net == 0 {
			continue
		}
		var border []int
		for i, sub := range subs {
			if sub.VoltageKV >= 220 &&
				sub.Lat >= box.latMin && sub.Lat <= box.latMax &&
				sub.Lon >= box.lonMin && sub.Lon <= box.lonMax {
				border = append(border, i)
			}
		}
		if len(border) == 0 {
			continue
		}
		share := net / float64(len(border))
		for _, i := range border {
			subs[i].CrossBorderMW += share
		}
	}
}

// NearestSubstation returns the closest substation of at least minVoltage kV
// within maxRadiusKM of the query point, or ErrNotFound when none qualifies.
func NearestSubstation(subs []GeoAsset, lat, lon float64, minVoltage int, maxRadiusKM float64) (GeoAsset, float64, error) {
	best := -1
	bestDist := math.Inf(1)
	for i, s := range subs {
		if s.Kind != AssetSubstation || s.VoltageKV < minVoltage {
			continue
		}
		d := Haversine(lat, lon, s.Lat, s.Lon)
		if d < bestDist {
			bestDist = d
			best = i
		}
	}
	if best < 0 || bestDist > maxRadiusKM {
		return GeoAsset{}, 0, fmt.Errorf("%w: no substation within %.0f km", ErrNotFound, maxRadiusKM)
	}
	return subs[best], bestDist, nil
}

// FeasibilityResult describes grid-connection feasibility and expected
// renewable yield at a query location.
type FeasibilityResult struct {
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Region string  `json:"region"`

	Tier                 string   `json:"tier"` // easy | medium | challenging | difficult
	NearestSubstation    GeoAsset `json:"nearestSubstation"`
	DistanceKM           float64  `json:"distanceKm"`
	NearbyWindPlants     int      `json:"nearbyWindPlants"`
	NearbyWindCapacityMW float64  `json:"nearbyWindCapacityMw"`
	NearbySolarPlants    int      `json:"nearbySolarPlants"`

	WindCapacityFactor  float64 `json:"windCapacityFactor"`
	SolarCapacityFactor float64 `json:"solarCapacityFactor"`
	// Reference yields: a 10 kW rooftop PV system and a 3 MW wind turbine.
	Solar10kWAnnualKWh float64 `json:"solar10kwAnnualKwh"`
	Wind3MWAnnualMWh   float64 `json:"wind3mwAnnualMwh"`
}

// FeasibilityRadiusKM bounds the substation search for feasibility checks.
const FeasibilityRadiusKM = 50.0

// CheckFeasibility evaluates a candidate wind/solar site: nearest ≥110 kV
// substation within the search radius, a connection tier from its distance,
// nearby existing installations, and regional yield estimates. Pure function
// over the asset snapshots; returns ErrNotFound if no substation is in range.
func CheckFeasibility(lat, lon float64, substations, plants []GeoAsset) (FeasibilityResult, error) {
	nearest, dist, err := NearestSubstation(substations, lat, lon, 110, FeasibilityRadiusKM)
	if err != nil {
		return FeasibilityResult{}, err
	}

	region := RegionOf(lat, lon)
	windCF := windCapacityFactors[region]
	solarCF := solarCapacityFactors[region]

	result := FeasibilityResult{
		Lat:                 lat,
		Lon:                 lon,
		Region:              region,
		NearestSubstation:   nearest,
		DistanceKM:          math.Round(dist*10) / 10,
		WindCapacityFactor:  windCF,
		SolarCapacityFactor: solarCF,
		Solar10kWAnnualKWh:  math.Round(10 * solarCF * 8760),
		Wind3MWAnnualMWh:    math.Round(3 * windCF * 8760),
	}

	switch {
	case dist < 5:
		result.Tier = "easy"
	case dist < 15:
		result.Tier = "medium"
	case dist < 30:
		result.Tier = "challenging"
	default:
		result.Tier = "difficult"
	}

	for _, p := range plants {
		if Haversine(lat, lon, p.Lat, p.Lon) >= 10 {
			continue
		}
		switch p.Source {
		case "wind":
			result.NearbyWindPlants++
			result.NearbyWindCapacityMW += p.CapacityMW
		case "solar":
			result.NearbySolarPlants++
		}
	}
	result.NearbyWindCapacityMW = math.Round(result.NearbyWindCapacityMW*10) / 10

	return result, nil
}
