package grid

import (
	"encoding/xml"
	"fmt"
	"sort"
	"time"
)

// Schema tags the finite set of source document shapes we accept. Anything
// that does not decode as the tagged schema is a hard SchemaMismatch; the
// normalizer never guesses fields.
type Schema string

const (
	// SchemaGL covers GL_MarketDocument: actual generation per type (A75)
	// and total load (A65).
	SchemaGL Schema = "gl"
	// SchemaPublication covers Publication_MarketDocument: day-ahead prices
	// (A44) and cross-border physical flows (A11).
	SchemaPublication Schema = "publication"
)

// entsoeTime is the timestamp layout used inside market document intervals.
const entsoeTime = "2006-01-02T15:04Z"

// PSR type codes to the source categories shared with the OSM plant data.
var psrToSource = map[string]string{
	"B01": "biomass",
	"B02": "coal",
	"B04": "gas",
	"B05": "coal",
	"B06": "oil",
	"B09": "geothermal",
	"B10": "hydro_pumped",
	"B11": "hydro_run_of_river",
	"B12": "hydro_reservoir",
	"B15": "other",
	"B16": "solar",
	"B17": "waste",
	"B18": "wind",
	"B19": "wind",
	"B20": "other",
}

type glDocument struct {
	XMLName        xml.Name       `xml:"GL_MarketDocument"`
	Type           string         `xml:"type"`
	RevisionNumber int            `xml:"revisionNumber"`
	TimeSeries     []glTimeSeries `xml:"TimeSeries"`
}

type glTimeSeries struct {
	PsrType struct {
		Code string `xml:"psrType"`
	} `xml:"MktPSRType"`
	Unit    string     `xml:"quantity_Measure_Unit.name"`
	Periods []xmlPeriod `xml:"Period"`
	// inBiddingZone carries generation, outBiddingZone consumption offtake;
	// load documents use outBiddingZone_Domain on the series itself.
	InBiddingZone  string `xml:"inBiddingZone_Domain.mRID"`
	OutBiddingZone string `xml:"outBiddingZone_Domain.mRID"`
}

type publicationDocument struct {
	XMLName        xml.Name                `xml:"Publication_MarketDocument"`
	Type           string                  `xml:"type"`
	RevisionNumber int                     `xml:"revisionNumber"`
	TimeSeries     []publicationTimeSeries `xml:"TimeSeries"`
}

type publicationTimeSeries struct {
	Currency string      `xml:"currency_Unit.name"`
	Unit     string      `xml:"price_Measure_Unit.name"`
	FlowUnit string      `xml:"quantity_Measure_Unit.name"`
	Periods  []xmlPeriod `xml:"Period"`
}

type xmlPeriod struct {
	TimeInterval struct {
		Start string `xml:"start"`
		End   string `xml:"end"`
	} `xml:"timeInterval"`
	Resolution string     `xml:"resolution"`
	Points     []xmlPoint `xml:"Point"`
}

type xmlPoint struct {
	Position int     `xml:"position"`
	Quantity float64 `xml:"quantity"`
	Price    float64 `xml:"price.amount"`
}

type ackDocument struct {
	XMLName xml.Name `xml:"Acknowledgement_MarketDocument"`
	Reason  struct {
		Code string `xml:"code"`
		Text string `xml:"text"`
	} `xml:"Reason"`
}

// Normalize converts a raw ENTSO-E market document into canonical series
// points for the given registered series. It is a pure function: no I/O, no
// clock reads. Payloads that do not match the tagged schema, carry an unknown
// unit, or use an unknown resolution fail with ErrSchemaMismatch. An
// acknowledgement document is surfaced as *AckError.
func Normalize(payload []byte, schema Schema, series Series) ([]SeriesPoint, error) {
	if ack := parseAck(payload); ack != nil {
		return nil, ack
	}

	var points []SeriesPoint
	var err error
	switch schema {
	case SchemaGL:
		points, err = normalizeGL(payload, series)
	case SchemaPublication:
		points, err = normalizePublication(payload, series)
	default:
		return nil, fmt.Errorf("%w: unknown schema %q", ErrSchemaMismatch, schema)
	}
	if err != nil {
		return nil, err
	}

	sort.Slice(points, func(i, j int) bool {
		if points[i].SeriesID != points[j].SeriesID {
			return points[i].SeriesID < points[j].SeriesID
		}
		return points[i].Timestamp.Before(points[j].Timestamp)
	})
	return points, nil
}

func parseAck(payload []byte) *AckError {
	var ack ackDocument
	if err := xml.Unmarshal(payload, &ack); err != nil {
		return nil
	}
	return &AckError{Code: ack.Reason.Code, Text: ack.Reason.Text}
}

func normalizeGL(payload []byte, series Series) ([]SeriesPoint, error) {
	var doc glDocument
	if err := xml.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: not a GL_MarketDocument: %v", ErrSchemaMismatch, err)
	}
	if len(doc.TimeSeries) == 0 {
		return nil, fmt.Errorf("%w: GL_MarketDocument without time series", ErrSchemaMismatch)
	}

	correction := doc.RevisionNumber > 1

	// Generation documents carry one TimeSeries per production type. Values
	// are summed per timestamp into the aggregate series and per source
	// category into the sub-series; several PSR types can map to one
	// category (B18+B19 are both wind), so sub-series accumulate too.
	totals := make(map[time.Time]float64)
	bySource := make(map[string]map[time.Time]float64)
	var points []SeriesPoint

	for _, ts := range doc.TimeSeries {
		if _, err := canonicalUnit(ts.Unit); err != nil {
			return nil, err
		}

		// Consumption offtake of storage pumps is reported as a separate
		// outBiddingZone series for generation documents; skip it so the
		// aggregate matches net generation.
		if series.DocType == DocGeneration && ts.InBiddingZone == "" && ts.OutBiddingZone != "" {
			continue
		}

		source := ""
		if ts.PsrType.Code != "" {
			src, ok := psrToSource[ts.PsrType.Code]
			if !ok {
				return nil, fmt.Errorf("%w: unknown production type %q", ErrSchemaMismatch, ts.PsrType.Code)
			}
			source = src
		}

		for _, period := range ts.Periods {
			expanded, err := expandPeriod(period)
			if err != nil {
				return nil, err
			}
			for stamp, value := range expanded {
				if source != "" {
					stamps := bySource[source]
					if stamps == nil {
						stamps = make(map[time.Time]float64)
						bySource[source] = stamps
					}
					stamps[stamp] += value
				}
				totals[stamp] += value
			}
		}
	}

	for source, stamps := range bySource {
		for stamp, value := range stamps {
			points = append(points, SeriesPoint{
				SeriesID:   MakeSeriesID(series.Zone, series.Metric+"."+source),
				Timestamp:  stamp,
				Value:      value,
				Unit:       UnitMW,
				Correction: correction,
			})
		}
	}

	for stamp, value := range totals {
		points = append(points, SeriesPoint{
			SeriesID:   series.ID,
			Timestamp:  stamp,
			Value:      value,
			Unit:       UnitMW,
			Correction: correction,
		})
	}

	return points, nil
}

func normalizePublication(payload []byte, series Series) ([]SeriesPoint, error) {
	var doc publicationDocument
	if err := xml.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: not a Publication_MarketDocument: %v", ErrSchemaMismatch, err)
	}
	if len(doc.TimeSeries) == 0 {
		return nil, fmt.Errorf("%w: Publication_MarketDocument without time series", ErrSchemaMismatch)
	}

	correction := doc.RevisionNumber > 1
	isPrice := series.DocType == DocPrices

	var points []SeriesPoint
	for _, ts := range doc.TimeSeries {
		var unit Unit
		if isPrice {
			if ts.Currency != "EUR" || ts.Unit != "MWH" {
				return nil, fmt.Errorf("%w: unexpected price unit %s/%s", ErrSchemaMismatch, ts.Currency, ts.Unit)
			}
			unit = UnitEURMWh
		} else {
			u, err := canonicalUnit(ts.FlowUnit)
			if err != nil {
				return nil, err
			}
			unit = u
		}

		for _, period := range ts.Periods {
			expanded, err := expandPeriodWith(period, func(p xmlPoint) float64 {
				if isPrice {
					return p.Price
				}
				return p.Quantity
			})
			if err != nil {
				return nil, err
			}
			for stamp, value := range expanded {
				points = append(points, SeriesPoint{
					SeriesID:   series.ID,
					Timestamp:  stamp,
					Value:      value,
					Unit:       unit,
					Correction: correction,
				})
			}
		}
	}

	return points, nil
}

func expandPeriod(period xmlPeriod) (map[time.Time]float64, error) {
	return expandPeriodWith(period, func(p xmlPoint) float64 { return p.Quantity })
}

// expandPeriodWith turns position-indexed points into UTC timestamps using
// the period start and resolution. Unknown resolutions are rejected rather
// than approximated.
func expandPeriodWith(period xmlPeriod, value func(xmlPoint) float64) (map[time.Time]float64, error) {
	start, err := time.Parse(entsoeTime, period.TimeInterval.Start)
	if err != nil {
		return nil, fmt.Errorf("%w: bad period start %q", ErrSchemaMismatch, period.TimeInterval.Start)
	}
	start = start.UTC()

	step, err := resolutionStep(period.Resolution)
	if err != nil {
		return nil, err
	}

	out := make(map[time.Time]float64, len(period.Points))
	for _, p := range period.Points {
		if p.Position < 1 {
			return nil, fmt.Errorf("%w: point position %d", ErrSchemaMismatch, p.Position)
		}
		stamp := start.Add(time.Duration(p.Position-1) * step)
		out[stamp] = value(p)
	}
	return out, nil
}

func resolutionStep(resolution string) (time.Duration, error) {
	switch resolution {
	case "PT15M":
		return 15 * time.Minute, nil
	case "PT30M":
		return 30 * time.Minute, nil
	case "PT60M", "PT1H":
		return time.Hour, nil
	default:
		return 0, fmt.Errorf("%w: unknown resolution %q", ErrSchemaMismatch, resolution)
	}
}

// canonicalUnit maps a source measure unit onto exactly one canonical unit.
// The mapping is total: anything outside it is a hard failure, not a default.
func canonicalUnit(raw string) (Unit, error) {
	switch raw {
	case "MAW", "MW":
		return UnitMW, nil
	default:
		return "", fmt.Errorf("%w: unknown measure unit %q", ErrSchemaMismatch, raw)
	}
}
