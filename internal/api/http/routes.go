package httpapi

import (
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/raffopenssh/austria-grid/internal/grid"
)

var validate = validator.New()

// defaultZone is the bidding zone served when none is given.
const defaultZone = "AT"

// RegisterRoutes wires the read-only HTTP handlers into the Fiber app.
// Every endpoint answers from the store; nothing here ever fetches.
func RegisterRoutes(app *fiber.App, service *grid.Service) {
	v1 := app.Group("/api/v1")

	v1.Get("/series/:id", func(c *fiber.Ctx) error {
		var req rangeQuery
		if err := req.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		window, err := service.GetSeries(c.Context(), grid.SeriesID(c.Params("id")), req.From, req.To)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(window)
	})

	v1.Get("/generation", func(c *fiber.Ctx) error {
		var req rangeQuery
		if err := req.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		total, bySource, err := service.GenerationBreakdown(c.Context(), defaultZone, req.From, req.To)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(fiber.Map{
			"zone":      defaultZone,
			"from":      req.From,
			"to":        req.To,
			"staleness": total.Staleness,
			"total":     total.Points,
			"bySource":  bySource,
		})
	})

	v1.Get("/prices", seriesWindowHandler(service, grid.MakeSeriesID(defaultZone, "price")))
	v1.Get("/load", seriesWindowHandler(service, grid.MakeSeriesID(defaultZone, "load")))

	v1.Get("/flows", func(c *fiber.Ctx) error {
		flows := service.LatestFlows(c.Context(), defaultZone)
		if len(flows) == 0 {
			return fiber.NewError(fiber.StatusNotFound, "no cross-border flow data")
		}
		return c.JSON(fiber.Map{"zone": defaultZone, "flows": flows})
	})

	v1.Get("/substations/load", func(c *fiber.Ctx) error {
		result, err := service.SubstationLoads(c.Context(), defaultZone)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(result)
	})

	v1.Get("/plants", func(c *fiber.Ctx) error {
		result, err := service.SubstationLoads(c.Context(), defaultZone)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(fiber.Map{
			"plants":             result.Plants,
			"utilizationFactors": result.Utilization,
		})
	})

	v1.Get("/feasibility", func(c *fiber.Ctx) error {
		var req feasibilityQuery
		if err := req.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		result, err := service.Feasibility(c.Context(), req.Lat, req.Lon)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(result)
	})
}

func seriesWindowHandler(service *grid.Service, id grid.SeriesID) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req rangeQuery
		if err := req.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		window, err := service.GetSeries(c.Context(), id, req.From, req.To)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(window)
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, grid.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, grid.ErrOutOfRange), errors.Is(err, grid.ErrUnknownSeries):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, "query failed")
	}
}

// rangeQuery holds the from/to window of a range endpoint.
type rangeQuery struct {
	From time.Time `validate:"required"`
	To   time.Time `validate:"required,gtefield=From"`
}

func (r *rangeQuery) bind(c *fiber.Ctx) error {
	fromStr := c.Query("from")
	toStr := c.Query("to")
	if fromStr == "" || toStr == "" {
		return errors.New("from and to query parameters are required")
	}

	from, err := parseTime(fromStr)
	if err != nil {
		return err
	}
	to, err := parseTime(toStr)
	if err != nil {
		return err
	}

	r.From = from
	r.To = to
	return validate.Struct(r)
}

// feasibilityQuery holds the coordinates of a feasibility check. Presence
// is checked in bind; a literal 0 is a valid coordinate.
type feasibilityQuery struct {
	Lat float64 `validate:"gte=-90,lte=90"`
	Lon float64 `validate:"gte=-180,lte=180"`
}

func (f *feasibilityQuery) bind(c *fiber.Ctx) error {
	latStr := c.Query("lat")
	lonStr := c.Query("lon")
	if latStr == "" || lonStr == "" {
		return errors.New("lat and lon query parameters are required")
	}

	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		return errors.New("invalid lat")
	}
	lon, err := strconv.ParseFloat(lonStr, 64)
	if err != nil {
		return errors.New("invalid lon")
	}

	f.Lat = lat
	f.Lon = lon
	return validate.Struct(f)
}

// parseTime tries to parse either RFC3339 or Unix seconds.
func parseTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, errors.New("invalid time format; use RFC3339 or unix seconds")
}
