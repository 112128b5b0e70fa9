package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/raffopenssh/austria-grid/internal/grid"
)

// AppConfig holds every runtime option. All of it comes from the
// environment (plus an optional YAML series registry); nothing is hidden in
// code.
type AppConfig struct {
	// EntsoeAPIToken authenticates against the transparency platform
	// (ENTSOE_API_TOKEN).
	EntsoeAPIToken string
	// EntsoeBaseURL overrides the transparency API endpoint, mainly for
	// tests (ENTSOE_BASE_URL).
	EntsoeBaseURL string
	// OverpassURL overrides the Overpass endpoint (OVERPASS_URL).
	OverpassURL string

	// FetchInterval is the base refresh interval per series
	// (FETCH_INTERVAL, default 15m).
	FetchInterval time.Duration
	// GeoRefreshInterval is how often the OSM snapshots are re-extracted
	// (GEO_REFRESH_INTERVAL, default 24h).
	GeoRefreshInterval time.Duration
	// StaleTolerance is the multiple of a series' interval after which its
	// data counts as stale (STALE_TOLERANCE, default 2.0).
	StaleTolerance float64
	// FetchWorkers bounds concurrent fetch attempts (FETCH_WORKERS,
	// default 4).
	FetchWorkers int

	// DBPath is the SQLite database location (DB_PATH).
	DBPath string
	// HTTPTimeout bounds outbound API calls (HTTP_TIMEOUT, default 30s).
	HTTPTimeout time.Duration
	// Port is the listen port of the serving API (PORT, default 8080).
	Port string

	// Series is the registry of fetchable series: the built-in Austrian
	// set, or the contents of the YAML file named by SERIES_CONFIG.
	Series []grid.Series
}

// seriesFile is the YAML layout of an external series registry.
type seriesFile struct {
	Series []struct {
		Zone      string `yaml:"zone"`
		Metric    string `yaml:"metric"`
		DocType   string `yaml:"docType"`
		InDomain  string `yaml:"inDomain"`
		OutDomain string `yaml:"outDomain"`
		Interval  string `yaml:"interval"`
	} `yaml:"series"`
}

// Load reads configuration from the environment with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("INFO: No .env file found or error loading it: %v", err)
	}

	cfg := &AppConfig{}
	cfg.EntsoeAPIToken = os.Getenv("ENTSOE_API_TOKEN")
	cfg.EntsoeBaseURL = os.Getenv("ENTSOE_BASE_URL")
	cfg.OverpassURL = os.Getenv("OVERPASS_URL")
	cfg.DBPath = getenvDefault("DB_PATH", "data/grid.db")
	cfg.Port = getenvDefault("PORT", "8080")
	cfg.FetchWorkers = getenvInt("FETCH_WORKERS", 4)

	var err error
	if cfg.FetchInterval, err = getenvDuration("FETCH_INTERVAL", "15m"); err != nil {
		return nil, err
	}
	if cfg.GeoRefreshInterval, err = getenvDuration("GEO_REFRESH_INTERVAL", "24h"); err != nil {
		return nil, err
	}
	if cfg.HTTPTimeout, err = getenvDuration("HTTP_TIMEOUT", "30s"); err != nil {
		return nil, err
	}

	cfg.StaleTolerance = getenvFloat("STALE_TOLERANCE", 2.0)
	if cfg.StaleTolerance <= 0 {
		return nil, fmt.Errorf("invalid STALE_TOLERANCE: must be positive")
	}

	if path := os.Getenv("SERIES_CONFIG"); path != "" {
		series, err := loadSeriesFile(path, cfg.FetchInterval)
		if err != nil {
			return nil, err
		}
		cfg.Series = series
	} else {
		cfg.Series = grid.DefaultSeries(cfg.FetchInterval)
	}

	return cfg, nil
}

func loadSeriesFile(path string, defaultInterval time.Duration) ([]grid.Series, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read SERIES_CONFIG %s: %w", path, err)
	}

	var file seriesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse SERIES_CONFIG %s: %w", path, err)
	}
	if len(file.Series) == 0 {
		return nil, fmt.Errorf("SERIES_CONFIG %s: no series defined", path)
	}

	series := make([]grid.Series, 0, len(file.Series))
	for _, s := range file.Series {
		interval := defaultInterval
		if s.Interval != "" {
			interval, err = time.ParseDuration(s.Interval)
			if err != nil {
				return nil, fmt.Errorf("SERIES_CONFIG %s: series %s-%s: invalid interval: %w", path, s.Zone, s.Metric, err)
			}
		}
		series = append(series, grid.Series{
			ID:        grid.MakeSeriesID(s.Zone, s.Metric),
			Zone:      s.Zone,
			Metric:    s.Metric,
			DocType:   s.DocType,
			InDomain:  s.InDomain,
			OutDomain: s.OutDomain,
			Interval:  interval,
		})
	}
	return series, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getenvDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(getenvDefault(key, def))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
