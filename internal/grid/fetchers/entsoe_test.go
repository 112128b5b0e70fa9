package fetchers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raffopenssh/austria-grid/internal/grid"
)

func testGenerationSeries() grid.Series {
	return grid.Series{
		ID:       grid.MakeSeriesID("AT", "generation"),
		Zone:     "AT",
		Metric:   "generation",
		DocType:  grid.DocGeneration,
		InDomain: grid.ZoneAT,
		Interval: 15 * time.Minute,
	}
}

func fetchWindow() (time.Time, time.Time) {
	from := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return from, from.Add(time.Hour)
}

func TestEntsoeRequestParameters(t *testing.T) {
	var query url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		w.Write([]byte("<GL_MarketDocument/>"))
	}))
	defer server.Close()

	client := NewEntsoeClient(server.Client(), server.URL, "secret-token")
	from, to := fetchWindow()

	_, schema, err := client.Fetch(context.Background(), testGenerationSeries(), from, to)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if schema != grid.SchemaGL {
		t.Fatalf("schema = %s, want gl", schema)
	}

	want := map[string]string{
		"securityToken": "secret-token",
		"documentType":  "A75",
		"processType":   "A16",
		"in_Domain":     grid.ZoneAT,
		"periodStart":   "202405011000",
		"periodEnd":     "202405011100",
	}
	for k, v := range want {
		if got := query.Get(k); got != v {
			t.Fatalf("param %s = %q, want %q", k, got, v)
		}
	}
}

func TestEntsoeLoadUsesOutBiddingZone(t *testing.T) {
	var query url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		w.Write([]byte("<GL_MarketDocument/>"))
	}))
	defer server.Close()

	series := testGenerationSeries()
	series.Metric = "load"
	series.DocType = grid.DocLoad

	client := NewEntsoeClient(server.Client(), server.URL, "secret-token")
	from, to := fetchWindow()
	if _, _, err := client.Fetch(context.Background(), series, from, to); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if got := query.Get("outBiddingZone_Domain"); got != grid.ZoneAT {
		t.Fatalf("outBiddingZone_Domain = %q, want %q", got, grid.ZoneAT)
	}
	if query.Get("in_Domain") != "" {
		t.Fatalf("load request must not carry in_Domain")
	}
}

func TestEntsoeMissingToken(t *testing.T) {
	client := NewEntsoeClient(http.DefaultClient, "http://127.0.0.1:1", "")
	from, to := fetchWindow()

	_, _, err := client.Fetch(context.Background(), testGenerationSeries(), from, to)

	var fe *grid.FetchError
	if !errors.As(err, &fe) || fe.Kind != grid.FetchAuthRejected {
		t.Fatalf("expected auth_rejected without token, got %v", err)
	}
}

func TestEntsoeInvertedWindow(t *testing.T) {
	client := NewEntsoeClient(http.DefaultClient, "http://127.0.0.1:1", "token")
	from, to := fetchWindow()

	_, _, err := client.Fetch(context.Background(), testGenerationSeries(), to, from)
	if !errors.Is(err, grid.ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}

func TestEntsoeAuthRejectedNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewEntsoeClient(server.Client(), server.URL, "bad-token")
	from, to := fetchWindow()

	_, _, err := client.Fetch(context.Background(), testGenerationSeries(), from, to)

	var fe *grid.FetchError
	if !errors.As(err, &fe) || fe.Kind != grid.FetchAuthRejected {
		t.Fatalf("expected auth_rejected, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("auth rejection retried %d times", calls.Load())
	}
}

func TestEntsoeRateLimitCarriesRetryAfter(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewEntsoeClient(server.Client(), server.URL, "token")
	from, to := fetchWindow()

	_, _, err := client.Fetch(context.Background(), testGenerationSeries(), from, to)

	var fe *grid.FetchError
	if !errors.As(err, &fe) || fe.Kind != grid.FetchRateLimited {
		t.Fatalf("expected rate_limited, got %v", err)
	}
	if fe.RetryAfter != 2*time.Minute {
		t.Fatalf("RetryAfter = %s, want 2m", fe.RetryAfter)
	}
	if calls.Load() != 1 {
		t.Fatalf("rate limit retried %d times", calls.Load())
	}
}

func TestEntsoeRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("<GL_MarketDocument/>"))
	}))
	defer server.Close()

	client := NewEntsoeClient(server.Client(), server.URL, "token")
	from, to := fetchWindow()

	body, _, err := client.Fetch(context.Background(), testGenerationSeries(), from, to)
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if string(body) != "<GL_MarketDocument/>" {
		t.Fatalf("unexpected body %q", body)
	}
	if calls.Load() != 3 {
		t.Fatalf("server called %d times, want 3", calls.Load())
	}
}

func TestSchemaFor(t *testing.T) {
	cases := []struct {
		docType string
		want    grid.Schema
	}{
		{grid.DocGeneration, grid.SchemaGL},
		{grid.DocLoad, grid.SchemaGL},
		{grid.DocPrices, grid.SchemaPublication},
		{grid.DocFlows, grid.SchemaPublication},
	}
	for _, tc := range cases {
		got, err := schemaFor(tc.docType)
		if err != nil {
			t.Fatalf("%s: %v", tc.docType, err)
		}
		if got != tc.want {
			t.Fatalf("%s: schema %s, want %s", tc.docType, got, tc.want)
		}
	}

	if _, err := schemaFor("A99"); !errors.Is(err, grid.ErrUnknownSeries) {
		t.Fatalf("expected ErrUnknownSeries for unsupported document type")
	}
}
