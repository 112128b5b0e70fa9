package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/raffopenssh/austria-grid/internal/grid"
	"github.com/raffopenssh/austria-grid/internal/store"
)

const goodGenerationDoc = `<GL_MarketDocument>
  <type>A75</type>
  <revisionNumber>1</revisionNumber>
  <TimeSeries>
    <inBiddingZone_Domain.mRID>10YAT-APG------L</inBiddingZone_Domain.mRID>
    <quantity_Measure_Unit.name>MAW</quantity_Measure_Unit.name>
    <MktPSRType><psrType>B19</psrType></MktPSRType>
    <Period>
      <timeInterval>
        <start>2024-05-01T10:00Z</start>
        <end>2024-05-01T10:30Z</end>
      </timeInterval>
      <resolution>PT15M</resolution>
      <Point><position>1</position><quantity>120.5</quantity></Point>
      <Point><position>2</position><quantity>118.0</quantity></Point>
    </Period>
  </TimeSeries>
</GL_MarketDocument>`

// seriesFetcher serves a canned payload per series id.
type seriesFetcher struct {
	payloads map[grid.SeriesID][]byte
	errs     map[grid.SeriesID]error
}

func (f *seriesFetcher) Fetch(_ context.Context, series grid.Series, _, _ time.Time) ([]byte, grid.Schema, error) {
	if err, ok := f.errs[series.ID]; ok {
		return nil, "", err
	}
	return f.payloads[series.ID], grid.SchemaGL, nil
}

func newTestScheduler(t *testing.T, fetcher grid.Fetcher, series []grid.Series) (*Scheduler, *store.SQLiteStore) {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	service := grid.NewService(db, grid.NewRegistry(series), 2.0)
	return New(service, db, fetcher, nil, Options{}), db
}

func testSeries(zone, metric string, interval time.Duration) grid.Series {
	return grid.Series{
		ID:       grid.MakeSeriesID(zone, metric),
		Zone:     zone,
		Metric:   metric,
		DocType:  grid.DocGeneration,
		InDomain: grid.ZoneAT,
		Interval: interval,
	}
}

func TestFailureIsolation(t *testing.T) {
	good := testSeries("AT", "generation", 15*time.Minute)
	bad := testSeries("AT", "load", 15*time.Minute)

	fetcher := &seriesFetcher{
		payloads: map[grid.SeriesID][]byte{
			good.ID: []byte(goodGenerationDoc),
			bad.ID:  []byte("<nonsense/>"),
		},
	}
	s, db := newTestScheduler(t, fetcher, []grid.Series{good, bad})
	ctx := context.Background()

	s.attempt(ctx, s.jobs[good.ID])
	s.attempt(ctx, s.jobs[bad.ID])

	goodState := s.jobs[good.ID].state
	badState := s.jobs[bad.ID].state

	if goodState.LastSuccess.IsZero() || goodState.Failures != 0 {
		t.Fatalf("healthy series affected: %+v", goodState)
	}
	if badState.Failures != 1 || badState.LastError == "" {
		t.Fatalf("failing series not backed off: %+v", badState)
	}

	// The healthy series' data actually landed.
	points, _, err := db.QueryRange(ctx, good.ID,
		time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("got %d points for healthy series, want 2", len(points))
	}

	// Both outcomes were persisted.
	states, err := db.LoadJobStates(ctx)
	if err != nil {
		t.Fatalf("load job states: %v", err)
	}
	if states[good.ID].Failures != 0 || states[bad.ID].Failures != 1 {
		t.Fatalf("persisted states wrong: %+v", states)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	series := testSeries("AT", "generation", 15*time.Minute)
	s, _ := newTestScheduler(t, &seriesFetcher{}, []grid.Series{series})

	j := s.jobs[series.ID]
	err := errors.New("boom")

	want := []time.Duration{
		15 * time.Minute,  // 1st failure
		30 * time.Minute,  // 2nd
		60 * time.Minute,  // 3rd
		120 * time.Minute, // 4th, reaches the 8x cap
		120 * time.Minute, // 5th, stays capped
		120 * time.Minute, // 6th
	}
	for i, w := range want {
		j.state.Failures = i + 1
		if got := s.backoffDelay(j, err); got != w {
			t.Fatalf("failure %d: delay %s, want %s", i+1, got, w)
		}
	}
}

func TestBackoffHonoursRetryAfter(t *testing.T) {
	series := testSeries("AT", "generation", 15*time.Minute)
	s, _ := newTestScheduler(t, &seriesFetcher{}, []grid.Series{series})
	j := s.jobs[series.ID]

	j.state.Failures = 1
	rateLimited := &grid.FetchError{Kind: grid.FetchRateLimited, RetryAfter: 45 * time.Minute}
	if got := s.backoffDelay(j, rateLimited); got != 45*time.Minute {
		t.Fatalf("delay %s, want server hint 45m", got)
	}

	// A hint shorter than the computed backoff is ignored.
	j.state.Failures = 4
	rateLimited.RetryAfter = 10 * time.Minute
	if got := s.backoffDelay(j, rateLimited); got != 120*time.Minute {
		t.Fatalf("delay %s, want computed 120m", got)
	}
}

func TestBackoffAfterFailuresThenRecovery(t *testing.T) {
	series := testSeries("AT", "generation", 15*time.Minute)

	fetcher := &seriesFetcher{
		errs: map[grid.SeriesID]error{
			series.ID: &grid.FetchError{Kind: grid.FetchUnreachable, Err: errors.New("connection refused")},
		},
	}
	s, _ := newTestScheduler(t, fetcher, []grid.Series{series})
	ctx := context.Background()
	j := s.jobs[series.ID]

	s.attempt(ctx, j)
	s.attempt(ctx, j)
	if j.state.Failures != 2 {
		t.Fatalf("failures = %d, want 2", j.state.Failures)
	}
	if j.nextAttempt.IsZero() {
		t.Fatalf("no backoff deadline set")
	}

	// Upstream recovers: the next attempt resets the bookkeeping.
	fetcher.errs = nil
	fetcher.payloads = map[grid.SeriesID][]byte{series.ID: []byte(goodGenerationDoc)}

	s.attempt(ctx, j)
	if j.state.Failures != 0 || j.state.LastError != "" {
		t.Fatalf("state not reset after recovery: %+v", j.state)
	}
	if !j.nextAttempt.IsZero() {
		t.Fatalf("backoff deadline not cleared")
	}
}

func TestIsDue(t *testing.T) {
	series := testSeries("AT", "generation", 15*time.Minute)
	s, _ := newTestScheduler(t, &seriesFetcher{}, []grid.Series{series})
	j := s.jobs[series.ID]
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	// Never run: due immediately.
	if !s.isDue(j, now) {
		t.Fatalf("fresh job not due")
	}

	// Healthy: due only once the interval elapsed.
	j.state.LastSuccess = now.Add(-10 * time.Minute)
	if s.isDue(j, now) {
		t.Fatalf("due before interval elapsed")
	}
	j.state.LastSuccess = now.Add(-15 * time.Minute)
	if !s.isDue(j, now) {
		t.Fatalf("not due at interval boundary")
	}

	// Failing: the backoff deadline wins over the interval.
	j.state.Failures = 2
	j.nextAttempt = now.Add(time.Minute)
	if s.isDue(j, now) {
		t.Fatalf("due while backing off")
	}
	j.nextAttempt = now
	if !s.isDue(j, now) {
		t.Fatalf("not due once backoff expired")
	}
}

func TestAttemptRecoversFromPanic(t *testing.T) {
	series := testSeries("AT", "generation", 15*time.Minute)
	s, _ := newTestScheduler(t, &seriesFetcher{}, []grid.Series{series})
	j := s.jobs[series.ID]
	j.run = func(context.Context, *job) error { panic("exploded") }

	s.attempt(context.Background(), j)

	if j.state.Failures != 1 {
		t.Fatalf("panic not recorded as failure: %+v", j.state)
	}
	if j.inFlight {
		t.Fatalf("job left in flight after panic")
	}
}

func TestAckNoDataCountsAsSuccess(t *testing.T) {
	series := testSeries("AT", "generation", 15*time.Minute)

	fetcher := &seriesFetcher{payloads: map[grid.SeriesID][]byte{
		series.ID: []byte(`<Acknowledgement_MarketDocument><Reason><code>999</code><text>No matching data found</text></Reason></Acknowledgement_MarketDocument>`),
	}}
	s, _ := newTestScheduler(t, fetcher, []grid.Series{series})
	j := s.jobs[series.ID]

	s.attempt(context.Background(), j)

	if j.state.Failures != 0 || j.state.LastSuccess.IsZero() {
		t.Fatalf("empty window treated as failure: %+v", j.state)
	}
}
