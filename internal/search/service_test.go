package search_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alex-user-go/globefare/internal/logging"
	"github.com/alex-user-go/globefare/internal/memory"
	"github.com/alex-user-go/globefare/internal/obs"
	"github.com/alex-user-go/globefare/internal/pivots"
	"github.com/alex-user-go/globefare/internal/reference"
	"github.com/alex-user-go/globefare/internal/search"
	"github.com/alex-user-go/globefare/internal/search/cache"
	"github.com/alex-user-go/globefare/internal/search/types"
)

type fakeSearcher struct {
	flights []types.Flight
	calls   atomic.Int32

	mu  sync.Mutex
	err error
}

func (f *fakeSearcher) Search(ctx context.Context, dest, date string) (*types.Result, error) {
	f.calls.Add(1)
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	flights := append([]types.Flight(nil), f.flights...)
	return &types.Result{
		Flights:         flights,
		PivotsSearched:  3,
		PivotsSucceeded: 3,
		TotalFound:      len(flights),
		DirectFound:     len(flights),
		DirectReturned:  len(flights),
	}, nil
}

func (f *fakeSearcher) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type serviceEnv struct {
	svc      *search.Service
	cache    *cache.Cache
	searcher *fakeSearcher
	memory   *memory.Store
}

func newServiceEnv(t *testing.T, policy cache.Policy, flights ...types.Flight) *serviceEnv {
	t.Helper()
	metrics := obs.NewMetrics()
	c, err := cache.New(t.TempDir(), policy, metrics, logging.Nop())
	require.NoError(t, err)

	mem, err := memory.Open(memory.Options{InMemory: true, MaxEntries: 50})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })

	names, err := reference.Load("", "")
	require.NoError(t, err)

	s := &fakeSearcher{flights: flights}
	return &serviceEnv{
		svc:      search.NewService(c, s, names, mem, metrics, logging.Nop()),
		cache:    c,
		searcher: s,
		memory:   mem,
	}
}

func defaultPolicy() cache.Policy {
	return cache.Policy{
		ProtectedTTL:        12 * time.Hour,
		ShortTTL:            2 * time.Hour,
		RouteTTL:            12 * time.Hour,
		NoDataTTL:           2 * time.Hour,
		ProtectionThreshold: 15,
	}
}

func sampleFlights() []types.Flight {
	return []types.Flight{
		{ID: "1", AirlineCode: "SQ", FlightNumber: "SQ938", From: "SIN", To: "DPS", Price: 150, Currency: "EUR"},
		{ID: "2", AirlineCode: "SQ", FlightNumber: "SQ946", From: "SIN", To: "DPS", Price: 120, Currency: "EUR"},
		{ID: "3", AirlineCode: "MH", FlightNumber: "MH851", From: "KUL", To: "DPS", Price: 180, Currency: "EUR"},
	}
}

func TestService_Flights_SearchThenCache(t *testing.T) {
	env := newServiceEnv(t, defaultPolicy(), sampleFlights()...)
	ctx := context.Background()

	first, err := env.svc.Flights(ctx, "dps", "2026-05-24")
	require.NoError(t, err)
	assert.Equal(t, types.SourceSearch, first.Source)
	assert.Len(t, first.Flights, 3)
	assert.Equal(t, "DPS", first.Meta.Destination)
	assert.Equal(t, 3, first.Meta.PivotsSearched)
	assert.Equal(t, 3, first.Meta.Returned)
	assert.Equal(t, "direct-priority-with-connecting-fallback", first.Meta.FlightType)
	assert.Nil(t, first.Meta.CacheAgeHours)

	second, err := env.svc.Flights(ctx, "DPS", "2026-05-24")
	require.NoError(t, err)
	assert.Equal(t, types.SourceCache, second.Source)
	assert.Len(t, second.Flights, 3)
	require.NotNil(t, second.Meta.CacheAgeHours)
	assert.NotEmpty(t, second.Meta.CachedAt)
	assert.NotEmpty(t, second.Meta.OriginalSearchTime)
	assert.Equal(t, 3, second.Meta.PivotsSearched)

	assert.Equal(t, int32(1), env.searcher.calls.Load())
}

func TestService_Flights_Enriches(t *testing.T) {
	env := newServiceEnv(t, defaultPolicy(), sampleFlights()...)

	resp, err := env.svc.Flights(context.Background(), "DPS", "2026-05-24")
	require.NoError(t, err)

	f := resp.Flights[0]
	assert.Equal(t, "SQ", f.AirlineName)
	assert.Equal(t, "Singapore", f.OriginCity)
	assert.Equal(t, "Bali", f.DestCity)
	assert.Equal(t, "Indonesia", f.DestCountry)

	cached, err := env.cache.LoadAggregate("DPS", "2026-05-24")
	require.NoError(t, err)
	assert.Equal(t, "Bali", cached.Flights[0].DestCity, "saved aggregate carries names")
}

func TestService_Flights_RemembersCheapestPerOrigin(t *testing.T) {
	env := newServiceEnv(t, defaultPolicy(), sampleFlights()...)
	ctx := context.Background()

	_, err := env.svc.Flights(ctx, "DPS", "2026-05-24")
	require.NoError(t, err)

	records, err := env.memory.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)

	byOrigin := map[string]memory.Record{}
	for _, r := range records {
		byOrigin[r.From] = r
	}
	assert.Equal(t, "SQ946", byOrigin["SIN"].FlightNumber)
	assert.Equal(t, 120.0, byOrigin["SIN"].Price)
	assert.Equal(t, "MH851", byOrigin["KUL"].FlightNumber)
	assert.Equal(t, string(types.SourceSearch), byOrigin["KUL"].Source)
}

func TestService_Flights_NoPivots(t *testing.T) {
	env := newServiceEnv(t, defaultPolicy())
	env.searcher.fail(fmt.Errorf("load pivots for XYZ: %w", pivots.ErrNoPivots))

	resp, err := env.svc.Flights(context.Background(), "XYZ", "2026-05-24")
	require.NoError(t, err)
	assert.Equal(t, types.SourceNoPivots, resp.Source)
	assert.Empty(t, resp.Flights)
	assert.NotNil(t, resp.Flights)
	assert.Contains(t, resp.Message, "XYZ")
}

func TestService_Flights_NoData(t *testing.T) {
	env := newServiceEnv(t, defaultPolicy())

	resp, err := env.svc.Flights(context.Background(), "DPS", "2026-05-24")
	require.NoError(t, err)
	assert.Equal(t, types.SourceNoData, resp.Source)
	assert.NotNil(t, resp.Flights)
	assert.Empty(t, resp.Flights)

	_, err = env.cache.LoadAggregate("DPS", "2026-05-24")
	assert.ErrorIs(t, err, cache.ErrNotFound, "empty results are not saved")
	assert.Equal(t, 0, env.memory.Len())
}

func TestService_Flights_StaleFallback(t *testing.T) {
	policy := defaultPolicy()
	policy.ShortTTL = 50 * time.Millisecond
	env := newServiceEnv(t, policy, sampleFlights()...)
	ctx := context.Background()

	_, err := env.svc.Flights(ctx, "DPS", "2026-05-24")
	require.NoError(t, err)
	time.Sleep(80 * time.Millisecond)

	env.searcher.fail(fmt.Errorf("%w: upstream down", search.ErrAllPivotsFailed))
	resp, err := env.svc.Flights(ctx, "DPS", "2026-05-24")
	require.NoError(t, err)
	assert.Equal(t, types.SourceStale, resp.Source)
	assert.Len(t, resp.Flights, 3)
	assert.Contains(t, resp.Meta.StaleReason, "upstream down")
	assert.Equal(t, int32(2), env.searcher.calls.Load())
}

func TestService_Flights_FailureWithoutFallback(t *testing.T) {
	env := newServiceEnv(t, defaultPolicy())
	env.searcher.fail(fmt.Errorf("%w: upstream down", search.ErrAllPivotsFailed))

	_, err := env.svc.Flights(context.Background(), "DPS", "2026-05-24")
	assert.ErrorIs(t, err, search.ErrAllPivotsFailed)
}

func TestService_Flights_InvalidKey(t *testing.T) {
	env := newServiceEnv(t, defaultPolicy(), sampleFlights()...)

	_, err := env.svc.Flights(context.Background(), "../etc", "2026-05-24")
	assert.ErrorIs(t, err, cache.ErrInvalidKey)
	assert.Equal(t, int32(0), env.searcher.calls.Load())
}

func TestService_Refresh(t *testing.T) {
	tests := []struct {
		name    string
		flights []types.Flight
		err     error
		want    int
		wantErr error
	}{
		{name: "saves flights", flights: sampleFlights(), want: 3},
		{name: "no flights", wantErr: search.ErrNoFlights},
		{name: "no pivots", err: fmt.Errorf("load: %w", pivots.ErrNoPivots), wantErr: pivots.ErrNoPivots},
		{name: "all pivots failed", err: search.ErrAllPivotsFailed, wantErr: search.ErrAllPivotsFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newServiceEnv(t, defaultPolicy(), tt.flights...)
			if tt.err != nil {
				env.searcher.fail(tt.err)
			}

			n, err := env.svc.Refresh(context.Background(), "DPS", "2026-05-24")
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)

			saved, err := env.cache.LoadAggregate("DPS", "2026-05-24")
			require.NoError(t, err)
			assert.Equal(t, string(types.SourceRefresh), saved.Source)
		})
	}
}

func TestService_Refresh_IgnoresFreshCache(t *testing.T) {
	env := newServiceEnv(t, defaultPolicy(), sampleFlights()...)
	ctx := context.Background()

	_, err := env.svc.Flights(ctx, "DPS", "2026-05-24")
	require.NoError(t, err)

	n, err := env.svc.Refresh(ctx, "DPS", "2026-05-24")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int32(2), env.searcher.calls.Load())
}
