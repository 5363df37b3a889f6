package geocode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient returns a Client pointed at a httptest server and a counter
// of provider hits.
func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) (Client, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	opts = append([]Option{WithBaseURL(srv.URL), WithRateLimit(1000)}, opts...)
	return NewClient(opts...), &calls
}

func TestResolve_Match(t *testing.T) {
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Chicago, IL", r.URL.Query().Get("q"))
		w.Write([]byte(`[{"lat":"41.8781","lon":"-87.6298"}]`))
	})

	r, err := client.Resolve(context.Background(), "Chicago, IL")
	require.NoError(t, err)
	assert.True(t, r.Matched)
	assert.InDelta(t, 41.8781, r.Lat, 1e-6)
	assert.InDelta(t, -87.6298, r.Lng, 1e-6)
	assert.Equal(t, int64(1), calls.Load())
}

func TestResolve_CachesByNormalizedString(t *testing.T) {
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"lat":"41.85","lon":"-87.65"}]`))
	})

	ctx := context.Background()
	_, err := client.Resolve(ctx, "Chicago, IL")
	require.NoError(t, err)

	// Same location modulo case/whitespace hits the cache.
	_, err = client.Resolve(ctx, "  chicago,   il ")
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())
}

func TestResolve_NegativeResultCached(t *testing.T) {
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		r, err := client.Resolve(ctx, "Nowhereville, XX")
		require.NoError(t, err)
		assert.False(t, r.Matched)
	}
	assert.Equal(t, int64(1), calls.Load(), "failed lookups must not be re-issued")
}

func TestResolve_EmptyLocation(t *testing.T) {
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("provider must not be called for empty location")
	})

	r, err := client.Resolve(context.Background(), "   ")
	require.NoError(t, err)
	assert.False(t, r.Matched)
	assert.Equal(t, int64(0), calls.Load())
}

func TestResolve_ConcurrentSingleFlight(t *testing.T) {
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"lat":"39.7392","lon":"-104.9903"}]`))
	})

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := client.Resolve(ctx, "Denver, CO")
			assert.NoError(t, err)
			assert.True(t, r.Matched)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), calls.Load(), "concurrent callers share one in-flight lookup")
}

func TestResolve_TransientErrorRetried(t *testing.T) {
	var attempt atomic.Int64
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if attempt.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`[{"lat":"41.85","lon":"-87.65"}]`))
	})

	r, err := client.Resolve(context.Background(), "Chicago, IL")
	require.NoError(t, err)
	assert.True(t, r.Matched)
	assert.Equal(t, int64(2), calls.Load())
}

func TestResolve_ProviderErrorNotCached(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadRequest) // non-transient, no retry
			return
		}
		w.Write([]byte(`[{"lat":"41.85","lon":"-87.65"}]`))
	})

	ctx := context.Background()
	_, err := client.Resolve(ctx, "Chicago, IL")
	require.Error(t, err)

	// Once the provider recovers the same string resolves: errors were not
	// cached as negatives.
	fail.Store(false)
	r, err := client.Resolve(ctx, "Chicago, IL")
	require.NoError(t, err)
	assert.True(t, r.Matched)
}

func TestResolve_UnparseableCoordinates(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"lat":"not-a-number","lon":"-87.65"}]`))
	})

	r, err := client.Resolve(context.Background(), "Chicago, IL")
	require.NoError(t, err)
	assert.False(t, r.Matched)
}

func TestResolve_FractionalRateLimit(t *testing.T) {
	// A sub-1 rate must not zero out the burst: the first request is
	// served from the limiter's initial token.
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"lat":"41.8781","lon":"-87.6298"}]`))
	}, WithRateLimit(0.5))

	r, err := client.Resolve(context.Background(), "Chicago, IL")
	require.NoError(t, err)
	assert.True(t, r.Matched)
	assert.Equal(t, int64(1), calls.Load())
}
