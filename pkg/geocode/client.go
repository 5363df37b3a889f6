// Package geocode resolves free-text locations (postal codes or "City, ST")
// to coordinates via a third-party mapping API, with per-string caching.
// Negative results are cached too, so a location that failed to resolve is
// not retried on every evaluation pass.
package geocode

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Result holds the outcome of a lookup. Matched=false is a valid, cacheable
// outcome, not an error.
type Result struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Matched bool    `json:"matched"`
}

// Client resolves location strings to coordinates.
type Client interface {
	// Resolve geocodes a single free-text location. A nil error with
	// Matched=false means the provider had no answer for the string.
	Resolve(ctx context.Context, location string) (*Result, error)
}

// Option configures the geocoder.
type Option func(*geocoder)

// WithHTTPClient sets a custom HTTP client for provider requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(g *geocoder) {
		g.httpClient = hc
	}
}

// WithRateLimit sets the requests-per-second limit for provider calls.
// Sub-1 rates are valid (Nominatim's public policy is 1 req/s, shared
// deployments go lower); burst stays at least 1 so Wait can ever succeed.
func WithRateLimit(rps float64) Option {
	return func(g *geocoder) {
		g.limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
	}
}

// WithBaseURL overrides the provider endpoint (tests, self-hosted mirrors).
func WithBaseURL(baseURL string) Option {
	return func(g *geocoder) {
		g.baseURL = baseURL
	}
}

// WithSharedCache layers a shared cache (e.g. redis) behind the in-process
// one, so concurrent engine instances reuse each other's lookups.
func WithSharedCache(c Cache) Option {
	return func(g *geocoder) {
		g.shared = c
	}
}

// WithUserAgent sets the User-Agent header sent to the provider.
func WithUserAgent(ua string) Option {
	return func(g *geocoder) {
		g.userAgent = ua
	}
}

type geocoder struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	limiter    *rate.Limiter

	memory *MemoryCache
	shared Cache
	group  singleflight.Group
}

// NewClient creates a geocoding Client with the given options.
func NewClient(opts ...Option) Client {
	g := &geocoder{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    defaultBaseURL,
		userAgent:  defaultUserAgent,
		limiter:    rate.NewLimiter(1, 1), // public Nominatim policy: 1 req/s
		memory:     NewMemoryCache(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Resolve implements Client. Lookups for the same normalized string are
// deduplicated: the first caller resolves, concurrent callers share the
// in-flight result.
func (g *geocoder) Resolve(ctx context.Context, location string) (*Result, error) {
	key := cacheKey(location)
	if key == "" {
		return &Result{Matched: false}, nil
	}

	if r, ok := g.memory.Get(key); ok {
		return r, nil
	}

	v, err, _ := g.group.Do(key, func() (any, error) {
		// Re-check under the flight: a concurrent caller may have filled
		// the cache between our miss and the flight starting.
		if r, ok := g.memory.Get(key); ok {
			return r, nil
		}

		if g.shared != nil {
			if r, ok, sharedErr := g.shared.Get(ctx, key); sharedErr == nil && ok {
				g.memory.Set(key, r)
				return r, nil
			}
		}

		r, lookupErr := g.lookup(ctx, location)
		if lookupErr != nil {
			// Transient provider failure: do not cache, the backup
			// rematch pass retries later.
			return nil, lookupErr
		}

		g.memory.Set(key, r)
		if g.shared != nil {
			if setErr := g.shared.Set(ctx, key, r); setErr != nil {
				zap.L().Warn("geocode: shared cache store failed", zap.Error(setErr))
			}
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}
