package geocode

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/haulboard/loadhunt/internal/resilience"
)

const (
	defaultBaseURL   = "https://nominatim.openstreetmap.org"
	defaultUserAgent = "loadhunt/1.0"
)

// searchResult is one entry of the provider's search response. Coordinates
// arrive as strings.
type searchResult struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

// lookup performs one rate-limited, retried provider call. An empty result
// set is a non-match, not an error.
func (g *geocoder) lookup(ctx context.Context, location string) (*Result, error) {
	var result *Result

	err := resilience.Do(ctx, resilience.DefaultRetryConfig(), func(ctx context.Context) error {
		if err := g.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "geocode: rate limit")
		}

		params := url.Values{
			"q":              {location},
			"format":         {"json"},
			"limit":          {"1"},
			"countrycodes":   {"us,ca"},
			"addressdetails": {"0"},
		}
		reqURL := g.baseURL + "/search?" + params.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return eris.Wrap(err, "geocode: build request")
		}
		req.Header.Set("User-Agent", g.userAgent)

		resp, err := g.httpClient.Do(req)
		if err != nil {
			return eris.Wrap(err, "geocode: request")
		}
		defer resp.Body.Close() //nolint:errcheck

		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(
				eris.Errorf("geocode: provider returned status %d", resp.StatusCode),
				resp.StatusCode,
			)
		}
		if resp.StatusCode != http.StatusOK {
			return eris.Errorf("geocode: provider returned status %d", resp.StatusCode)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return eris.Wrap(err, "geocode: read body")
		}

		var entries []searchResult
		if err := json.Unmarshal(body, &entries); err != nil {
			return eris.Wrap(err, "geocode: parse response")
		}

		if len(entries) == 0 {
			result = &Result{Matched: false}
			return nil
		}

		lat, latErr := strconv.ParseFloat(entries[0].Lat, 64)
		lng, lngErr := strconv.ParseFloat(entries[0].Lon, 64)
		if latErr != nil || lngErr != nil {
			zap.L().Warn("geocode: unparseable coordinates in response",
				zap.String("location", location),
				zap.String("lat", entries[0].Lat),
				zap.String("lon", entries[0].Lon),
			)
			result = &Result{Matched: false}
			return nil
		}

		result = &Result{Lat: lat, Lng: lng, Matched: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
