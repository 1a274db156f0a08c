package geofence

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPProvider reads the device position from a local geolocation daemon.
// Every call is a fresh single-shot read; the daemon is asked not to
// serve a cached fix.
type HTTPProvider struct {
	BaseURL string
	HTTP    *http.Client
}

// NewHTTPProvider creates a provider for the daemon at baseURL.
func NewHTTPProvider(baseURL string) *HTTPProvider {
	return &HTTPProvider{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: ReadTimeout},
	}
}

// CurrentPosition requests a high-accuracy fix. A 401/403 maps to
// ErrPermissionDenied; anything else that fails maps to ErrUnavailable so
// callers can distinguish the two for the user.
func (p *HTTPProvider) CurrentPosition(ctx context.Context) (Position, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.BaseURL+"/position?accuracy=high&max_age=0", nil)
	if err != nil {
		return Position{}, err
	}

	resp, err := p.HTTP.Do(req)
	if err != nil {
		return Position{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Position{}, ErrPermissionDenied
	case resp.StatusCode >= 300:
		return Position{}, fmt.Errorf("%w: status %s", ErrUnavailable, resp.Status)
	}

	var out struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Position{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return Position{Latitude: out.Latitude, Longitude: out.Longitude}, nil
}

// StaticProvider serves a fixed position, for kiosks mounted at a known
// spot with no location sensor attached.
type StaticProvider struct {
	Position Position
	// Delay simulates sensor latency in tests; zero means immediate.
	Delay time.Duration
}

// CurrentPosition returns the configured position.
func (p *StaticProvider) CurrentPosition(ctx context.Context) (Position, error) {
	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return Position{}, ctx.Err()
		}
	}
	return p.Position, nil
}
