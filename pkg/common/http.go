package common

import (
	_ "embed"
	"net/http"
	"strings"
	"time"
)

//go:embed VERSION
var version string

// feedTransport identifies us to upstream feed APIs and defaults the
// Accept header to JSON since every feed we talk to speaks it.
type feedTransport struct {
	base      http.RoundTripper
	userAgent string
}

// RoundTrip implements http.RoundTripper.
func (t *feedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// clone so callers sharing a request keep their original headers
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	return t.base.RoundTrip(req)
}

// HTTPClient returns the outbound client used for market feed requests.
// Feeds are hit a few times a day against a single host, so the pool is
// kept small and idle connections are dropped quickly.
func HTTPClient(timeout time.Duration) *http.Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.MaxIdleConns = 4
	base.MaxIdleConnsPerHost = 2
	base.IdleConnTimeout = 30 * time.Second

	return &http.Client{
		Transport: &feedTransport{
			base:      base,
			userAgent: "SpotSwitch/" + strings.TrimSpace(version),
		},
		Timeout: timeout,
	}
}
