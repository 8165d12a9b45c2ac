package perf

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"time"
)

// Sample is one timed request.
type Sample struct {
	TTFB  time.Duration
	Total time.Duration
	Bytes int64
}

// Sampler issues one timed request against a URL.
type Sampler interface {
	Sample(ctx context.Context, rawURL string) (Sample, error)
}

// HTTPSampler times requests with httptrace. Keep-alives are disabled so
// every sample includes connection setup, like a fresh client would see.
type HTTPSampler struct {
	client *http.Client
}

func NewHTTPSampler(timeout time.Duration) *HTTPSampler {
	return &HTTPSampler{
		client: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{DisableKeepAlives: true, Proxy: http.ProxyFromEnvironment},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (s *HTTPSampler) Sample(ctx context.Context, rawURL string) (Sample, error) {
	var start time.Time
	var ttfb time.Duration
	trace := &httptrace.ClientTrace{
		GotFirstResponseByte: func() { ttfb = time.Since(start) },
	}

	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), http.MethodGet, rawURL, nil)
	if err != nil {
		return Sample{}, fmt.Errorf("invalid sample URL: %w", err)
	}
	req.Header.Set("User-Agent", "canarybox-perf")

	start = time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return Sample{}, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return Sample{}, fmt.Errorf("read body: %w", err)
	}
	total := time.Since(start)

	if resp.StatusCode >= 500 {
		return Sample{}, fmt.Errorf("%s returned %d", rawURL, resp.StatusCode)
	}
	return Sample{TTFB: ttfb, Total: total, Bytes: n}, nil
}
