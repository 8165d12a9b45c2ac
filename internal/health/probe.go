package health

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// ProbeResult is the outcome of one HTTP request against a role URL.
type ProbeResult struct {
	StatusCode int
	Duration   time.Duration
}

// Prober issues a single bounded request against a URL.
type Prober interface {
	Probe(ctx context.Context, rawURL string) (ProbeResult, error)
}

// CertInspector reports the expiry of the leaf certificate served at an https URL.
type CertInspector interface {
	NotAfter(ctx context.Context, rawURL string) (time.Time, error)
}

// HTTPProber probes with net/http. Redirects are not followed so 301/302
// are reported as served.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber creates a prober whose requests never exceed timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (p *HTTPProber) Probe(ctx context.Context, rawURL string) (ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("invalid probe URL: %w", err)
	}
	req.Header.Set("User-Agent", "canarybox-healthcheck")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return ProbeResult{}, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	return ProbeResult{StatusCode: resp.StatusCode, Duration: time.Since(start)}, nil
}

// TLSInspector dials the URL's host and reads the presented certificate
// without verifying it, so an expired certificate is still reported.
type TLSInspector struct {
	Timeout time.Duration
}

func (i TLSInspector) NotAfter(ctx context.Context, rawURL string) (time.Time, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid URL: %w", err)
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "443"
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: i.Timeout},
		Config: &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: true, // expiry is inspected, not trusted
		},
	}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return time.Time{}, fmt.Errorf("tls dial %s: %w", host, err)
	}
	defer conn.Close()

	certs := conn.(*tls.Conn).ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return time.Time{}, errors.New("no peer certificate presented")
	}
	return certs[0].NotAfter, nil
}
