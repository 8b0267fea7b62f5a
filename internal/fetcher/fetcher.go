// Package fetcher fetches batches of upstream proxy addresses. The vendor
// fetcher speaks the Hailiang-style wire format from the original service
// (JSON {code, data:[{ip,port}]}), tolerates the vendor's rate-limit
// sentinel by returning an empty batch instead of an error, and retries
// transient HTTP failures with backoff.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/drsoft-oss/proxypoolsvc/pkg/errs"
)

// rateLimitSentinel is the vendor's known phrase for "too many unused IPs
// checked out"; seeing it means back off, not an error.
const rateLimitSentinel = "too many unused IPs"

// Fetcher fetches up to count "host:port" proxy addresses from an upstream
// source. An empty, nil-error result means "no proxies available right
// now" (e.g. rate-limited) and must not be treated as a failure.
type Fetcher interface {
	Fetch(ctx context.Context, count int) ([]string, error)
}

// VendorConfig configures VendorFetcher.
type VendorConfig struct {
	APIURL  string
	Timeout time.Duration
	Retries int
	Backoff time.Duration
}

// VendorFetcher calls the upstream vendor's HTTP API.
type VendorFetcher struct {
	cfg    VendorConfig
	client *http.Client
	log    *logrus.Entry
}

// NewVendorFetcher builds a VendorFetcher. The API URL is trimmed of
// whitespace and control characters up front — the vendor is known to
// tolerate trailing junk poorly.
func NewVendorFetcher(cfg VendorConfig, log *logrus.Entry) *VendorFetcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retries == 0 {
		cfg.Retries = 2
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	cfg.APIURL = CleanURL(cfg.APIURL)
	return &VendorFetcher{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		log: log,
	}
}

// CleanURL trims surrounding whitespace and strips ASCII control characters
// that the vendor's API tolerates poorly when echoed back in a query string.
func CleanURL(raw string) string {
	raw = strings.TrimSpace(raw)
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type vendorProxy struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

type vendorResponse struct {
	Code int           `json:"code"`
	Data []vendorProxy `json:"data"`
}

// Fetch issues a single GET to the vendor URL with up to cfg.Retries
// retries (500ms backoff) on UpstreamError. A rate-limit sentinel never
// retries — it returns an empty slice and a nil error.
func (f *VendorFetcher) Fetch(ctx context.Context, count int) ([]string, error) {
	if f.cfg.APIURL == "" {
		return nil, errs.New(errs.KindUpstreamError, "vendor API URL is empty")
	}
	if _, err := url.Parse(f.cfg.APIURL); err != nil {
		return nil, errs.Wrap(errs.KindUpstreamError, err, "vendor API URL invalid")
	}

	var lastErr error
	attempts := f.cfg.Retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, errs.Wrap(errs.KindCancelled, ctx.Err(), "fetch cancelled during backoff")
			case <-time.After(f.cfg.Backoff):
			}
		}

		addrs, limited, err := f.fetchOnce(ctx, count)
		if err == nil {
			if limited {
				f.log.Warn("vendor rate-limit sentinel detected, returning empty batch")
				return nil, nil
			}
			return addrs, nil
		}
		lastErr = err
		f.log.WithError(err).WithField("attempt", attempt+1).Warn("vendor fetch failed")
	}
	return nil, errs.Wrap(errs.KindUpstreamError, lastErr, "vendor fetch failed after retries")
}

func (f *VendorFetcher) fetchOnce(ctx context.Context, count int) (addrs []string, rateLimited bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.APIURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, false, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if strings.Contains(string(body), rateLimitSentinel) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	trimmed := strings.TrimSpace(string(body))
	if !strings.HasPrefix(trimmed, "{") {
		if strings.Contains(trimmed, rateLimitSentinel) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("non-JSON response body")
	}

	var parsed vendorResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, false, fmt.Errorf("decode JSON: %w", err)
	}
	if parsed.Code != 0 {
		return nil, false, fmt.Errorf("vendor returned code %d", parsed.Code)
	}

	out := make([]string, 0, min(count, len(parsed.Data)))
	for _, p := range parsed.Data {
		if len(out) >= count {
			break
		}
		out = append(out, fmt.Sprintf("%s:%d", p.IP, p.Port))
	}
	return out, false, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// MockFetcher generates deterministic synthetic "<market>-proxy-<n>.example.com:<port>"
// addresses for development and testing, mirroring the original service's
// MockProxyFetcher.
type MockFetcher struct {
	Market string
	rng    *rand.Rand
}

// NewMockFetcher builds a MockFetcher for market.
func NewMockFetcher(market string) *MockFetcher {
	return &MockFetcher{Market: strings.ToLower(market), rng: rand.New(rand.NewSource(1))}
}

// Fetch returns count synthetic addresses. Never fails, never rate-limits.
func (m *MockFetcher) Fetch(_ context.Context, count int) ([]string, error) {
	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		suffix := m.rng.Intn(254) + 1
		port := m.rng.Intn(1000) + 9000
		out = append(out, fmt.Sprintf("%s-proxy-%d.example.com:%d", m.Market, suffix, port))
	}
	return out, nil
}
