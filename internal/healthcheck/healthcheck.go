// Package healthcheck actively probes candidate proxy addresses by dialing
// through each one to a small set of echo endpoints, tracking consecutive
// successes/failures per address so callers can evict or restore a proxy
// without needing the whole history.
package healthcheck

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// testEndpoints are tried in order; the first that answers wins. Mirrors the
// original service's TEST_ENDPOINTS fallback chain.
var testEndpoints = []string{
	"http://httpbin.org/ip",
	"http://icanhazip.com",
	"http://ipinfo.io/ip",
	"http://api.ipify.org",
}

// Config controls checker behavior.
type Config struct {
	CheckTimeout      time.Duration
	MaxConcurrency    int
	FailureThreshold  int // consecutive failures before unhealthy
	SuccessThreshold  int // consecutive successes before healthy again
}

// DefaultConfig mirrors the original service's ProxyHealthChecker defaults.
func DefaultConfig() Config {
	return Config{
		CheckTimeout:     10 * time.Second,
		MaxConcurrency:   8,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	}
}

// Stats is the per-address rolling health record.
type Stats struct {
	Address             string
	Healthy             bool
	ResponseTime        time.Duration
	LastError           string
	LastCheckTime        time.Time
	ConsecutiveFailures int
	ConsecutiveSuccesses int
	TotalChecks          int
	TotalSuccesses       int
}

// SuccessRate returns the lifetime success ratio, or 0 if never checked.
func (s Stats) SuccessRate() float64 {
	if s.TotalChecks == 0 {
		return 0
	}
	return float64(s.TotalSuccesses) / float64(s.TotalChecks)
}

// Checker tracks rolling health stats for a set of candidate addresses.
// It never mutates a pool directly; callers pull Unhealthy(addrs) after a
// batch and apply it.
type Checker struct {
	cfg Config
	log *logrus.Entry

	mu    sync.Mutex
	stats map[string]*Stats
}

// New builds a Checker.
func New(cfg Config, log *logrus.Entry) *Checker {
	if cfg.CheckTimeout == 0 {
		cfg = DefaultConfig()
	}
	return &Checker{cfg: cfg, log: log, stats: make(map[string]*Stats)}
}

// CheckBatch probes every address in addrs concurrently, bounded by
// cfg.MaxConcurrency, and updates the rolling stats for each.
func (c *Checker) CheckBatch(ctx context.Context, addrs []string) {
	sem := make(chan struct{}, c.cfg.MaxConcurrency)
	var wg sync.WaitGroup
	for _, addr := range addrs {
		wg.Add(1)
		sem <- struct{}{}
		go func(addr string) {
			defer wg.Done()
			defer func() { <-sem }()
			c.checkOne(ctx, addr)
		}(addr)
	}
	wg.Wait()
}

func (c *Checker) checkOne(ctx context.Context, addr string) {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.CheckTimeout)
	defer cancel()

	start := time.Now()
	err := c.probe(cctx, addr)
	elapsed := time.Since(start)

	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.stats[addr]
	if !ok {
		st = &Stats{Address: addr, Healthy: true}
		c.stats[addr] = st
	}
	st.TotalChecks++
	st.LastCheckTime = time.Now()
	st.ResponseTime = elapsed

	if err != nil {
		st.ConsecutiveFailures++
		st.ConsecutiveSuccesses = 0
		st.LastError = err.Error()
		if st.ConsecutiveFailures >= c.cfg.FailureThreshold {
			if st.Healthy {
				c.log.WithField("address", addr).WithField("consecutive_failures", st.ConsecutiveFailures).
					Warn("proxy marked unhealthy")
			}
			st.Healthy = false
		}
		return
	}

	st.TotalSuccesses++
	st.ConsecutiveSuccesses++
	st.ConsecutiveFailures = 0
	st.LastError = ""
	if !st.Healthy && st.ConsecutiveSuccesses >= c.cfg.SuccessThreshold {
		c.log.WithField("address", addr).Info("proxy recovered")
		st.Healthy = true
	}
	if st.TotalChecks == 1 {
		// First-ever check: treat a clean pass as healthy immediately so a
		// freshly fetched batch isn't stuck "unknown" until two checks pass.
		st.Healthy = true
	}
}

// probe dials through addr to the first responsive test endpoint.
func (c *Checker) probe(ctx context.Context, addr string) error {
	proxyURL, err := parseProxyAddr(addr)
	if err != nil {
		return fmt.Errorf("parse proxy address %q: %w", addr, err)
	}

	var lastErr error
	for _, endpoint := range testEndpoints {
		if err := c.probeEndpoint(ctx, proxyURL, endpoint); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("all test endpoints failed: %w", lastErr)
}

func (c *Checker) probeEndpoint(ctx context.Context, proxyURL *url.URL, endpoint string) error {
	target, err := url.Parse(endpoint)
	if err != nil {
		return err
	}
	host := target.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		if target.Scheme == "https" {
			host += ":443"
		} else {
			host += ":80"
		}
	}

	conn, err := dialProbeConn(ctx, proxyURL, host)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n",
		target.RequestURI(), target.Hostname())
	if _, err := conn.Write([]byte(req)); err != nil {
		return fmt.Errorf("write probe request: %w", err)
	}

	buf := make([]byte, 32)
	n, err := conn.Read(buf)
	if n < 12 {
		if err != nil {
			return fmt.Errorf("short response: %w", err)
		}
		return fmt.Errorf("short response (%d bytes)", n)
	}
	// "HTTP/1.1 2xx" or "HTTP/1.1 3xx" counts as a healthy reply.
	if buf[9] != '2' && buf[9] != '3' {
		return fmt.Errorf("non-2xx/3xx status in response")
	}
	return nil
}

// Get returns a copy of the current stats for addr, and whether any check
// has ever run for it.
func (c *Checker) Get(addr string) (Stats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.stats[addr]
	if !ok {
		return Stats{}, false
	}
	return *st, true
}

// Unhealthy returns the subset of addrs whose recorded stats mark them
// unhealthy. Addresses with no stats yet are kept (never evicted) — a
// freshly-fetched proxy deserves at least one check before judgement.
func (c *Checker) Unhealthy(addrs []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, addr := range addrs {
		st, ok := c.stats[addr]
		if !ok {
			continue
		}
		if !st.Healthy {
			out = append(out, addr)
		}
	}
	return out
}

// Clear drops stats for addresses no longer tracked by any pool buffer, to
// bound memory growth across long-running rotation.
func (c *Checker) Clear(keep map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr := range c.stats {
		if !keep[addr] {
			delete(c.stats, addr)
		}
	}
}

// Summary aggregates stats across all tracked addresses, mirroring the
// original service's get_health_summary().
type Summary struct {
	Total               int
	Healthy             int
	Unhealthy           int
	HealthRate          float64       // Healthy / Total, 0 if Total == 0
	AverageResponseTime time.Duration // mean ResponseTime across all tracked addresses
}

// Summarize returns an aggregate snapshot of all tracked addresses.
func (c *Checker) Summarize() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Summary{Total: len(c.stats)}
	var totalResponseTime time.Duration
	for _, st := range c.stats {
		if st.Healthy {
			s.Healthy++
		} else {
			s.Unhealthy++
		}
		totalResponseTime += st.ResponseTime
	}
	if s.Total > 0 {
		s.HealthRate = float64(s.Healthy) / float64(s.Total)
		s.AverageResponseTime = totalResponseTime / time.Duration(s.Total)
	}
	return s
}
