package poolengine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// seqFetcher returns a fresh, disjoint batch of addresses on every call,
// tagged with an incrementing generation number.
type seqFetcher struct {
	gen int64
}

func (f *seqFetcher) Fetch(_ context.Context, count int) ([]string, error) {
	g := atomic.AddInt64(&f.gen, 1)
	out := make([]string, count)
	for i := range out {
		out[i] = fmt.Sprintf("gen%d-proxy-%d.example.com:9000", g, i)
	}
	return out, nil
}

// fixedFetcher always returns the same addresses.
type fixedFetcher struct {
	addrs []string
}

func (f *fixedFetcher) Fetch(_ context.Context, count int) ([]string, error) {
	if count < len(f.addrs) {
		return f.addrs[:count], nil
	}
	return f.addrs, nil
}

// emptyFetcher always returns an empty, non-error batch (rate-limited).
type emptyFetcher struct{}

func (emptyFetcher) Fetch(_ context.Context, count int) ([]string, error) { return nil, nil }

func TestGetProxy_EmptyEnginesReturnsNil(t *testing.T) {
	e := New(Config{TargetSize: 10, BatchSize: 10}, emptyFetcher{}, testLogger())
	if p := e.GetProxy(); p != nil {
		t.Fatalf("expected nil from empty engine, got %+v", p)
	}
}

func TestRefreshStandbyThenSwap_S1HappyPath(t *testing.T) {
	f := &fixedFetcher{addrs: make([]string, 20)}
	for i := range f.addrs {
		f.addrs[i] = fmt.Sprintf("hk-proxy-%d.example.com:9000", i)
	}
	e := New(Config{TargetSize: 20, BatchSize: 20, BatchCount: 1}, f, testLogger())

	count, _ := e.RefreshStandby(context.Background())
	if count != 20 {
		t.Fatalf("expected 20 fetched, got %d", count)
	}
	status := e.Status()
	if status.StandbySize != 20 {
		t.Fatalf("expected standby size 20 pre-swap, got %d", status.StandbySize)
	}
	if status.ActiveSize != 0 {
		t.Fatalf("expected active size 0 pre-swap, got %d", status.ActiveSize)
	}

	e.Swap()
	status = e.Status()
	if status.ActiveSize != 20 {
		t.Fatalf("expected active size 20 post-swap, got %d", status.ActiveSize)
	}
	if status.StandbySize != 0 {
		t.Fatalf("expected standby size 0 post-swap (cleared old active), got %d", status.StandbySize)
	}

	p := e.GetProxy()
	if p == nil {
		t.Fatal("expected a proxy after swap")
	}
}

func TestReportFailure_S3NeverReturnedAgain(t *testing.T) {
	f := &fixedFetcher{addrs: []string{"p1:1", "p2:2", "p3:3"}}
	e := New(Config{TargetSize: 3, BatchSize: 3, BatchCount: 1}, f, testLogger())
	e.RefreshStandby(context.Background())
	e.Swap()

	e.ReportFailure("p2:2")
	// Second call is idempotent.
	e.ReportFailure("p2:2")

	for i := 0; i < 100; i++ {
		p := e.GetProxy()
		if p != nil && p.Address == "p2:2" {
			t.Fatalf("evicted proxy p2:2 was returned on iteration %d", i)
		}
	}
}

func TestRefreshStandby_S4RateLimitDoesNotSwap(t *testing.T) {
	f := &fixedFetcher{addrs: []string{"p1:1", "p2:2"}}
	e := New(Config{TargetSize: 2, BatchSize: 2, BatchCount: 1}, f, testLogger())
	e.RefreshStandby(context.Background())
	e.Swap()
	before := e.Status()

	e.fetch = emptyFetcher{}
	count, rateLimited := e.RefreshStandby(context.Background())
	if count != 0 || !rateLimited {
		t.Fatalf("expected empty rate-limited refresh, got count=%d rateLimited=%v", count, rateLimited)
	}
	after := e.Status()
	if after.ActiveSize != before.ActiveSize {
		t.Fatalf("active size changed on rate-limited refresh: before=%d after=%d", before.ActiveSize, after.ActiveSize)
	}
}

func TestEvictUnhealthy_RemovesFromBothBuffers(t *testing.T) {
	f := &fixedFetcher{addrs: []string{"p1:1", "p2:2"}}
	e := New(Config{TargetSize: 2, BatchSize: 2, BatchCount: 1}, f, testLogger())
	e.RefreshStandby(context.Background())
	e.Swap()
	e.RefreshStandby(context.Background()) // now standby also has p1,p2

	e.EvictUnhealthy([]string{"p1:1"})
	contents := e.BufferContents()
	for slot, proxies := range contents {
		for _, p := range proxies {
			if p.Address == "p1:1" {
				t.Fatalf("p1:1 still present in slot %s after eviction", slot)
			}
		}
	}
}

func TestBoundedSize_NeverExceedsTargetSize(t *testing.T) {
	f := &fixedFetcher{addrs: make([]string, 50)}
	for i := range f.addrs {
		f.addrs[i] = fmt.Sprintf("p%d:1", i)
	}
	e := New(Config{TargetSize: 10, BatchSize: 50, BatchCount: 1}, f, testLogger())
	e.RefreshStandby(context.Background())
	status := e.Status()
	if status.StandbySize > 10 {
		t.Fatalf("standby size %d exceeds target_size 10", status.StandbySize)
	}
}

func TestConcurrentGetProxyAndReportFailure(t *testing.T) {
	f := &fixedFetcher{addrs: []string{"p1:1", "p2:2", "p3:3", "p4:4"}}
	e := New(Config{TargetSize: 4, BatchSize: 4, BatchCount: 1}, f, testLogger())
	e.RefreshStandby(context.Background())
	e.Swap()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			e.GetProxy()
		}()
		go func() {
			defer wg.Done()
			e.ReportFailure("p2:2")
		}()
	}
	wg.Wait()

	for i := 0; i < 50; i++ {
		if p := e.GetProxy(); p != nil && p.Address == "p2:2" {
			t.Fatal("p2:2 observed after concurrent eviction settled")
		}
	}
}

func TestMaintenanceLoop_RotatesAcrossGenerations_S2(t *testing.T) {
	f := &seqFetcher{}
	e := New(Config{
		TargetSize:       5,
		BatchSize:        5,
		BatchCount:       1,
		RotationInterval: 100 * time.Millisecond,
		ProxyLifetime:    10 * time.Millisecond,
	}, f, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop()

	seen := make(map[string]bool)
	deadline := time.Now().Add(1500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if p := e.GetProxy(); p != nil {
			seen[p.Address[:4]] = true // "genN" prefix marks generation
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(seen) < 2 {
		t.Fatalf("expected proxies from at least 2 generations, saw %v", seen)
	}
}

func TestCounters_Monotonic(t *testing.T) {
	f := &fixedFetcher{addrs: []string{"p1:1"}}
	e := New(Config{TargetSize: 1, BatchSize: 1, BatchCount: 1}, f, testLogger())
	e.RefreshStandby(context.Background())
	e.Swap()

	for i := 0; i < 10; i++ {
		e.GetProxy()
	}
	status := e.Status()
	if status.Counters.TotalRequests != 10 {
		t.Fatalf("expected 10 total requests, got %d", status.Counters.TotalRequests)
	}
	if status.Counters.SuccessCount != 10 {
		t.Fatalf("expected 10 successes, got %d", status.Counters.SuccessCount)
	}
}
