// Package poolengine implements the A/B double-buffered proxy rotation
// core: serve reads from an active buffer, refresh the standby in the
// background, swap atomically, and evict failed or unhealthy proxies. All
// mutation of the two buffers is serialized through a single mutex; no
// network I/O happens while that mutex is held.
package poolengine

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/drsoft-oss/proxypoolsvc/internal/fetcher"
)

// Slot names the two buffer halves.
type Slot string

const (
	SlotA Slot = "A"
	SlotB Slot = "B"
)

func other(s Slot) Slot {
	if s == SlotA {
		return SlotB
	}
	return SlotA
}

// Proxy is a single served endpoint.
type Proxy struct {
	Address            string
	CreatedAt          time.Time
	LastUsed           time.Time
	ConsecutiveFailures int
}

// IsHealthy reports whether the proxy is usable: consecutive-failure count
// below 3 per §3's data model.
func (p *Proxy) IsHealthy() bool {
	return p.ConsecutiveFailures < 3
}

// Config controls engine behavior. Field names mirror the configuration
// record in the specification's data model.
type Config struct {
	BatchSize              int
	TargetSize             int
	LowWatermark           int
	ProxyLifetime          time.Duration
	RotationInterval       time.Duration
	BatchCount             int // refresh calls per RefreshStandby, default 2
	HealthCheckInterval    time.Duration
}

// DefaultBatchCount is the original service's default fetch-calls-per-refresh.
const DefaultBatchCount = 2

// Counters are the engine's monotonic aggregate counters.
type Counters struct {
	TotalRequests     uint64
	SuccessCount      uint64
	FailureCount      uint64
	NoProxyCount      uint64
}

// Engine is the A/B rotation core for one (market, mode) instance.
type Engine struct {
	cfg    Config
	log    *logrus.Entry
	fetch  fetcher.Fetcher

	mu      sync.Mutex
	buffers map[Slot][]*Proxy
	active  Slot

	lastRotation time.Time
	lastFetch    time.Time
	lastFetchCount int
	consecutiveRateLimits int

	counters Counters

	rng *rand.Rand
	rngMu sync.Mutex

	stop chan struct{}
	wg   sync.WaitGroup
	started atomic.Bool
}

// New builds an Engine with empty buffers. Call Start to begin the
// background maintenance loop.
func New(cfg Config, f fetcher.Fetcher, log *logrus.Entry) *Engine {
	if cfg.BatchCount == 0 {
		cfg.BatchCount = DefaultBatchCount
	}
	return &Engine{
		cfg:   cfg,
		log:   log,
		fetch: f,
		buffers: map[Slot][]*Proxy{
			SlotA: {},
			SlotB: {},
		},
		active: SlotA,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start launches the background maintenance loop. Safe to call once; a
// second call is a no-op.
func (e *Engine) Start(ctx context.Context) {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	e.stop = make(chan struct{})
	e.wg.Add(1)
	go e.maintenanceLoop(ctx)
}

// Stop cancels the maintenance loop and waits for it to exit.
func (e *Engine) Stop() {
	if !e.started.CompareAndSwap(true, false) {
		return
	}
	close(e.stop)
	e.wg.Wait()
}

// GetProxy picks uniformly at random from the active buffer's healthy
// proxies, falling back to the standby buffer's healthy proxies if the
// active buffer has none. Never blocks; returns nil if both are empty.
func (e *Engine) GetProxy() *Proxy {
	e.mu.Lock()
	active := e.buffers[e.active]
	standby := e.buffers[other(e.active)]
	candidates := healthyOf(active)
	if len(candidates) == 0 {
		candidates = healthyOf(standby)
	}
	var chosen *Proxy
	if len(candidates) > 0 {
		chosen = candidates[e.randIntn(len(candidates))]
		chosen.LastUsed = time.Now()
	}
	e.mu.Unlock()

	atomic.AddUint64(&e.counters.TotalRequests, 1)
	if chosen != nil {
		atomic.AddUint64(&e.counters.SuccessCount, 1)
	} else {
		atomic.AddUint64(&e.counters.NoProxyCount, 1)
	}
	return chosen
}

func healthyOf(proxies []*Proxy) []*Proxy {
	out := make([]*Proxy, 0, len(proxies))
	for _, p := range proxies {
		if p.IsHealthy() {
			out = append(out, p)
		}
	}
	return out
}

func (e *Engine) randIntn(n int) int {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Intn(n)
}

// ReportFailure removes every proxy matching addr from both buffers.
// Idempotent: a second call for the same address is a no-op.
func (e *Engine) ReportFailure(addr string) {
	e.mu.Lock()
	removed := false
	for slot, proxies := range e.buffers {
		kept := proxies[:0:0]
		for _, p := range proxies {
			if p.Address == addr {
				removed = true
				continue
			}
			kept = append(kept, p)
		}
		e.buffers[slot] = kept
	}
	e.mu.Unlock()
	if removed {
		atomic.AddUint64(&e.counters.FailureCount, 1)
	}
}

// EvictUnhealthy removes every proxy whose address is in addrs from both
// buffers, for use by the health checker's queued eviction callback.
func (e *Engine) EvictUnhealthy(addrs []string) {
	if len(addrs) == 0 {
		return
	}
	set := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		set[a] = true
	}
	e.mu.Lock()
	for slot, proxies := range e.buffers {
		kept := proxies[:0:0]
		for _, p := range proxies {
			if set[p.Address] {
				continue
			}
			kept = append(kept, p)
		}
		e.buffers[slot] = kept
	}
	e.mu.Unlock()
}

// Swap flips the active designator and clears the now-standby buffer (the
// previous active). Records last-rotation time.
func (e *Engine) Swap() {
	e.mu.Lock()
	oldActive := e.active
	e.active = other(e.active)
	e.buffers[oldActive] = []*Proxy{}
	e.lastRotation = time.Now()
	e.mu.Unlock()
}

// RefreshStandby clears standby and fetches up to cfg.BatchCount batches of
// cfg.BatchSize addresses each (1s inter-call gap), aggregating into a
// local slice bounded by cfg.TargetSize, and only then publishes it as the
// new standby contents under the mutex. On a fully empty result, standby
// is left empty and the caller must not swap.
func (e *Engine) RefreshStandby(ctx context.Context) (fetched int, rateLimited bool) {
	var collected []*Proxy
	now := time.Now()

	for i := 0; i < e.cfg.BatchCount; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return 0, false
			case <-time.After(time.Second):
			}
		}
		if len(collected) >= e.cfg.TargetSize {
			break
		}
		addrs, err := e.fetch.Fetch(ctx, e.cfg.BatchSize)
		if err != nil {
			e.log.WithError(err).Warn("refresh standby: fetch failed")
			continue
		}
		if len(addrs) == 0 {
			rateLimited = true
			continue
		}
		for _, addr := range addrs {
			if len(collected) >= e.cfg.TargetSize {
				break
			}
			collected = append(collected, &Proxy{Address: addr, CreatedAt: now})
		}
	}

	e.mu.Lock()
	e.buffers[other(e.active)] = collected
	e.lastFetch = now
	e.lastFetchCount = len(collected)
	e.mu.Unlock()

	if len(collected) == 0 && rateLimited {
		e.consecutiveRateLimits++
	} else {
		e.consecutiveRateLimits = 0
	}

	return len(collected), rateLimited
}

// maintenanceLoop is the engine's single background task: refresh, swap
// when non-empty, sleep the rotation floor, retry after 30s on failure.
func (e *Engine) maintenanceLoop(ctx context.Context) {
	defer e.wg.Done()

	rotationFloor := e.cfg.RotationInterval
	if floor := e.cfg.ProxyLifetime + time.Second; floor > rotationFloor {
		rotationFloor = floor
	}

	for {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.WithField("panic", r).Error("maintenance loop panic, retrying in 30s")
					e.sleepOrStop(30 * time.Second)
				}
			}()

			count, _ := e.RefreshStandby(ctx)
			if count > 0 {
				e.Swap()
			} else {
				e.log.Debug("refresh produced no proxies, skipping swap this cycle")
			}

			sleepFor := rotationFloor
			if e.consecutiveRateLimits >= 2 {
				sleepFor = 60 * time.Second
			}
			e.sleepOrStop(sleepFor)
		}()

		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (e *Engine) sleepOrStop(d time.Duration) {
	select {
	case <-time.After(d):
	case <-e.stop:
	}
}

// Snapshot is a point-in-time read of engine state for status reporting.
type Snapshot struct {
	Active           Slot
	ActiveSize       int
	StandbySize      int
	LastRotation     time.Time
	LastFetch        time.Time
	LastFetchCount   int
	Counters         Counters
}

// Status returns a consistent snapshot of the engine's state.
func (e *Engine) Status() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Active:         e.active,
		ActiveSize:     len(e.buffers[e.active]),
		StandbySize:    len(e.buffers[other(e.active)]),
		LastRotation:   e.lastRotation,
		LastFetch:      e.lastFetch,
		LastFetchCount: e.lastFetchCount,
		Counters: Counters{
			TotalRequests: atomic.LoadUint64(&e.counters.TotalRequests),
			SuccessCount:  atomic.LoadUint64(&e.counters.SuccessCount),
			FailureCount:  atomic.LoadUint64(&e.counters.FailureCount),
			NoProxyCount:  atomic.LoadUint64(&e.counters.NoProxyCount),
		},
	}
}

// AllAddresses returns every address currently held in either buffer, for
// the health checker's batch probe and diagnostic listing endpoints.
func (e *Engine) AllAddresses() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.buffers[SlotA])+len(e.buffers[SlotB]))
	for _, p := range e.buffers[SlotA] {
		out = append(out, p.Address)
	}
	for _, p := range e.buffers[SlotB] {
		out = append(out, p.Address)
	}
	return out
}

// BufferContents returns a shallow copy of both buffers keyed by slot, for
// the diagnostic /{market}/proxies/list endpoint.
func (e *Engine) BufferContents() map[Slot][]Proxy {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[Slot][]Proxy, 2)
	for slot, proxies := range e.buffers {
		cp := make([]Proxy, len(proxies))
		for i, p := range proxies {
			cp[i] = *p
		}
		out[slot] = cp
	}
	return out
}
