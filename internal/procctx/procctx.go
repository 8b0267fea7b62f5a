// Package procctx defines the single dependency record constructed at
// process startup and threaded into every HTTP handler: the instance
// registry, repositories, scheduler, clock, logger, and metrics. It
// replaces the module-level globals (manager map, scheduler, alert
// manager, health monitor) the original service carried.
package procctx

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	cfgpkg "github.com/drsoft-oss/proxypoolsvc/internal/config"
	"github.com/drsoft-oss/proxypoolsvc/internal/instance"
	"github.com/drsoft-oss/proxypoolsvc/internal/marketclock"
	"github.com/drsoft-oss/proxypoolsvc/internal/metrics"
	"github.com/drsoft-oss/proxypoolsvc/internal/scheduler"
	"github.com/drsoft-oss/proxypoolsvc/pkg/errs"
)

// Context is the process-wide dependency record. Tests construct a fresh
// Context per case instead of relying on package-level state.
type Context struct {
	Clock     *marketclock.Clock
	Configs   cfgpkg.Repository
	Statuses  cfgpkg.StatusRepository
	Scheduler *scheduler.GlobalScheduler
	Metrics   *metrics.Metrics
	Log       *logrus.Entry

	mu        sync.RWMutex
	instances map[cfgpkg.Key]*instance.Instance
}

// New builds a Context. The scheduler's resolver is wired to this
// Context's instance registry so the scheduler never holds instances
// directly (resolver-function pattern, avoids the ownership cycle between
// PoolInstance and GlobalScheduler).
func New(clock *marketclock.Clock, configs cfgpkg.Repository, statuses cfgpkg.StatusRepository, log *logrus.Entry) *Context {
	c := &Context{
		Clock:     clock,
		Configs:   configs,
		Statuses:  statuses,
		Metrics:   metrics.New(),
		Log:       log,
		instances: make(map[cfgpkg.Key]*instance.Instance),
	}
	c.Scheduler = scheduler.New(configs, clock, c.resolve, log)
	return c
}

func (c *Context) resolve(key cfgpkg.Key) (scheduler.Resolvable, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.instances[key]
	if !ok {
		return nil, false
	}
	return inst, true
}

// Instance returns the instance for key, creating it (in the Created
// lifecycle state, not yet started) if it does not exist.
func (c *Context) Instance(key cfgpkg.Key) *instance.Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inst, ok := c.instances[key]; ok {
		return inst
	}
	inst := instance.New(key, c.Clock, c.Configs, c.Statuses, c.Metrics, c.Log)
	c.instances[key] = inst
	return inst
}

// LookupInstance returns the instance for key only if it already exists.
func (c *Context) LookupInstance(key cfgpkg.Key) (*instance.Instance, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.instances[key]
	return inst, ok
}

// AllInstances returns a snapshot slice of every instance created so far,
// for the GET /pools listing endpoint.
func (c *Context) AllInstances() []*instance.Instance {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*instance.Instance, 0, len(c.instances))
	for _, inst := range c.instances {
		out = append(out, inst)
	}
	return out
}

// Bootstrap creates (but does not start) one LIVE and one BACKFILL instance
// per market in markets, so the scheduler's resolver can find them on its
// first tick.
func (c *Context) Bootstrap(markets []string) {
	for _, m := range markets {
		c.Instance(cfgpkg.Key{Market: m, Mode: cfgpkg.ModeLive})
		c.Instance(cfgpkg.Key{Market: m, Mode: cfgpkg.ModeBackfill})
	}
}

// ParseMode validates a raw mode string from a request.
func ParseMode(raw string) (cfgpkg.Mode, error) {
	switch raw {
	case "", string(cfgpkg.ModeLive):
		return cfgpkg.ModeLive, nil
	case string(cfgpkg.ModeBackfill):
		return cfgpkg.ModeBackfill, nil
	default:
		return "", errs.New(errs.KindInvalidArgument, "unknown mode %q", raw)
	}
}

// StartAll starts the global scheduler's background tick.
func (c *Context) StartAll(ctx context.Context) {
	c.Scheduler.Start(ctx)
}

// StopAll stops the scheduler and every created instance.
func (c *Context) StopAll(ctx context.Context) {
	c.Scheduler.Stop()
	for _, inst := range c.AllInstances() {
		if inst.IsRunning() {
			inst.Stop(ctx)
		}
	}
}
