// Package scheduler implements GlobalScheduler: a single 60s-tick task that
// starts/stops LIVE-mode pool instances per MarketClock and per-instance
// auto-start policy, honoring manual overrides.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	cfgpkg "github.com/drsoft-oss/proxypoolsvc/internal/config"
	"github.com/drsoft-oss/proxypoolsvc/internal/marketclock"
	"github.com/drsoft-oss/proxypoolsvc/pkg/errs"
)

const tickInterval = 60 * time.Second

// Resolvable is the subset of Instance behavior the scheduler needs. Kept
// narrow and resolved by key (never stored directly) so the scheduler holds
// no back-reference to instances, matching the "resolver function" design.
type Resolvable interface {
	IsRunning() bool
	ManuallyStarted() bool
	Start(ctx context.Context, force bool) error
	Stop(ctx context.Context) error
}

// Resolver looks up the live instance for a (market, mode) key. It returns
// (nil, false) if no instance exists for that key in this process.
type Resolver func(key cfgpkg.Key) (Resolvable, bool)

// GlobalScheduler owns the 60s tick and drives per-market start/stop
// decisions from MarketClock.
type GlobalScheduler struct {
	repo    cfgpkg.Repository
	clock   *marketclock.Clock
	resolve Resolver
	log     *logrus.Entry

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a GlobalScheduler. resolve is consulted on every tick; it may
// return a different instance set over time as instances are created.
func New(repo cfgpkg.Repository, clock *marketclock.Clock, resolve Resolver, log *logrus.Entry) *GlobalScheduler {
	return &GlobalScheduler{
		repo:    repo,
		clock:   clock,
		resolve: resolve,
		log:     log,
	}
}

// Start launches the scheduler's background tick loop.
func (s *GlobalScheduler) Start(ctx context.Context) {
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop cancels the tick loop and waits for it to exit.
func (s *GlobalScheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *GlobalScheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs one scheduling pass. Exported for tests that want to drive the
// scheduler deterministically instead of waiting on the real tick interval.
func (s *GlobalScheduler) Tick(ctx context.Context) {
	s.tick(ctx)
}

func (s *GlobalScheduler) tick(ctx context.Context) {
	configs, err := s.repo.All(ctx)
	if err != nil {
		s.log.WithError(err).Error("scheduler: failed to load configs, skipping this tick")
		return
	}

	for key, cfg := range configs {
		if key.Mode != cfgpkg.ModeLive || !cfg.AutoStartEnabled {
			continue
		}
		s.checkOne(ctx, key, cfg)
	}
}

func (s *GlobalScheduler) checkOne(ctx context.Context, key cfgpkg.Key, cfg cfgpkg.Config) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("market", key.Market).WithField("panic", r).Error("scheduler: per-market panic, continuing")
		}
	}()

	inst, ok := s.resolve(key)
	if !ok {
		return
	}

	shouldStart := s.clock.ShouldStart(key.Market, cfg.PreMarketStartMinutes)
	shouldStop := s.clock.ShouldStop(key.Market, cfg.PostMarketStopMinutes)
	running := inst.IsRunning()

	if shouldStart && !running {
		s.log.WithField("market", key.Market).Info("scheduler: starting instance")
		if err := inst.Start(ctx, false); err != nil {
			s.log.WithField("market", key.Market).WithError(err).Warn("scheduler: start failed")
		}
		return
	}

	if shouldStop && running && !inst.ManuallyStarted() {
		s.log.WithField("market", key.Market).Info("scheduler: stopping instance")
		if err := inst.Stop(ctx); err != nil {
			s.log.WithField("market", key.Market).WithError(err).Warn("scheduler: stop failed")
		}
	}
}

// ForceStartMarket bypasses all checks and starts the instance for key,
// marking it manually-started so the next tick does not auto-stop it.
func (s *GlobalScheduler) ForceStartMarket(ctx context.Context, key cfgpkg.Key) error {
	inst, ok := s.resolve(key)
	if !ok {
		return errs.New(errs.KindNotFound, "no instance for market=%s mode=%s", key.Market, key.Mode)
	}
	return inst.Start(ctx, true)
}

// ForceStopMarket bypasses all checks and stops the instance for key,
// clearing any manually-started flag it held.
func (s *GlobalScheduler) ForceStopMarket(ctx context.Context, key cfgpkg.Key) error {
	inst, ok := s.resolve(key)
	if !ok {
		return errs.New(errs.KindNotFound, "no instance for market=%s mode=%s", key.Market, key.Mode)
	}
	return inst.Stop(ctx)
}
