package scheduler

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	cfgpkg "github.com/drsoft-oss/proxypoolsvc/internal/config"
	"github.com/drsoft-oss/proxypoolsvc/internal/marketclock"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type fakeInstance struct {
	running         bool
	manuallyStarted bool
	startCalls      int
	stopCalls       int
}

func (f *fakeInstance) IsRunning() bool         { return f.running }
func (f *fakeInstance) ManuallyStarted() bool   { return f.manuallyStarted }
func (f *fakeInstance) Start(_ context.Context, force bool) error {
	f.startCalls++
	f.running = true
	if force {
		f.manuallyStarted = true
	}
	return nil
}
func (f *fakeInstance) Stop(_ context.Context) error {
	f.stopCalls++
	f.running = false
	f.manuallyStarted = false
	return nil
}

func newTestClock(t *testing.T) *marketclock.Clock {
	t.Helper()
	c, err := marketclock.New()
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestTick_StartsWhenShouldStartAndNotRunning(t *testing.T) {
	repo := cfgpkg.NewMemoryRepository()
	key := cfgpkg.Key{Market: "hk", Mode: cfgpkg.ModeLive}
	cfg := cfgpkg.Default()
	cfg.AutoStartEnabled = true
	cfg.PreMarketStartMinutes = 1440 // a full day pre-window makes should_start true at any time on a trading day
	repo.Save(context.Background(), key, cfg)

	inst := &fakeInstance{}
	clock := newTestClock(t)
	sched := New(repo, clock, func(k cfgpkg.Key) (Resolvable, bool) {
		if k == key {
			return inst, true
		}
		return nil, false
	}, testLogger())

	sched.Tick(context.Background())
	// On a trading day should_start holds and the stopped instance is
	// started once; on a weekend or holiday should_start is false and the
	// instance is left alone.
	want := 0
	if clock.IsTradingDay("hk", clock.Now("hk")) {
		want = 1
	}
	if inst.startCalls != want {
		t.Fatalf("expected %d start calls, got %d", want, inst.startCalls)
	}
}

func TestTick_ManuallyStartedNotAutoStopped(t *testing.T) {
	repo := cfgpkg.NewMemoryRepository()
	key := cfgpkg.Key{Market: "hk", Mode: cfgpkg.ModeLive}
	cfg := cfgpkg.Default()
	cfg.AutoStartEnabled = true
	cfg.PostMarketStopMinutes = 0
	repo.Save(context.Background(), key, cfg)

	inst := &fakeInstance{running: true, manuallyStarted: true}
	sched := New(repo, newTestClock(t), func(k cfgpkg.Key) (Resolvable, bool) {
		return inst, true
	}, testLogger())

	sched.Tick(context.Background())
	if inst.stopCalls != 0 {
		t.Fatalf("expected manually-started instance to never be auto-stopped, stop called %d times", inst.stopCalls)
	}
}

func TestTick_SkipsAutoStartDisabled(t *testing.T) {
	repo := cfgpkg.NewMemoryRepository()
	key := cfgpkg.Key{Market: "hk", Mode: cfgpkg.ModeLive}
	cfg := cfgpkg.Default()
	cfg.AutoStartEnabled = false
	repo.Save(context.Background(), key, cfg)

	inst := &fakeInstance{}
	sched := New(repo, newTestClock(t), func(k cfgpkg.Key) (Resolvable, bool) {
		return inst, true
	}, testLogger())

	sched.Tick(context.Background())
	if inst.startCalls != 0 {
		t.Fatalf("expected no start calls when auto_start_enabled=false, got %d", inst.startCalls)
	}
}

func TestTick_SkipsBackfillMode(t *testing.T) {
	repo := cfgpkg.NewMemoryRepository()
	key := cfgpkg.Key{Market: "hk", Mode: cfgpkg.ModeBackfill}
	cfg := cfgpkg.Default()
	cfg.AutoStartEnabled = true
	repo.Save(context.Background(), key, cfg)

	inst := &fakeInstance{}
	sched := New(repo, newTestClock(t), func(k cfgpkg.Key) (Resolvable, bool) {
		return inst, true
	}, testLogger())

	sched.Tick(context.Background())
	if inst.startCalls != 0 {
		t.Fatalf("expected BACKFILL-mode configs to never be scheduler-driven, got %d start calls", inst.startCalls)
	}
}

func TestForceStartMarket_NoInstanceIsNotFound(t *testing.T) {
	repo := cfgpkg.NewMemoryRepository()
	sched := New(repo, newTestClock(t), func(k cfgpkg.Key) (Resolvable, bool) {
		return nil, false
	}, testLogger())

	err := sched.ForceStartMarket(context.Background(), cfgpkg.Key{Market: "hk", Mode: cfgpkg.ModeLive})
	if err == nil {
		t.Fatal("expected error for unresolved instance")
	}
}

func TestForceStartMarket_SetsManuallyStarted(t *testing.T) {
	repo := cfgpkg.NewMemoryRepository()
	key := cfgpkg.Key{Market: "hk", Mode: cfgpkg.ModeLive}
	inst := &fakeInstance{}
	sched := New(repo, newTestClock(t), func(k cfgpkg.Key) (Resolvable, bool) {
		return inst, true
	}, testLogger())

	if err := sched.ForceStartMarket(context.Background(), key); err != nil {
		t.Fatal(err)
	}
	if !inst.manuallyStarted {
		t.Fatal("expected force-start to mark instance manually-started")
	}
}
