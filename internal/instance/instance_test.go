package instance

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	cfgpkg "github.com/drsoft-oss/proxypoolsvc/internal/config"
	"github.com/drsoft-oss/proxypoolsvc/internal/marketclock"
	"github.com/drsoft-oss/proxypoolsvc/internal/metrics"
	"github.com/drsoft-oss/proxypoolsvc/pkg/errs"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func testClock(t *testing.T) *marketclock.Clock {
	t.Helper()
	c, err := marketclock.New()
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func fastConfig() cfgpkg.Config {
	cfg := cfgpkg.Default()
	cfg.TargetSize = 5
	cfg.BatchSize = 5
	cfg.RotationIntervalMinutes = 0 // rotation floor still applies via proxy lifetime margin
	cfg.ProxyLifetimeMinutes = 0
	cfg.UpstreamEnabled = false
	return cfg
}

func TestStart_ForceBypassesMarketClosed(t *testing.T) {
	repo := cfgpkg.NewMemoryRepository()
	key := cfgpkg.Key{Market: "hk", Mode: cfgpkg.ModeLive}
	repo.Save(context.Background(), key, fastConfig())

	in := New(key, testClock(t), repo, repo, metrics.New(), testLogger())
	if err := in.Start(context.Background(), true); err != nil {
		t.Fatalf("expected force-start to succeed, got %v", err)
	}
	if !in.IsRunning() {
		t.Fatal("expected instance running after force start")
	}
	if !in.ManuallyStarted() {
		t.Fatal("expected manually-started flag set after force start")
	}
	in.Stop(context.Background())
}

func TestGetProxy_NotRunningIsError(t *testing.T) {
	repo := cfgpkg.NewMemoryRepository()
	key := cfgpkg.Key{Market: "hk", Mode: cfgpkg.ModeLive}
	in := New(key, testClock(t), repo, repo, metrics.New(), testLogger())

	_, err := in.GetProxy(context.Background())
	if !errs.Is(err, errs.KindNotRunning) {
		t.Fatalf("expected NotRunning, got %v", err)
	}
}

func TestGetProxy_ReturnsAddressAfterStart(t *testing.T) {
	repo := cfgpkg.NewMemoryRepository()
	key := cfgpkg.Key{Market: "hk", Mode: cfgpkg.ModeLive}
	repo.Save(context.Background(), key, fastConfig())
	in := New(key, testClock(t), repo, repo, metrics.New(), testLogger())

	if err := in.Start(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	defer in.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	var addr string
	for time.Now().Before(deadline) {
		a, err := in.GetProxy(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if a != "" {
			addr = a
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if addr == "" {
		t.Fatal("expected a proxy address within deadline")
	}
}

func TestUpdateConfig_RejectsUnknownField(t *testing.T) {
	err := ValidatePatchKeys(map[string]any{"bogus_field": 1})
	if !errs.Is(err, errs.KindInvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestUpdateConfig_RestartsRunningInstance(t *testing.T) {
	repo := cfgpkg.NewMemoryRepository()
	key := cfgpkg.Key{Market: "hk", Mode: cfgpkg.ModeLive}
	repo.Save(context.Background(), key, fastConfig())
	in := New(key, testClock(t), repo, repo, metrics.New(), testLogger())

	if err := in.Start(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	defer in.Stop(context.Background())

	newSize := 10
	if err := in.UpdateConfig(context.Background(), ConfigPatch{TargetSize: &newSize}); err != nil {
		t.Fatal(err)
	}
	if !in.IsRunning() {
		t.Fatal("expected instance still running after config update")
	}
}

func TestStop_Idempotent(t *testing.T) {
	repo := cfgpkg.NewMemoryRepository()
	key := cfgpkg.Key{Market: "hk", Mode: cfgpkg.ModeLive}
	repo.Save(context.Background(), key, fastConfig())
	in := New(key, testClock(t), repo, repo, metrics.New(), testLogger())

	if err := in.Start(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if err := in.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := in.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if in.IsRunning() {
		t.Fatal("expected not running after stop")
	}
}
