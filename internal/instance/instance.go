// Package instance implements PoolInstance: the per-(market,mode) owner of
// one PoolEngine and one health checker, with Start/Stop lifecycle, config
// reload, and status snapshotting.
package instance

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	cfgpkg "github.com/drsoft-oss/proxypoolsvc/internal/config"
	"github.com/drsoft-oss/proxypoolsvc/internal/fetcher"
	"github.com/drsoft-oss/proxypoolsvc/internal/healthcheck"
	"github.com/drsoft-oss/proxypoolsvc/internal/marketclock"
	"github.com/drsoft-oss/proxypoolsvc/internal/metrics"
	"github.com/drsoft-oss/proxypoolsvc/internal/poolengine"
	"github.com/drsoft-oss/proxypoolsvc/pkg/errs"
)

// healthCheckInterval is the default cadence between health-check batches
// per §4.3.
const healthCheckInterval = 300 * time.Second

// stopGracePeriod bounds how long Stop waits for background tasks.
const stopGracePeriod = 10 * time.Second

// Instance owns one PoolEngine, one health checker, and lifecycle state for
// a single (market, mode) identity.
type Instance struct {
	key     cfgpkg.Key
	clock   *marketclock.Clock
	repo    cfgpkg.Repository
	status  cfgpkg.StatusRepository
	metrics *metrics.Metrics
	log     *logrus.Entry

	mu              sync.Mutex
	cfg             cfgpkg.Config
	cfgLoaded       bool
	engine          *poolengine.Engine
	checker         *healthcheck.Checker
	running         bool
	manuallyStarted bool
	startedAt       time.Time

	healthStop chan struct{}
	healthWG   sync.WaitGroup

	backfillStop chan struct{}
}

// New builds an Instance for key. The engine is created lazily on Start.
func New(key cfgpkg.Key, clock *marketclock.Clock, repo cfgpkg.Repository, status cfgpkg.StatusRepository, m *metrics.Metrics, log *logrus.Entry) *Instance {
	return &Instance{
		key:     key,
		clock:   clock,
		repo:    repo,
		status:  status,
		metrics: m,
		log:     log.WithField("market", key.Market).WithField("mode", string(key.Mode)),
	}
}

// Key returns the instance's (market, mode) identity.
func (in *Instance) Key() cfgpkg.Key { return in.key }

// IsRunning reports whether the instance is currently started.
func (in *Instance) IsRunning() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.running
}

// ManuallyStarted reports whether the running instance was started via an
// operator override, which suppresses GlobalScheduler auto-stop.
func (in *Instance) ManuallyStarted() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.manuallyStarted
}

func (in *Instance) loadConfigLocked(ctx context.Context) error {
	if in.cfgLoaded {
		return nil
	}
	cfg, err := in.repo.Load(ctx, in.key)
	if errs.Is(err, errs.KindNotFound) {
		cfg = cfgpkg.Default()
		if saveErr := in.repo.Save(ctx, in.key, cfg); saveErr != nil {
			in.log.WithError(saveErr).Warn("failed to persist default config")
		}
	} else if err != nil {
		return err
	}
	in.cfg = cfg
	in.cfgLoaded = true
	return nil
}

// Start starts the instance. In LIVE mode with force=false, Start refuses
// when the market clock reports the instance should not be running (past
// the post-market stop window). force=true bypasses that check.
func (in *Instance) Start(ctx context.Context, force bool) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.running {
		return nil
	}
	if err := in.loadConfigLocked(ctx); err != nil {
		return err
	}

	if in.key.Mode == cfgpkg.ModeLive && !force {
		if in.clock.ShouldStop(in.key.Market, in.cfg.PostMarketStopMinutes) {
			return errs.New(errs.KindMarketClosed, "market %s is closed", in.key.Market)
		}
	}

	var f fetcher.Fetcher
	if in.cfg.UpstreamEnabled && in.cfg.UpstreamAPIURL != "" {
		f = fetcher.NewVendorFetcher(fetcher.VendorConfig{APIURL: in.cfg.UpstreamAPIURL}, in.log)
	} else {
		f = fetcher.NewMockFetcher(in.key.Market)
	}

	in.engine = poolengine.New(poolengine.Config{
		BatchSize:        in.cfg.BatchSize,
		TargetSize:       in.cfg.TargetSize,
		LowWatermark:     in.cfg.LowWatermark,
		ProxyLifetime:    in.cfg.ProxyLifetime(),
		RotationInterval: in.cfg.RotationInterval(),
		BatchCount:       poolengine.DefaultBatchCount,
	}, f, in.log)
	in.checker = healthcheck.New(healthcheck.DefaultConfig(), in.log)

	in.engine.Start(ctx)
	in.healthStop = make(chan struct{})
	in.healthWG.Add(1)
	go in.healthCheckLoop(ctx)

	in.running = true
	in.startedAt = time.Now()
	if force {
		in.manuallyStarted = true
	}
	in.persistStatus(ctx)
	return nil
}

// StartManual starts a BACKFILL-mode instance with force=true and schedules
// an automatic stop after durationHours.
func (in *Instance) StartManual(ctx context.Context, durationHours int) error {
	if in.key.Mode != cfgpkg.ModeBackfill {
		return errs.New(errs.KindInvalidArgument, "manual start requires BACKFILL mode")
	}
	if err := in.Start(ctx, true); err != nil {
		return err
	}

	in.mu.Lock()
	if in.backfillStop != nil {
		close(in.backfillStop)
	}
	stop := make(chan struct{})
	in.backfillStop = stop
	in.mu.Unlock()

	go func() {
		select {
		case <-time.After(time.Duration(durationHours) * time.Hour):
			in.log.Info("backfill duration elapsed, auto-stopping")
			in.Stop(context.Background())
		case <-stop:
		}
	}()
	return nil
}

// Stop cancels background tasks and waits for them to exit, up to a grace
// period. Idempotent.
func (in *Instance) Stop(ctx context.Context) error {
	in.mu.Lock()
	if !in.running {
		in.mu.Unlock()
		return nil
	}
	engine := in.engine
	healthStop := in.healthStop
	in.running = false
	in.manuallyStarted = false
	in.mu.Unlock()

	done := make(chan struct{})
	go func() {
		engine.Stop()
		close(healthStop)
		in.healthWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopGracePeriod):
		in.log.Warn("stop grace period elapsed, abandoning background tasks")
	}

	in.mu.Lock()
	in.persistStatus(ctx)
	in.mu.Unlock()
	return nil
}

// GetProxy delegates to the engine and asynchronously updates persisted
// counters. Persistence failures never fail the request.
func (in *Instance) GetProxy(ctx context.Context) (string, error) {
	in.mu.Lock()
	if !in.running {
		in.mu.Unlock()
		return "", errs.New(errs.KindNotRunning, "instance %s/%s is not running", in.key.Market, in.key.Mode)
	}
	engine := in.engine
	in.mu.Unlock()

	p := engine.GetProxy()
	go in.asyncPersistStatus()
	if in.metrics != nil {
		labels := []string{in.key.Market, string(in.key.Mode)}
		in.metrics.RequestsTotal.WithLabelValues(labels...).Inc()
		if p == nil {
			in.metrics.NoProxyTotal.WithLabelValues(labels...).Inc()
		}
	}
	if p == nil {
		return "", nil
	}
	return p.Address, nil
}

// ReportFailure delegates to the engine. Idempotent for repeated addresses.
func (in *Instance) ReportFailure(ctx context.Context, addr string) error {
	in.mu.Lock()
	if !in.running {
		in.mu.Unlock()
		return errs.New(errs.KindNotRunning, "instance %s/%s is not running", in.key.Market, in.key.Mode)
	}
	engine := in.engine
	in.mu.Unlock()

	engine.ReportFailure(addr)
	go in.asyncPersistStatus()
	return nil
}

func (in *Instance) asyncPersistStatus() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.running {
		return
	}
	in.persistStatus(context.Background())
}

// persistStatus must be called with in.mu held.
func (in *Instance) persistStatus(ctx context.Context) {
	if in.status == nil {
		return
	}
	st := cfgpkg.Status{
		Key:             in.key,
		IsRunning:       in.running,
		ManuallyStarted: in.manuallyStarted,
		UpdatedAt:       time.Now(),
	}
	if in.engine != nil {
		snap := in.engine.Status()
		st.ActiveBuffer = string(snap.Active)
		st.ActiveSize = snap.ActiveSize
		st.StandbySize = snap.StandbySize
		st.TotalRequests = snap.Counters.TotalRequests
		st.SuccessCount = snap.Counters.SuccessCount
		st.FailureCount = snap.Counters.FailureCount
		st.SuccessRate = successRate(snap.Counters.SuccessCount, snap.Counters.TotalRequests)
		st.LastRotationTime = snap.LastRotation
	}
	if in.running {
		st.UptimeSeconds = time.Since(in.startedAt).Seconds()
	}
	if err := in.status.SaveStatus(ctx, st); err != nil {
		in.log.WithError(err).Debug("failed to persist status")
	}
}

// healthCheckLoop probes every address the engine currently holds every
// healthCheckInterval, then forwards unhealthy addresses to the engine's
// eviction path.
func (in *Instance) healthCheckLoop(ctx context.Context) {
	defer in.healthWG.Done()
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			in.runHealthCheckPass(ctx)
		case <-in.healthStop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (in *Instance) runHealthCheckPass(ctx context.Context) {
	in.mu.Lock()
	engine := in.engine
	checker := in.checker
	in.mu.Unlock()
	if engine == nil || checker == nil {
		return
	}

	start := time.Now()
	addrs := engine.AllAddresses()
	checker.CheckBatch(ctx, addrs)
	if in.metrics != nil {
		in.metrics.HealthCheckPassSeconds.WithLabelValues(in.key.Market, string(in.key.Mode)).
			Observe(time.Since(start).Seconds())
	}
	checker.Clear(toSet(addrs))

	unhealthy := checker.Unhealthy(addrs)
	if len(unhealthy) > 0 {
		engine.EvictUnhealthy(unhealthy)
	}
}

// successRate returns success/total, or 0 if total is 0.
func successRate(success, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(success) / float64(total)
}

func toSet(addrs []string) map[string]bool {
	out := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		out[a] = true
	}
	return out
}

// ConfigPatch carries the subset of Config fields being updated by
// UpdateConfig. A nil field means "leave unchanged"; an unrecognized key
// in the raw patch map the caller built this from must already have been
// rejected before reaching here (see ValidatePatchKeys).
type ConfigPatch struct {
	UpstreamAPIURL          *string
	UpstreamEnabled         *bool
	BatchSize               *int
	TargetSize              *int
	LowWatermark            *int
	ProxyLifetimeMinutes    *int
	RotationIntervalMinutes *int
	AutoStartEnabled        *bool
	PreMarketStartMinutes   *int
	PostMarketStopMinutes   *int
	BackfillEnabled         *bool
	BackfillDurationHours   *int
}

// recognizedPatchFields is used by ValidatePatchKeys to reject unknown
// fields in a raw JSON patch as InvalidArgument per the design notes.
var recognizedPatchFields = map[string]bool{
	"upstream_api_url":          true,
	"upstream_enabled":          true,
	"batch_size":                true,
	"target_size":               true,
	"low_watermark":             true,
	"proxy_lifetime_minutes":    true,
	"rotation_interval_minutes": true,
	"auto_start_enabled":        true,
	"pre_market_start_minutes":  true,
	"post_market_stop_minutes":  true,
	"backfill_enabled":          true,
	"backfill_duration_hours":   true,
}

// ValidatePatchKeys rejects a raw patch map containing any key outside the
// recognized configuration options.
func ValidatePatchKeys(raw map[string]any) error {
	for k := range raw {
		if !recognizedPatchFields[k] {
			return errs.New(errs.KindInvalidArgument, "unrecognized config field %q", k)
		}
	}
	return nil
}

func applyPatch(cfg cfgpkg.Config, patch ConfigPatch) cfgpkg.Config {
	if patch.UpstreamAPIURL != nil {
		cfg.UpstreamAPIURL = *patch.UpstreamAPIURL
	}
	if patch.UpstreamEnabled != nil {
		cfg.UpstreamEnabled = *patch.UpstreamEnabled
	}
	if patch.BatchSize != nil {
		cfg.BatchSize = *patch.BatchSize
	}
	if patch.TargetSize != nil {
		cfg.TargetSize = *patch.TargetSize
	}
	if patch.LowWatermark != nil {
		cfg.LowWatermark = *patch.LowWatermark
	}
	if patch.ProxyLifetimeMinutes != nil {
		cfg.ProxyLifetimeMinutes = *patch.ProxyLifetimeMinutes
	}
	if patch.RotationIntervalMinutes != nil {
		cfg.RotationIntervalMinutes = *patch.RotationIntervalMinutes
	}
	if patch.AutoStartEnabled != nil {
		cfg.AutoStartEnabled = *patch.AutoStartEnabled
	}
	if patch.PreMarketStartMinutes != nil {
		cfg.PreMarketStartMinutes = *patch.PreMarketStartMinutes
	}
	if patch.PostMarketStopMinutes != nil {
		cfg.PostMarketStopMinutes = *patch.PostMarketStopMinutes
	}
	if patch.BackfillEnabled != nil {
		cfg.BackfillEnabled = *patch.BackfillEnabled
	}
	if patch.BackfillDurationHours != nil {
		cfg.BackfillDurationHours = *patch.BackfillDurationHours
	}
	return cfg
}

// UpdateConfig validates and persists patch, then if the instance is
// currently running, performs Stop -> Start(force=true) to rebuild the
// engine with the new parameters.
func (in *Instance) UpdateConfig(ctx context.Context, patch ConfigPatch) error {
	if patch.BatchSize != nil && (*patch.BatchSize < 1 || *patch.BatchSize > 400) {
		return errs.New(errs.KindInvalidArgument, "batch_size must be between 1 and 400")
	}
	if patch.TargetSize != nil && *patch.TargetSize < 0 {
		return errs.New(errs.KindInvalidArgument, "target_size must be non-negative")
	}

	in.mu.Lock()
	if err := in.loadConfigLocked(ctx); err != nil {
		in.mu.Unlock()
		return err
	}
	newCfg := applyPatch(in.cfg, patch)
	wasRunning := in.running
	in.mu.Unlock()

	if err := in.repo.Save(ctx, in.key, newCfg); err != nil {
		return err
	}

	in.mu.Lock()
	in.cfg = newCfg
	in.mu.Unlock()

	if wasRunning {
		if err := in.Stop(ctx); err != nil {
			return err
		}
		return in.Start(ctx, true)
	}
	return nil
}

// Status is the combined PoolInstance snapshot returned to operators.
// SuccessRate and UptimeSeconds mirror the original service's
// ProxyPoolStats/ProxyPoolStatus entities.
type Status struct {
	Key             cfgpkg.Key
	Running         bool
	ManuallyStarted bool
	Engine          poolengine.Snapshot
	Market          marketclock.Status
	Health          healthcheck.Summary
	SuccessRate     float64
	UptimeSeconds   float64
}

// StatusSnapshot returns a combined snapshot of engine, market, and health
// state.
func (in *Instance) StatusSnapshot() Status {
	in.mu.Lock()
	defer in.mu.Unlock()

	s := Status{
		Key:             in.key,
		Running:         in.running,
		ManuallyStarted: in.manuallyStarted,
		Market:          in.clock.MarketStatus(in.key.Market),
	}
	if in.engine != nil {
		s.Engine = in.engine.Status()
		s.SuccessRate = successRate(s.Engine.Counters.SuccessCount, s.Engine.Counters.TotalRequests)
	}
	if in.checker != nil {
		s.Health = in.checker.Summarize()
	}
	if in.running {
		s.UptimeSeconds = time.Since(in.startedAt).Seconds()
	}
	return s
}

// Engine exposes the underlying engine for diagnostic endpoints (buffer
// contents listing). Returns nil if not yet started.
func (in *Instance) Engine() *poolengine.Engine {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.engine
}
