// Package config defines the typed per-instance configuration and status
// records, and the repository interfaces that load/persist them. Neither
// repository stores individual proxy addresses — the pool is memory-only
// and rebuilt on restart.
package config

import (
	"context"
	"time"
)

// Mode distinguishes a live trading-hours instance from a manually-started
// backfill instance.
type Mode string

const (
	ModeLive     Mode = "LIVE"
	ModeBackfill Mode = "BACKFILL"
)

// Key identifies one PoolInstance.
type Key struct {
	Market string
	Mode   Mode
}

// Config is the frozen, recognized set of per-instance options, loaded from
// the repository at Start and cached until the next UpdateConfig.
type Config struct {
	UpstreamAPIURL         string
	UpstreamEnabled        bool
	BatchSize              int // 1-400
	TargetSize             int
	LowWatermark           int
	ProxyLifetimeMinutes   int
	RotationIntervalMinutes int
	AutoStartEnabled       bool
	PreMarketStartMinutes  int
	PostMarketStopMinutes  int
	BackfillEnabled        bool
	BackfillDurationHours  int
}

// ProxyLifetime is ProxyLifetimeMinutes as a time.Duration.
func (c Config) ProxyLifetime() time.Duration {
	return time.Duration(c.ProxyLifetimeMinutes) * time.Minute
}

// RotationInterval is RotationIntervalMinutes as a time.Duration.
func (c Config) RotationInterval() time.Duration {
	return time.Duration(c.RotationIntervalMinutes) * time.Minute
}

// Default returns a reasonable starting configuration, mirroring the
// original service's default-config fallback.
func Default() Config {
	return Config{
		UpstreamEnabled:         false,
		BatchSize:               20,
		TargetSize:              20,
		LowWatermark:            5,
		ProxyLifetimeMinutes:    10,
		RotationIntervalMinutes: 7,
		AutoStartEnabled:        true,
		PreMarketStartMinutes:   5,
		PostMarketStopMinutes:   5,
		BackfillEnabled:         true,
		BackfillDurationHours:   4,
	}
}

// Status is the persisted per-instance status snapshot. The "active"
// designator field is retained for diagnostics only per the design notes;
// no reader derives behavior from it. SuccessRate and UptimeSeconds mirror
// the original service's ProxyPoolStats/ProxyPoolStatus entities.
type Status struct {
	Key              Key
	IsRunning        bool
	ManuallyStarted  bool
	ActiveBuffer     string
	ActiveSize       int
	StandbySize      int
	TotalRequests    uint64
	SuccessCount     uint64
	FailureCount     uint64
	SuccessRate      float64 // SuccessCount / TotalRequests, 0 if TotalRequests == 0
	UptimeSeconds    float64 // time since the current run started, 0 if not running
	LastRotationTime time.Time
	UpdatedAt        time.Time
}

// Repository loads and saves per-instance Config records.
type Repository interface {
	Load(ctx context.Context, key Key) (Config, error)
	Save(ctx context.Context, key Key, cfg Config) error
	All(ctx context.Context) (map[Key]Config, error)
}

// StatusRepository loads and saves per-instance Status records.
type StatusRepository interface {
	LoadStatus(ctx context.Context, key Key) (Status, error)
	SaveStatus(ctx context.Context, status Status) error
}
