package config

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/drsoft-oss/proxypoolsvc/pkg/errs"
)

// PostgresRepository persists Config/Status rows keyed by (market, mode) in
// a relational store. Two tables: pool_config and pool_status, each with a
// composite (market, mode) primary key. Individual proxy addresses are
// never written here — only configuration and aggregate status.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository opens a connection pool against dsn (a
// postgres:// DSN) and verifies connectivity.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.KindPersistenceError, err, "open postgres connection")
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, errs.Wrap(errs.KindPersistenceError, err, "ping postgres")
	}
	return &PostgresRepository{db: db}, nil
}

// EnsureSchema creates the pool_config and pool_status tables if absent.
// Safe to call on every boot.
func (p *PostgresRepository) EnsureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS pool_config (
	market TEXT NOT NULL,
	mode TEXT NOT NULL,
	upstream_api_url TEXT NOT NULL DEFAULT '',
	upstream_enabled BOOLEAN NOT NULL DEFAULT false,
	batch_size INT NOT NULL DEFAULT 20,
	target_size INT NOT NULL DEFAULT 20,
	low_watermark INT NOT NULL DEFAULT 5,
	proxy_lifetime_minutes INT NOT NULL DEFAULT 10,
	rotation_interval_minutes INT NOT NULL DEFAULT 7,
	auto_start_enabled BOOLEAN NOT NULL DEFAULT true,
	pre_market_start_minutes INT NOT NULL DEFAULT 5,
	post_market_stop_minutes INT NOT NULL DEFAULT 5,
	backfill_enabled BOOLEAN NOT NULL DEFAULT true,
	backfill_duration_hours INT NOT NULL DEFAULT 4,
	PRIMARY KEY (market, mode)
);
CREATE TABLE IF NOT EXISTS pool_status (
	market TEXT NOT NULL,
	mode TEXT NOT NULL,
	is_running BOOLEAN NOT NULL DEFAULT false,
	manually_started BOOLEAN NOT NULL DEFAULT false,
	active_buffer TEXT NOT NULL DEFAULT '',
	active_size INT NOT NULL DEFAULT 0,
	standby_size INT NOT NULL DEFAULT 0,
	total_requests BIGINT NOT NULL DEFAULT 0,
	success_count BIGINT NOT NULL DEFAULT 0,
	failure_count BIGINT NOT NULL DEFAULT 0,
	success_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
	uptime_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_rotation_time TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (market, mode)
);`
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return errs.Wrap(errs.KindPersistenceError, err, "ensure schema")
	}
	return nil
}

func (p *PostgresRepository) Load(ctx context.Context, key Key) (Config, error) {
	row := p.db.QueryRowContext(ctx, `
SELECT upstream_api_url, upstream_enabled, batch_size, target_size, low_watermark,
       proxy_lifetime_minutes, rotation_interval_minutes, auto_start_enabled,
       pre_market_start_minutes, post_market_stop_minutes, backfill_enabled, backfill_duration_hours
FROM pool_config WHERE market = $1 AND mode = $2`, key.Market, string(key.Mode))

	var cfg Config
	err := row.Scan(&cfg.UpstreamAPIURL, &cfg.UpstreamEnabled, &cfg.BatchSize, &cfg.TargetSize,
		&cfg.LowWatermark, &cfg.ProxyLifetimeMinutes, &cfg.RotationIntervalMinutes, &cfg.AutoStartEnabled,
		&cfg.PreMarketStartMinutes, &cfg.PostMarketStopMinutes, &cfg.BackfillEnabled, &cfg.BackfillDurationHours)
	if err == sql.ErrNoRows {
		return Config{}, errs.New(errs.KindNotFound, "no config for market=%s mode=%s", key.Market, key.Mode)
	}
	if err != nil {
		return Config{}, errs.Wrap(errs.KindPersistenceError, err, "load config")
	}
	return cfg, nil
}

func (p *PostgresRepository) Save(ctx context.Context, key Key, cfg Config) error {
	_, err := p.db.ExecContext(ctx, `
INSERT INTO pool_config (market, mode, upstream_api_url, upstream_enabled, batch_size, target_size,
	low_watermark, proxy_lifetime_minutes, rotation_interval_minutes, auto_start_enabled,
	pre_market_start_minutes, post_market_stop_minutes, backfill_enabled, backfill_duration_hours)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (market, mode) DO UPDATE SET
	upstream_api_url = EXCLUDED.upstream_api_url,
	upstream_enabled = EXCLUDED.upstream_enabled,
	batch_size = EXCLUDED.batch_size,
	target_size = EXCLUDED.target_size,
	low_watermark = EXCLUDED.low_watermark,
	proxy_lifetime_minutes = EXCLUDED.proxy_lifetime_minutes,
	rotation_interval_minutes = EXCLUDED.rotation_interval_minutes,
	auto_start_enabled = EXCLUDED.auto_start_enabled,
	pre_market_start_minutes = EXCLUDED.pre_market_start_minutes,
	post_market_stop_minutes = EXCLUDED.post_market_stop_minutes,
	backfill_enabled = EXCLUDED.backfill_enabled,
	backfill_duration_hours = EXCLUDED.backfill_duration_hours`,
		key.Market, string(key.Mode), cfg.UpstreamAPIURL, cfg.UpstreamEnabled, cfg.BatchSize, cfg.TargetSize,
		cfg.LowWatermark, cfg.ProxyLifetimeMinutes, cfg.RotationIntervalMinutes, cfg.AutoStartEnabled,
		cfg.PreMarketStartMinutes, cfg.PostMarketStopMinutes, cfg.BackfillEnabled, cfg.BackfillDurationHours)
	if err != nil {
		return errs.Wrap(errs.KindPersistenceError, err, "save config")
	}
	return nil
}

func (p *PostgresRepository) All(ctx context.Context) (map[Key]Config, error) {
	rows, err := p.db.QueryContext(ctx, `
SELECT market, mode, upstream_api_url, upstream_enabled, batch_size, target_size, low_watermark,
       proxy_lifetime_minutes, rotation_interval_minutes, auto_start_enabled,
       pre_market_start_minutes, post_market_stop_minutes, backfill_enabled, backfill_duration_hours
FROM pool_config`)
	if err != nil {
		return nil, errs.Wrap(errs.KindPersistenceError, err, "list configs")
	}
	defer rows.Close()

	out := make(map[Key]Config)
	for rows.Next() {
		var market, mode string
		var cfg Config
		if err := rows.Scan(&market, &mode, &cfg.UpstreamAPIURL, &cfg.UpstreamEnabled, &cfg.BatchSize,
			&cfg.TargetSize, &cfg.LowWatermark, &cfg.ProxyLifetimeMinutes, &cfg.RotationIntervalMinutes,
			&cfg.AutoStartEnabled, &cfg.PreMarketStartMinutes, &cfg.PostMarketStopMinutes,
			&cfg.BackfillEnabled, &cfg.BackfillDurationHours); err != nil {
			return nil, errs.Wrap(errs.KindPersistenceError, err, "scan config row")
		}
		out[Key{Market: market, Mode: Mode(mode)}] = cfg
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindPersistenceError, err, "iterate config rows")
	}
	return out, nil
}

func (p *PostgresRepository) LoadStatus(ctx context.Context, key Key) (Status, error) {
	row := p.db.QueryRowContext(ctx, `
SELECT is_running, manually_started, active_buffer, active_size, standby_size,
       total_requests, success_count, failure_count, success_rate, uptime_seconds,
       last_rotation_time, updated_at
FROM pool_status WHERE market = $1 AND mode = $2`, key.Market, string(key.Mode))

	var st Status
	st.Key = key
	var lastRotation sql.NullTime
	err := row.Scan(&st.IsRunning, &st.ManuallyStarted, &st.ActiveBuffer, &st.ActiveSize, &st.StandbySize,
		&st.TotalRequests, &st.SuccessCount, &st.FailureCount, &st.SuccessRate, &st.UptimeSeconds,
		&lastRotation, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return Status{Key: key}, nil
	}
	if err != nil {
		return Status{}, errs.Wrap(errs.KindPersistenceError, err, "load status")
	}
	if lastRotation.Valid {
		st.LastRotationTime = lastRotation.Time
	}
	return st, nil
}

func (p *PostgresRepository) SaveStatus(ctx context.Context, status Status) error {
	_, err := p.db.ExecContext(ctx, `
INSERT INTO pool_status (market, mode, is_running, manually_started, active_buffer, active_size,
	standby_size, total_requests, success_count, failure_count, success_rate, uptime_seconds,
	last_rotation_time, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,now())
ON CONFLICT (market, mode) DO UPDATE SET
	is_running = EXCLUDED.is_running,
	manually_started = EXCLUDED.manually_started,
	active_buffer = EXCLUDED.active_buffer,
	active_size = EXCLUDED.active_size,
	standby_size = EXCLUDED.standby_size,
	total_requests = EXCLUDED.total_requests,
	success_count = EXCLUDED.success_count,
	failure_count = EXCLUDED.failure_count,
	success_rate = EXCLUDED.success_rate,
	uptime_seconds = EXCLUDED.uptime_seconds,
	last_rotation_time = EXCLUDED.last_rotation_time,
	updated_at = now()`,
		status.Key.Market, string(status.Key.Mode), status.IsRunning, status.ManuallyStarted,
		status.ActiveBuffer, status.ActiveSize, status.StandbySize, status.TotalRequests,
		status.SuccessCount, status.FailureCount, status.SuccessRate, status.UptimeSeconds,
		nullableTime(status.LastRotationTime))
	if err != nil {
		return errs.Wrap(errs.KindPersistenceError, err, "save status")
	}
	return nil
}

func nullableTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
