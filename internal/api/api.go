// Package api exposes the proxy pool service's HTTP surface under
// /api/v1, plus an ambient /metrics/prom Prometheus exposition endpoint.
// All JSON bodies include a "status" field; errors carry "detail" and an
// HTTP status derived from the error kind taxonomy.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	cfgpkg "github.com/drsoft-oss/proxypoolsvc/internal/config"
	"github.com/drsoft-oss/proxypoolsvc/internal/fetcher"
	"github.com/drsoft-oss/proxypoolsvc/internal/instance"
	"github.com/drsoft-oss/proxypoolsvc/internal/poolengine"
	"github.com/drsoft-oss/proxypoolsvc/internal/procctx"
	"github.com/drsoft-oss/proxypoolsvc/pkg/errs"
)

// Server is the API HTTP server.
type Server struct {
	ctx    *procctx.Context
	log    *logrus.Entry
	server *http.Server
}

// New builds a Server bound to addr, wiring every /api/v1 route plus
// /metrics/prom.
func New(addr string, pctx *procctx.Context) *Server {
	s := &Server{ctx: pctx, log: pctx.Log}

	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/rpc", s.handleRPC).Methods(http.MethodPost)
	v1.HandleFunc("/{market}/proxy", s.handleGetProxy).Methods(http.MethodGet)
	v1.HandleFunc("/{market}/proxy/failure", s.handleReportFailure).Methods(http.MethodPost)
	v1.HandleFunc("/{market}/proxies/list", s.handleProxiesList).Methods(http.MethodGet)
	v1.HandleFunc("/pools", s.handlePools).Methods(http.MethodGet)
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/metrics", s.handleMetricsJSON).Methods(http.MethodGet)
	v1.HandleFunc("/config", s.handleGetConfig).Methods(http.MethodGet)
	v1.HandleFunc("/config", s.handlePatchConfig).Methods(http.MethodPost)
	v1.HandleFunc("/config/hailiang/test", s.handleConfigTest).Methods(http.MethodPost)
	v1.HandleFunc("/start", s.handleStart).Methods(http.MethodPost)
	v1.HandleFunc("/stop", s.handleStop).Methods(http.MethodPost)
	v1.HandleFunc("/backfill/start", s.handleBackfillStart).Methods(http.MethodPost)
	v1.HandleFunc("/batch/start", s.handleBatchStart).Methods(http.MethodPost)
	v1.HandleFunc("/batch/stop", s.handleBatchStop).Methods(http.MethodPost)
	v1.HandleFunc("/scheduler/status", s.handleSchedulerStatus).Methods(http.MethodGet)
	v1.HandleFunc("/scheduler/force-start/{market}", s.handleForceStart).Methods(http.MethodPost)
	v1.HandleFunc("/scheduler/force-stop/{market}", s.handleForceStop).Methods(http.MethodPost)
	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.Handle("/metrics/prom", promhttp.HandlerFor(pctx.Metrics.Registry, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until the server stops.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// loggingMiddleware assigns a correlation ID to every request and logs its
// outcome, mirroring the teacher's structured request logging.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Correlation-ID", id)
		entry := s.log.WithField("correlation_id", id).WithField("path", r.URL.Path).WithField("method", r.Method)
		start := time.Now()
		next.ServeHTTP(w, r)
		entry.WithField("duration_ms", time.Since(start).Milliseconds()).Info("request handled")
	})
}

// -----------------------------------------------------------------------
// Response envelope
// -----------------------------------------------------------------------

func writeOK(w http.ResponseWriter, body map[string]any) {
	if body == nil {
		body = map[string]any{}
	}
	body["status"] = "ok"
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindUnknown
	if e, ok := err.(*errs.Error); ok {
		kind = e.Kind
	}
	code := httpStatusFor(kind)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status": "error",
		"detail": err.Error(),
	})
}

func httpStatusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindNotRunning, errs.KindInvalidArgument, errs.KindMarketClosed:
		return http.StatusBadRequest
	case errs.KindUpstreamError, errs.KindPersistenceError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func keyFromRequest(r *http.Request, marketFromPath string) (cfgpkg.Key, error) {
	market := marketFromPath
	if market == "" {
		market = r.URL.Query().Get("market")
	}
	if market == "" {
		return cfgpkg.Key{}, errs.New(errs.KindInvalidArgument, "market is required")
	}
	mode, err := procctx.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		return cfgpkg.Key{}, err
	}
	return cfgpkg.Key{Market: market, Mode: mode}, nil
}

// -----------------------------------------------------------------------
// RPC
// -----------------------------------------------------------------------

type rpcRequest struct {
	Event     string `json:"event"`
	Market    string `json:"market"`
	Mode      string `json:"mode"`
	ProxyType string `json:"proxy_type,omitempty"`
	ProxyAddr string `json:"proxy_addr,omitempty"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.KindInvalidArgument, err, "invalid JSON body"))
		return
	}
	mode, err := procctx.ParseMode(req.Mode)
	if err != nil {
		writeError(w, err)
		return
	}
	key := cfgpkg.Key{Market: req.Market, Mode: mode}

	switch req.Event {
	case "ping":
		writeOK(w, map[string]any{"pong": true})
	case "get_proxy":
		s.rpcGetProxy(w, r, key)
	case "report_failure":
		s.rpcReportFailure(w, r, key, req.ProxyAddr)
	case "get_status":
		s.rpcGetStatus(w, key)
	default:
		writeError(w, errs.New(errs.KindInvalidArgument, "unknown RPC event %q", req.Event))
	}
}

func (s *Server) rpcGetProxy(w http.ResponseWriter, r *http.Request, key cfgpkg.Key) {
	if key.Market == "" {
		writeError(w, errs.New(errs.KindInvalidArgument, "market is required"))
		return
	}
	inst, ok := s.ctx.LookupInstance(key)
	if !ok {
		writeError(w, errs.New(errs.KindNotFound, "no instance for market=%s mode=%s", key.Market, key.Mode))
		return
	}
	addr, err := inst.GetProxy(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"proxy": addr, "market": key.Market, "timestamp": time.Now().UTC()})
}

func (s *Server) rpcReportFailure(w http.ResponseWriter, r *http.Request, key cfgpkg.Key, addr string) {
	if addr == "" {
		writeError(w, errs.New(errs.KindInvalidArgument, "proxy_addr is required"))
		return
	}
	inst, ok := s.ctx.LookupInstance(key)
	if !ok {
		writeError(w, errs.New(errs.KindNotFound, "no instance for market=%s mode=%s", key.Market, key.Mode))
		return
	}
	if err := inst.ReportFailure(r.Context(), addr); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) rpcGetStatus(w http.ResponseWriter, key cfgpkg.Key) {
	inst, ok := s.ctx.LookupInstance(key)
	if !ok {
		writeError(w, errs.New(errs.KindNotFound, "no instance for market=%s mode=%s", key.Market, key.Mode))
		return
	}
	writeOK(w, map[string]any{"instance": statusToJSON(inst.StatusSnapshot())})
}

// -----------------------------------------------------------------------
// Request-routing endpoints
// -----------------------------------------------------------------------

func (s *Server) handleGetProxy(w http.ResponseWriter, r *http.Request) {
	market := mux.Vars(r)["market"]
	key := cfgpkg.Key{Market: market, Mode: cfgpkg.ModeLive}
	inst, ok := s.ctx.LookupInstance(key)
	if !ok {
		writeError(w, errs.New(errs.KindNotFound, "no instance for market=%s", market))
		return
	}
	addr, err := inst.GetProxy(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{
		"proxy":     addr,
		"market":    market,
		"type":      r.URL.Query().Get("proxy_type"),
		"timestamp": time.Now().UTC(),
	})
}

type failureRequest struct {
	Proxy  string `json:"proxy"`
	Reason string `json:"reason"`
}

func (s *Server) handleReportFailure(w http.ResponseWriter, r *http.Request) {
	market := mux.Vars(r)["market"]
	var req failureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.KindInvalidArgument, err, "invalid JSON body"))
		return
	}
	key := cfgpkg.Key{Market: market, Mode: cfgpkg.ModeLive}
	inst, ok := s.ctx.LookupInstance(key)
	if !ok {
		writeError(w, errs.New(errs.KindNotFound, "no instance for market=%s", market))
		return
	}
	if err := inst.ReportFailure(r.Context(), req.Proxy); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleProxiesList(w http.ResponseWriter, r *http.Request) {
	market := mux.Vars(r)["market"]
	key := cfgpkg.Key{Market: market, Mode: cfgpkg.ModeLive}
	inst, ok := s.ctx.LookupInstance(key)
	if !ok {
		writeError(w, errs.New(errs.KindNotFound, "no instance for market=%s", market))
		return
	}
	eng := inst.Engine()
	if eng == nil {
		writeOK(w, map[string]any{"active": []string{}, "standby": []string{}})
		return
	}
	contents := eng.BufferContents()
	snap := eng.Status()
	standbySlot := poolengine.SlotA
	if snap.Active == poolengine.SlotA {
		standbySlot = poolengine.SlotB
	}
	activeAddrs := addressesOf(contents[snap.Active])
	standbyAddrs := addressesOf(contents[standbySlot])
	writeOK(w, map[string]any{
		"active":       activeAddrs,
		"standby":      standbyAddrs,
		"active_size":  len(activeAddrs),
		"standby_size": len(standbyAddrs),
	})
}

// -----------------------------------------------------------------------
// Lifecycle / config endpoints
// -----------------------------------------------------------------------

type poolInfo struct {
	Market  string `json:"market"`
	Mode    string `json:"mode"`
	Running bool   `json:"running"`
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	var pools []poolInfo
	for _, inst := range s.ctx.AllInstances() {
		k := inst.Key()
		pools = append(pools, poolInfo{Market: k.Market, Mode: string(k.Mode), Running: inst.IsRunning()})
	}
	writeOK(w, map[string]any{"pools": pools})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRequest(r, "")
	if err != nil {
		writeError(w, err)
		return
	}
	inst, ok := s.ctx.LookupInstance(key)
	if !ok {
		writeError(w, errs.New(errs.KindNotFound, "no instance for market=%s mode=%s", key.Market, key.Mode))
		return
	}
	writeOK(w, map[string]any{"instance": statusToJSON(inst.StatusSnapshot())})
}

func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRequest(r, "")
	if err != nil {
		writeError(w, err)
		return
	}
	inst, ok := s.ctx.LookupInstance(key)
	if !ok {
		writeError(w, errs.New(errs.KindNotFound, "no instance for market=%s mode=%s", key.Market, key.Mode))
		return
	}
	snap := inst.StatusSnapshot()
	s.updatePrometheusGauges(key, snap)
	writeOK(w, map[string]any{
		"total_requests": snap.Engine.Counters.TotalRequests,
		"success_count":  snap.Engine.Counters.SuccessCount,
		"failure_count":  snap.Engine.Counters.FailureCount,
		"active_size":    snap.Engine.ActiveSize,
		"standby_size":   snap.Engine.StandbySize,
	})
}

func (s *Server) updatePrometheusGauges(key cfgpkg.Key, snap instance.Status) {
	labels := []string{key.Market, string(key.Mode)}
	s.ctx.Metrics.PoolActiveSize.WithLabelValues(labels...).Set(float64(snap.Engine.ActiveSize))
	s.ctx.Metrics.PoolStandbySize.WithLabelValues(labels...).Set(float64(snap.Engine.StandbySize))
	running := 0.0
	if snap.Running {
		running = 1.0
	}
	s.ctx.Metrics.InstanceRunning.WithLabelValues(labels...).Set(running)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRequest(r, "")
	if err != nil {
		writeError(w, err)
		return
	}
	cfg, err := s.ctx.Configs.Load(r.Context(), key)
	if errs.Is(err, errs.KindNotFound) {
		cfg = cfgpkg.Default()
	} else if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"config": cfg})
}

func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRequest(r, "")
	if err != nil {
		writeError(w, err)
		return
	}
	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, errs.Wrap(errs.KindInvalidArgument, err, "invalid JSON body"))
		return
	}
	if err := instance.ValidatePatchKeys(raw); err != nil {
		writeError(w, err)
		return
	}
	patch := patchFromRaw(raw)
	inst := s.ctx.Instance(key)
	if err := inst.UpdateConfig(r.Context(), patch); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleConfigTest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIURL string `json:"api_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.KindInvalidArgument, err, "invalid JSON body"))
		return
	}
	f := fetcher.NewVendorFetcher(fetcher.VendorConfig{APIURL: req.APIURL}, s.log)
	addrs, err := f.Fetch(r.Context(), 5)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"sample": addrs, "count": len(addrs)})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRequest(r, "")
	if err != nil {
		writeError(w, err)
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	inst := s.ctx.Instance(key)
	if err := inst.Start(r.Context(), force); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"is_running": true})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRequest(r, "")
	if err != nil {
		writeError(w, err)
		return
	}
	inst, ok := s.ctx.LookupInstance(key)
	if !ok {
		writeError(w, errs.New(errs.KindNotFound, "no instance for market=%s mode=%s", key.Market, key.Mode))
		return
	}
	if err := inst.Stop(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"is_running": false})
}

func (s *Server) handleBackfillStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Market         string `json:"market"`
		DurationHours int    `json:"duration_hours"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.KindInvalidArgument, err, "invalid JSON body"))
		return
	}
	key := cfgpkg.Key{Market: req.Market, Mode: cfgpkg.ModeBackfill}
	inst := s.ctx.Instance(key)
	if err := inst.StartManual(r.Context(), req.DurationHours); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"is_running": true})
}

type batchRequest struct {
	Markets []string `json:"markets"`
	Mode    string   `json:"mode"`
}

func (s *Server) handleBatchStart(w http.ResponseWriter, r *http.Request) {
	s.handleBatch(w, r, func(inst *instance.Instance, ctx context.Context) error {
		return inst.Start(ctx, false)
	})
}

func (s *Server) handleBatchStop(w http.ResponseWriter, r *http.Request) {
	s.handleBatch(w, r, func(inst *instance.Instance, ctx context.Context) error {
		return inst.Stop(ctx)
	})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request, op func(*instance.Instance, context.Context) error) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.KindInvalidArgument, err, "invalid JSON body"))
		return
	}
	mode, err := procctx.ParseMode(req.Mode)
	if err != nil {
		writeError(w, err)
		return
	}
	results := map[string]string{}
	for _, market := range req.Markets {
		inst := s.ctx.Instance(cfgpkg.Key{Market: market, Mode: mode})
		if err := op(inst, r.Context()); err != nil {
			results[market] = err.Error()
		} else {
			results[market] = "ok"
		}
	}
	writeOK(w, map[string]any{"results": results})
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	var pools []poolInfo
	for _, inst := range s.ctx.AllInstances() {
		k := inst.Key()
		if k.Mode != cfgpkg.ModeLive {
			continue
		}
		pools = append(pools, poolInfo{Market: k.Market, Mode: string(k.Mode), Running: inst.IsRunning()})
	}
	writeOK(w, map[string]any{"live_instances": pools})
}

func (s *Server) handleForceStart(w http.ResponseWriter, r *http.Request) {
	market := mux.Vars(r)["market"]
	key := cfgpkg.Key{Market: market, Mode: cfgpkg.ModeLive}
	s.ctx.Instance(key) // ensure it exists so the scheduler can resolve it
	if err := s.ctx.Scheduler.ForceStartMarket(r.Context(), key); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleForceStop(w http.ResponseWriter, r *http.Request) {
	market := mux.Vars(r)["market"]
	key := cfgpkg.Key{Market: market, Mode: cfgpkg.ModeLive}
	if err := s.ctx.Scheduler.ForceStopMarket(r.Context(), key); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	running := map[string]bool{}
	for _, inst := range s.ctx.AllInstances() {
		k := inst.Key()
		running[k.Market+"/"+string(k.Mode)] = inst.IsRunning()
	}
	writeOK(w, map[string]any{"instances": running})
}

// -----------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------

func statusToJSON(st instance.Status) map[string]any {
	return map[string]any{
		"market":                    st.Key.Market,
		"mode":                      st.Key.Mode,
		"running":                   st.Running,
		"manually_started":          st.ManuallyStarted,
		"active_buffer":             st.Engine.Active,
		"active_size":               st.Engine.ActiveSize,
		"standby_size":              st.Engine.StandbySize,
		"total_requests":            st.Engine.Counters.TotalRequests,
		"success_count":             st.Engine.Counters.SuccessCount,
		"failure_count":             st.Engine.Counters.FailureCount,
		"last_rotation":             st.Engine.LastRotation,
		"market_day_type":           st.Market.DayType,
		"market_session":            st.Market.Session,
		"health_total":              st.Health.Total,
		"health_healthy":            st.Health.Healthy,
		"health_unhealthy":          st.Health.Unhealthy,
		"health_rate":               st.Health.HealthRate,
		"average_response_time_ms":  st.Health.AverageResponseTime.Milliseconds(),
		"success_rate":              st.SuccessRate,
		"uptime_seconds":            st.UptimeSeconds,
	}
}

func patchFromRaw(raw map[string]any) instance.ConfigPatch {
	var patch instance.ConfigPatch
	if v, ok := raw["upstream_api_url"].(string); ok {
		patch.UpstreamAPIURL = &v
	}
	if v, ok := raw["upstream_enabled"].(bool); ok {
		patch.UpstreamEnabled = &v
	}
	if v, ok := asInt(raw["batch_size"]); ok {
		patch.BatchSize = &v
	}
	if v, ok := asInt(raw["target_size"]); ok {
		patch.TargetSize = &v
	}
	if v, ok := asInt(raw["low_watermark"]); ok {
		patch.LowWatermark = &v
	}
	if v, ok := asInt(raw["proxy_lifetime_minutes"]); ok {
		patch.ProxyLifetimeMinutes = &v
	}
	if v, ok := asInt(raw["rotation_interval_minutes"]); ok {
		patch.RotationIntervalMinutes = &v
	}
	if v, ok := raw["auto_start_enabled"].(bool); ok {
		patch.AutoStartEnabled = &v
	}
	if v, ok := asInt(raw["pre_market_start_minutes"]); ok {
		patch.PreMarketStartMinutes = &v
	}
	if v, ok := asInt(raw["post_market_stop_minutes"]); ok {
		patch.PostMarketStopMinutes = &v
	}
	if v, ok := raw["backfill_enabled"].(bool); ok {
		patch.BackfillEnabled = &v
	}
	if v, ok := asInt(raw["backfill_duration_hours"]); ok {
		patch.BackfillDurationHours = &v
	}
	return patch
}

func asInt(v any) (int, bool) {
	f, ok := v.(float64) // encoding/json decodes numbers as float64 into interface{}
	if !ok {
		return 0, false
	}
	return int(f), true
}

func addressesOf(proxies []poolengine.Proxy) []string {
	out := make([]string, len(proxies))
	for i, p := range proxies {
		out[i] = p.Address
	}
	return out
}
