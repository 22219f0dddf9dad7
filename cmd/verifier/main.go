// Verifier is the single enforcement point between AI agents and clinic
// tools. It validates, replays-checks, applies deterministic rules,
// consults OPA, and appends a hash-chained audit event before answering.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/julian-najas/casf-core/pkg/audit"
	"github.com/julian-najas/casf-core/pkg/config"
	"github.com/julian-najas/casf-core/pkg/limiter"
	"github.com/julian-najas/casf-core/pkg/metrics"
	casfOtel "github.com/julian-najas/casf-core/pkg/otel"
	"github.com/julian-najas/casf-core/pkg/pipeline"
	"github.com/julian-najas/casf-core/pkg/policy"
	"github.com/julian-najas/casf-core/pkg/replay"
	"github.com/julian-najas/casf-core/pkg/rules"
	"github.com/julian-najas/casf-core/pkg/types"
)

const (
	maxBodyBytes    = 1 << 20 // 1 MB
	maxRateLimiters = 10_000
	probeTimeout    = 2 * time.Second
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", "error", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	// ── OpenTelemetry ────────────────────────────────────────────────────
	otelShutdown, err := casfOtel.Setup(ctx, casfOtel.Config{
		ServiceName:    config.EnvOr("OTEL_SERVICE_NAME", "casf-verifier"),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		TracingEnabled: cfg.TracingEnabled && cfg.OTLPEndpoint != "",
		Registry:       reg,
	})
	if err != nil {
		log.Error("otel setup failed", "error", err)
	} else {
		defer otelShutdown(context.Background()) //nolint:errcheck // best-effort shutdown
	}

	// ── Postgres ─────────────────────────────────────────────────────────
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// ── Redis ────────────────────────────────────────────────────────────
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Error("redis url parse failed", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	// ── Dependencies ─────────────────────────────────────────────────────
	auditStore := audit.NewStore(pool)
	auditLogger := audit.NewLogger(auditStore, log)
	policyClient := policy.NewClient(cfg.OPAURL)
	ruleEngine := rules.New(limiter.New(rdb), cfg.SMSLimit, cfg.TenantOverrides, m)

	var replayStore pipeline.ReplayStore
	if cfg.AntiReplayEnabled {
		replayStore = replay.NewStore(rdb)
	} else {
		log.Warn("anti-replay gate disabled")
	}

	pipe := pipeline.New(log, pipeline.Config{
		Replay:    replayStore,
		Rules:     ruleEngine,
		Policy:    policyClient,
		Auditor:   auditLogger,
		Metrics:   m,
		ReplayTTL: time.Duration(cfg.AntiReplayTTLSeconds) * time.Second,
	})

	v := &Verifier{
		log:            log,
		pipeline:       pipe,
		metrics:        m,
		rateLimiters:   make(map[string]*rate.Limiter),
		perTenantLimit: config.EnvOrInt("RATE_LIMIT_PER_TENANT", 100),
	}

	// ── Router ───────────────────────────────────────────────────────────
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(middleware.Logger)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	ready := readyHandler(auditStore, replayStore, policyClient)
	r.Get("/healthz", ready)
	r.Get("/readyz", ready)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Post("/verify", v.HandleVerify)

	// ── Metrics (internal) ───────────────────────────────────────────────
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsMux,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}
	go func() {
		log.Info("metrics server starting", "addr", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", "error", err)
		}
	}()

	// ── Server ───────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:              cfg.VerifierAddr,
		Handler:           r,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("verifier starting", "addr", cfg.VerifierAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down verifier")
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}
	if err := metricsSrv.Shutdown(shutCtx); err != nil {
		log.Error("metrics server shutdown error", "error", err)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Verifier handler
// ──────────────────────────────────────────────────────────────────────────────

type Verifier struct {
	log            *slog.Logger
	pipeline       verifierPipeline
	metrics        *metrics.Metrics
	rateLimiters   map[string]*rate.Limiter
	rlOrder        []string
	rlMu           sync.Mutex
	perTenantLimit int
}

type verifierPipeline interface {
	Decide(context.Context, *types.VerifyRequest) pipeline.Decision
}

// HandleVerify is POST /verify.
func (v *Verifier) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	v.metrics.VerifyTotal.Inc()
	v.metrics.InFlight.Inc()
	defer func() {
		v.metrics.InFlight.Dec()
		v.metrics.Duration.Observe(time.Since(start).Seconds())
	}()

	// 1. Parse + validate (with body size limit)
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req types.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		types.ErrBadRequest("invalid JSON body").WriteJSON(w)
		return
	}
	if err := req.Validate(); err != nil {
		types.ErrValidation(err).WriteJSON(w)
		return
	}

	// 2. Per-tenant request rate (transport-level, distinct from the
	//    SMS budget inside the rules)
	if !v.allowRate(req.TenantID()) {
		types.ErrRateLimited().WriteJSON(w)
		return
	}

	// 3. Canonical bad request: a missing patient_id gets a decision
	//    body, not a schema error, and never reaches the gates.
	if req.PatientID() == "" {
		v.metrics.DecisionTotal.WithLabelValues(string(types.DecisionDeny)).Inc()
		v.writeDecision(ctx, w, http.StatusBadRequest,
			types.Deny("subject.patient_id is required", types.VioMissingPatientID))
		return
	}

	// 4. Run the gates
	d := v.pipeline.Decide(ctx, &req)

	status := http.StatusOK
	if d.BadRequest {
		status = http.StatusBadRequest
	}
	v.writeDecision(ctx, w, status, d.Response)
}

func (v *Verifier) writeDecision(ctx context.Context, w http.ResponseWriter, status int, res *types.VerifyResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		v.log.ErrorContext(ctx, "response encode failed", "error", err)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Rate limiting (bounded map with eviction)
// ──────────────────────────────────────────────────────────────────────────────

func (v *Verifier) allowRate(tenantID string) bool {
	v.rlMu.Lock()
	defer v.rlMu.Unlock()

	lim, ok := v.rateLimiters[tenantID]
	if ok {
		// Move to end of LRU order.
		for i, k := range v.rlOrder {
			if k == tenantID {
				v.rlOrder = append(v.rlOrder[:i], v.rlOrder[i+1:]...)
				break
			}
		}
		v.rlOrder = append(v.rlOrder, tenantID)
		return lim.Allow()
	}

	if len(v.rateLimiters) >= maxRateLimiters {
		oldest := v.rlOrder[0]
		v.rlOrder = v.rlOrder[1:]
		delete(v.rateLimiters, oldest)
	}

	lim = rate.NewLimiter(rate.Limit(v.perTenantLimit), v.perTenantLimit*2)
	v.rateLimiters[tenantID] = lim
	v.rlOrder = append(v.rlOrder, tenantID)
	return lim.Allow()
}

// ──────────────────────────────────────────────────────────────────────────────
// Readiness
// ──────────────────────────────────────────────────────────────────────────────

type pinger interface {
	Ping(ctx context.Context) error
}

// readyHandler probes every dependency, each under its own deadline, and
// reports per-dependency results in a checks map. Any failure turns the
// response into a 503 with the failing dependency named in checks. The
// replay store probe is skipped when the gate is disabled.
func readyHandler(auditStore pinger, replayStore pipeline.ReplayStore, policyClient *policy.Client) http.HandlerFunc {
	type dependency struct {
		name  string
		probe func(ctx context.Context) error
	}
	deps := []dependency{{"postgres", auditStore.Ping}}
	if p, ok := replayStore.(pinger); ok {
		deps = append(deps, dependency{"redis", p.Ping})
	}
	deps = append(deps, dependency{"opa", policyClient.Probe})

	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		checks := make(map[string]string, len(deps))
		for _, dep := range deps {
			ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
			err := dep.probe(ctx)
			cancel()
			if err != nil {
				checks[dep.name] = "unavailable"
				status = "unavailable"
				continue
			}
			checks[dep.name] = "ok"
		}

		code := http.StatusOK
		if status != "ok" {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": status,
			"checks": checks,
		})
	}
}
