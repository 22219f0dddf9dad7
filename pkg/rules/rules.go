// Package rules implements the deterministic in-process rules of the
// decision pipeline: traceability, safe-mode write bans, degraded reads,
// and the SMS rate limit.
package rules

import (
	"context"
	"fmt"

	"github.com/julian-najas/casf-core/pkg/limiter"
	"github.com/julian-najas/casf-core/pkg/metrics"
	"github.com/julian-najas/casf-core/pkg/types"
)

// ReadOnlyAllowed maps tools to the output projections permitted in
// READ_ONLY mode. Ships as a compiled-in constant table.
var ReadOnlyAllowed = map[types.Tool][]string{
	types.ToolListAppointments: {"slots_aggregated"},
}

// RateLimiter is the atomic counter the SMS rule depends on.
type RateLimiter interface {
	Check(ctx context.Context, key string, limit int, windowSeconds int) (limiter.Result, error)
}

// SMSLimit is one rate-limit configuration: count per window.
type SMSLimit struct {
	Limit   int `json:"limit"`
	WindowS int `json:"window_s"`
}

// Engine evaluates the deterministic rules. Immutable after construction;
// safe for concurrent use.
type Engine struct {
	limiter         RateLimiter
	smsDefault      SMSLimit
	tenantOverrides map[string]SMSLimit
	metrics         *metrics.Metrics
}

// New builds a rule engine. limiter may be nil, in which case SMS requests
// fail closed.
func New(rl RateLimiter, smsDefault SMSLimit, tenantOverrides map[string]SMSLimit, m *metrics.Metrics) *Engine {
	if tenantOverrides == nil {
		tenantOverrides = map[string]SMSLimit{}
	}
	return &Engine{
		limiter:         rl,
		smsDefault:      smsDefault,
		tenantOverrides: tenantOverrides,
		metrics:         m,
	}
}

// SMSLimitFor returns the rate limit for a tenant, falling back to the
// process default.
func (e *Engine) SMSLimitFor(tenantID string) SMSLimit {
	if override, ok := e.tenantOverrides[tenantID]; ok {
		return override
	}
	return e.smsDefault
}

// Apply evaluates the rules in order and returns the preliminary decision.
// The first matching rule wins.
func (e *Engine) Apply(ctx context.Context, req *types.VerifyRequest) *types.VerifyResponse {
	// Traceability: every decision must be attributable to a patient.
	if req.PatientID() == "" {
		return types.Deny("subject.patient_id required", types.VioMissingPatientID)
	}

	// No writes in safe modes.
	if (req.Mode == types.ModeReadOnly || req.Mode == types.ModeKillSwitch) && types.IsWriteTool(req.Tool) {
		return types.Deny(fmt.Sprintf("No writes allowed in %s", req.Mode), types.VioNoWriteSafe)
	}

	// Degraded read: whitelisted projections only.
	if req.Mode == types.ModeReadOnly {
		if outputs, ok := ReadOnlyAllowed[req.Tool]; ok {
			res := types.Allow("OK (READ_ONLY degraded output)")
			res.AllowedOutputs = append(res.AllowedOutputs, outputs...)
			return res
		}
	}

	// SMS burst protection.
	if req.Tool == types.ToolSendSMS {
		if res := e.checkSMSBudget(ctx, req); res != nil {
			return res
		}
	}

	return types.Allow("OK")
}

// checkSMSBudget returns a DENY when the SMS budget is exhausted or the
// limiter cannot answer, nil when the send is within budget.
func (e *Engine) checkSMSBudget(ctx context.Context, req *types.VerifyRequest) *types.VerifyResponse {
	if e.limiter == nil {
		return types.Deny("Rate limiter not available",
			types.VioFailClosed, types.VioNoSmsBurst)
	}

	lim := e.SMSLimitFor(req.TenantID())
	key := fmt.Sprintf("sms:%s:%s", req.TenantID(), req.PatientID())

	result, err := e.limiter.Check(ctx, key, lim.Limit, lim.WindowS)
	if err != nil {
		// Limiter infrastructure failure on a write: fail closed.
		return types.Deny("Rate limiter unavailable (fail-closed)",
			types.VioFailClosed, types.VioNoSmsBurst)
	}
	if !result.Allowed {
		if e.metrics != nil {
			e.metrics.RateLimitDeny.Inc()
		}
		return types.Deny("SMS rate limit exceeded", types.VioNoSmsBurst)
	}
	return nil
}
