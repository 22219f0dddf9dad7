// Package pipeline chains the verification gates in strict order:
// anti-replay, deterministic rules, policy engine, audit append, decision
// caching. The first stage that produces a response wins.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/julian-najas/casf-core/pkg/audit"
	"github.com/julian-najas/casf-core/pkg/canon"
	"github.com/julian-najas/casf-core/pkg/metrics"
	"github.com/julian-najas/casf-core/pkg/policy"
	"github.com/julian-najas/casf-core/pkg/replay"
	"github.com/julian-najas/casf-core/pkg/types"
)

// ──────────────────────────────────────────────────────────────────────────────
// Collaborator interfaces
// ──────────────────────────────────────────────────────────────────────────────

type ReplayStore interface {
	CheckAndClaim(ctx context.Context, requestID, fp string, ttl time.Duration) (*replay.Entry, bool, error)
	StoreDecision(ctx context.Context, requestID, fp string, decision *types.VerifyResponse) error
}

type RuleEngine interface {
	Apply(ctx context.Context, req *types.VerifyRequest) *types.VerifyResponse
}

type PolicyEvaluator interface {
	Evaluate(ctx context.Context, input policy.Input) (*policy.Verdict, error)
}

type Auditor interface {
	Append(ctx context.Context, req *types.VerifyRequest, res *types.VerifyResponse, action string) (*audit.Event, error)
}

// ──────────────────────────────────────────────────────────────────────────────
// Pipeline
// ──────────────────────────────────────────────────────────────────────────────

// Decision is the pipeline outcome. BadRequest marks the canonical
// missing-patient_id rejection, which the transport maps to HTTP 400.
type Decision struct {
	Response   *types.VerifyResponse
	BadRequest bool
}

// Pipeline orchestrates the verification stages. Immutable after
// construction; safe for concurrent use.
type Pipeline struct {
	log     *slog.Logger
	replay  ReplayStore // nil disables the anti-replay gate
	rules   RuleEngine
	policy  PolicyEvaluator
	auditor Auditor
	metrics *metrics.Metrics

	replayTTL time.Duration
}

// Config carries pipeline construction parameters.
type Config struct {
	Replay    ReplayStore
	Rules     RuleEngine
	Policy    PolicyEvaluator
	Auditor   Auditor
	Metrics   *metrics.Metrics
	ReplayTTL time.Duration
}

// New assembles a pipeline from its collaborators.
func New(log *slog.Logger, cfg Config) *Pipeline {
	ttl := cfg.ReplayTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Pipeline{
		log:       log,
		replay:    cfg.Replay,
		rules:     cfg.Rules,
		policy:    cfg.Policy,
		auditor:   cfg.Auditor,
		metrics:   cfg.Metrics,
		replayTTL: ttl,
	}
}

// Decide runs a validated request through the gates and returns the
// decision. It never panics and never returns an error; infrastructure
// failures collapse into structured DENY responses per the fail-mode
// policy (fail-closed on writes, fail-open on reads).
func (p *Pipeline) Decide(ctx context.Context, req *types.VerifyRequest) Decision {
	isWrite := types.IsWriteTool(req.Tool)

	// ── Stage A: anti-replay idempotency gate ────────────────────────────
	var fp string
	claimed := false
	if p.replay != nil {
		done, gateFP, gateClaimed := p.replayGate(ctx, req, isWrite)
		if done != nil {
			return Decision{Response: done}
		}
		fp, claimed = gateFP, gateClaimed
	}

	// ── Stage B: deterministic rules ─────────────────────────────────────
	res := p.rules.Apply(ctx, req)

	if len(res.Violations) == 1 && res.Violations[0] == types.VioMissingPatientID {
		// Canonical bad request; no audit row, no caching.
		return Decision{Response: res, BadRequest: true}
	}

	if res.HasViolation(types.VioFailClosed) {
		// Infrastructure trouble inside the rules (SMS limiter) outranks
		// the policy engine.
		p.metrics.FailClosed.WithLabelValues(metrics.TriggerRules).Inc()
		p.auditBestEffort(ctx, req, res, "")
		return p.finish(res)
	}

	// ── Stage C: policy engine ───────────────────────────────────────────
	// A rule DENY already settled the decision; the policy engine only
	// sees requests the rules let through.
	if res.Decision == types.DecisionAllow {
		verdict, err := p.policy.Evaluate(ctx, policy.InputFromRequest(req))
		if err != nil {
			p.metrics.OPAError.WithLabelValues(policy.ErrorKind(err)).Inc()
			p.log.WarnContext(ctx, "policy evaluation failed",
				"request_id", req.RequestID, "kind", policy.ErrorKind(err), "error", err)
			if isWrite {
				p.metrics.FailClosed.WithLabelValues(metrics.TriggerOPA).Inc()
				return p.finish(types.Deny("OPA unavailable (fail-closed on write)",
					types.VioFailClosed, types.VioPolicyUnavailable))
			}
			verdict = nil // no verdict; reads proceed on the rule result
		}

		if verdict != nil && !verdict.Allow {
			violations := types.Dedup(verdict.Violations)
			if len(violations) == 0 {
				violations = []string{types.VioPolicyDeny}
			}
			return p.finish(types.Deny("Denied by OPA policy", violations...))
		}
	}

	// ── Stage D: audit append ────────────────────────────────────────────
	if _, err := p.auditor.Append(ctx, req, res, ""); err != nil {
		p.metrics.FailClosed.WithLabelValues(metrics.TriggerAudit).Inc()
		return p.finish(types.Deny("Audit log unavailable (fail-closed)",
			types.VioFailClosed, types.VioAuditUnavailable))
	}

	// ── Stage E: cache the decision (best-effort) ────────────────────────
	if claimed {
		if err := p.replay.StoreDecision(ctx, req.RequestID, fp, res); err != nil {
			// The claim's TTL is the backstop; nothing to compensate.
			p.log.WarnContext(ctx, "decision cache store failed",
				"request_id", req.RequestID, "error", err)
		}
	}

	return p.finish(res)
}

// replayGate runs Stage A. A non-nil response short-circuits the pipeline;
// otherwise the returned fingerprint and claim flag feed Stage E.
func (p *Pipeline) replayGate(ctx context.Context, req *types.VerifyRequest, isWrite bool) (*types.VerifyResponse, string, bool) {
	fp, err := canon.Fingerprint(req)
	if err == nil {
		var entry *replay.Entry
		var isNew bool
		entry, isNew, err = p.replay.CheckAndClaim(ctx, req.RequestID, fp, p.replayTTL)
		if err == nil {
			if isNew {
				return nil, fp, true
			}
			return p.handleReplay(ctx, req, entry, fp), fp, false
		}
	}

	// Store (or fingerprint) failure: fail closed on writes, open on reads.
	p.log.WarnContext(ctx, "replay check failed",
		"request_id", req.RequestID, "error", err)
	if isWrite {
		p.metrics.FailClosed.WithLabelValues(metrics.TriggerRedis).Inc()
		res := p.finish(types.Deny("Replay check unavailable (fail-closed on write)",
			types.VioFailClosed, types.VioReplayCheckUnavailable))
		return res.Response, "", false
	}
	return nil, "", false
}

// handleReplay resolves a request_id that already has an entry.
func (p *Pipeline) handleReplay(ctx context.Context, req *types.VerifyRequest, entry *replay.Entry, fp string) *types.VerifyResponse {
	if entry.FP != fp {
		p.metrics.ReplayMismatch.Inc()
		res := p.finish(types.Deny(
			fmt.Sprintf("request_id %s already used with different payload", req.RequestID),
			types.VioReplayPayloadMismatch))
		return res.Response
	}

	if entry.Decision != nil {
		p.metrics.ReplayHit.Inc()
		p.metrics.DecisionTotal.WithLabelValues(string(entry.Decision.Decision)).Inc()
		p.auditBestEffort(ctx, req, entry.Decision, audit.ActionReplayDetected)
		return entry.Decision
	}

	// Same fingerprint, decision still pending: a concurrent request with
	// this id is in flight.
	p.metrics.ReplayConcurrent.Inc()
	res := p.finish(types.Deny(
		fmt.Sprintf("request_id %s is being processed concurrently", req.RequestID),
		types.VioReplayConcurrent))
	return res.Response
}

// auditBestEffort appends without letting a failure change the decision.
func (p *Pipeline) auditBestEffort(ctx context.Context, req *types.VerifyRequest, res *types.VerifyResponse, action string) {
	if _, err := p.auditor.Append(ctx, req, res, action); err != nil {
		p.log.WarnContext(ctx, "best-effort audit append failed",
			"request_id", req.RequestID, "action", action, "error", err)
	}
}

// finish records the decision metric and wraps the response.
func (p *Pipeline) finish(res *types.VerifyResponse) Decision {
	p.metrics.DecisionTotal.WithLabelValues(string(res.Decision)).Inc()
	return Decision{Response: res}
}
