// Package types defines the canonical verify request/response schema used
// across the verifier services.
package types

import (
	"fmt"

	"github.com/google/uuid"
)

// ──────────────────────────────────────────────────────────────────────────────
// Closed enumerations
// ──────────────────────────────────────────────────────────────────────────────

type Mode string

const (
	ModeAllow      Mode = "ALLOW"
	ModeStepUp     Mode = "STEP_UP"
	ModeReadOnly   Mode = "READ_ONLY"
	ModeKillSwitch Mode = "KILL_SWITCH"
)

type Role string

const (
	RoleReceptionist Role = "receptionist"
	RoleNurse        Role = "nurse"
	RoleDoctor       Role = "doctor"
	RoleBilling      Role = "billing"
	RoleCustodian    Role = "custodian"
	RoleSystem       Role = "system"
)

type Tool string

const (
	ToolCreateAppointment Tool = "cliniccloud.create_appointment"
	ToolCancelAppointment Tool = "cliniccloud.cancel_appointment"
	ToolListAppointments  Tool = "cliniccloud.list_appointments"
	ToolSummaryHistory    Tool = "cliniccloud.summary_history"
	ToolSendSMS           Tool = "twilio.send_sms"
	ToolGenerateInvoice   Tool = "stripe.generate_invoice"
)

type Decision string

const (
	DecisionAllow         Decision = "ALLOW"
	DecisionDeny          Decision = "DENY"
	DecisionNeedsApproval Decision = "NEEDS_APPROVAL"
)

// WriteTools is the fixed set of tools whose evaluation is mutating or
// externally observable. Everything else is treated as a read.
var WriteTools = map[Tool]bool{
	ToolCreateAppointment: true,
	ToolCancelAppointment: true,
	ToolSendSMS:           true,
	ToolGenerateInvoice:   true,
}

// IsWriteTool reports whether tool belongs to the write set.
func IsWriteTool(tool Tool) bool {
	return WriteTools[tool]
}

var knownTools = map[Tool]bool{
	ToolCreateAppointment: true,
	ToolCancelAppointment: true,
	ToolListAppointments:  true,
	ToolSummaryHistory:    true,
	ToolSendSMS:           true,
	ToolGenerateInvoice:   true,
}

var knownModes = map[Mode]bool{
	ModeAllow:      true,
	ModeStepUp:     true,
	ModeReadOnly:   true,
	ModeKillSwitch: true,
}

var knownRoles = map[Role]bool{
	RoleReceptionist: true,
	RoleNurse:        true,
	RoleDoctor:       true,
	RoleBilling:      true,
	RoleCustodian:    true,
	RoleSystem:       true,
}

// ──────────────────────────────────────────────────────────────────────────────
// Violation codes (stable, machine-readable)
// ──────────────────────────────────────────────────────────────────────────────

const (
	VioMissingPatientID       = "BadRequest_MissingPatientId"
	VioNoWriteSafe            = "Inv_NoWriteSafe"
	VioNoSmsBurst             = "Inv_NoSmsBurst"
	VioReplayPayloadMismatch  = "Inv_ReplayPayloadMismatch"
	VioReplayConcurrent       = "Inv_ReplayConcurrent"
	VioReplayCheckUnavailable = "Inv_ReplayCheckUnavailable"
	VioFailClosed             = "FAIL_CLOSED"
	VioPolicyUnavailable      = "OPA_Unavailable"
	VioPolicyDeny             = "OPA_Deny"
	VioAuditUnavailable       = "Audit_Unavailable"
)

// ──────────────────────────────────────────────────────────────────────────────
// VerifyRequest: the intent submitted before any downstream tool runs.
// ──────────────────────────────────────────────────────────────────────────────

type VerifyRequest struct {
	// RequestID is the idempotency key; must be a UUID.
	RequestID string `json:"request_id"`

	Tool Tool `json:"tool"`
	Mode Mode `json:"mode"`
	Role Role `json:"role"`

	// Subject must carry a non-empty patient_id; unknown keys are
	// preserved verbatim for the audit payload.
	Subject map[string]string `json:"subject"`

	Args map[string]any `json:"args"`

	// Context must carry a non-empty tenant_id; timestamp, source,
	// session_id and ip are optional free-form entries.
	Context map[string]any `json:"context"`
}

// PatientID returns subject.patient_id, or "" when absent.
func (r *VerifyRequest) PatientID() string {
	return r.Subject["patient_id"]
}

// TenantID returns context.tenant_id as a string, or "" when absent.
func (r *VerifyRequest) TenantID() string {
	if v, ok := r.Context["tenant_id"].(string); ok {
		return v
	}
	return ""
}

// Validate enforces schema-level invariants: closed enums, required fields,
// and a UUID request_id. Missing subject.patient_id is deliberately NOT a
// schema violation here; it maps to the canonical 400 decision instead.
func (r *VerifyRequest) Validate() error {
	if r.RequestID == "" {
		return &ValidationError{Field: "request_id", Reason: "required"}
	}
	if _, err := uuid.Parse(r.RequestID); err != nil {
		return &ValidationError{Field: "request_id", Reason: "must be a UUID"}
	}
	if !knownTools[r.Tool] {
		return &ValidationError{Field: "tool", Reason: fmt.Sprintf("unknown tool %q", r.Tool)}
	}
	if !knownModes[r.Mode] {
		return &ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", r.Mode)}
	}
	if !knownRoles[r.Role] {
		return &ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", r.Role)}
	}
	if r.Subject == nil {
		return &ValidationError{Field: "subject", Reason: "required"}
	}
	if r.Context == nil {
		return &ValidationError{Field: "context", Reason: "required"}
	}
	if r.TenantID() == "" {
		return &ValidationError{Field: "context.tenant_id", Reason: "required"}
	}
	if r.Args == nil {
		r.Args = map[string]any{}
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// VerifyResponse
// ──────────────────────────────────────────────────────────────────────────────

type VerifyResponse struct {
	Decision Decision `json:"decision"`

	// Violations is an ordered, deduplicated list of stable codes.
	Violations []string `json:"violations"`

	// AllowedOutputs is non-empty only for degraded-read allows.
	AllowedOutputs []string `json:"allowed_outputs"`

	Reason string `json:"reason,omitempty"`
}

// Allow builds an ALLOW response.
func Allow(reason string) *VerifyResponse {
	return &VerifyResponse{
		Decision:       DecisionAllow,
		Violations:     []string{},
		AllowedOutputs: []string{},
		Reason:         reason,
	}
}

// Deny builds a DENY response with the given violation codes, deduplicated
// in insertion order.
func Deny(reason string, violations ...string) *VerifyResponse {
	return &VerifyResponse{
		Decision:       DecisionDeny,
		Violations:     Dedup(violations),
		AllowedOutputs: []string{},
		Reason:         reason,
	}
}

// Dedup removes duplicates while preserving first-seen order.
func Dedup(codes []string) []string {
	seen := make(map[string]bool, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// HasViolation reports whether the response carries the given code.
func (r *VerifyResponse) HasViolation(code string) bool {
	for _, v := range r.Violations {
		if v == code {
			return true
		}
	}
	return false
}
