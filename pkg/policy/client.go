// Package policy provides an HTTP client for Open Policy Agent evaluation.
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/julian-najas/casf-core/pkg/types"
)

// DefaultTimeout keeps policy evaluation well under the request budget.
const DefaultTimeout = 350 * time.Millisecond

// Error kinds, used as the casf_opa_error_total metric dimension.
const (
	KindTimeout     = "timeout"
	KindUnavailable = "unavailable"
	KindBadStatus   = "bad_status"
	KindBadResponse = "bad_response"
)

// Error is a classified policy evaluation failure.
type Error struct {
	Kind string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("policy %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Input mirrors the verify request for the policy engine.
type Input struct {
	Tool    types.Tool        `json:"tool"`
	Mode    types.Mode        `json:"mode"`
	Role    types.Role        `json:"role"`
	Subject map[string]string `json:"subject"`
	Args    map[string]any    `json:"args"`
	Context map[string]any    `json:"context"`
}

// InputFromRequest builds the policy input document.
func InputFromRequest(req *types.VerifyRequest) Input {
	return Input{
		Tool:    req.Tool,
		Mode:    req.Mode,
		Role:    req.Role,
		Subject: req.Subject,
		Args:    req.Args,
		Context: req.Context,
	}
}

// Verdict is what the policy engine returns.
type Verdict struct {
	Allow      bool
	Violations []string
}

// Client calls OPA over HTTP. Stateless and safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a policy client with the default deadline.
func NewClient(baseURL string) *Client {
	return NewClientWithTimeout(baseURL, DefaultTimeout)
}

// NewClientWithTimeout creates a policy client with an explicit deadline.
func NewClientWithTimeout(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// opaRequest is the top-level envelope OPA expects.
type opaRequest struct {
	Input Input `json:"input"`
}

// opaResponse is the shape OPA returns.
type opaResponse struct {
	Result *opaResult `json:"result"`
}

type opaResult struct {
	Allow      bool     `json:"allow"`
	Violations []string `json:"violations"`
}

// Evaluate sends the input document to OPA and returns its verdict.
// Failures are returned as *Error with a classified Kind.
func (c *Client) Evaluate(ctx context.Context, input Input) (*Verdict, error) {
	body, err := json.Marshal(opaRequest{Input: input})
	if err != nil {
		return nil, &Error{Kind: KindBadResponse, Err: fmt.Errorf("marshal input: %w", err)}
	}

	url := c.baseURL + "/v1/data/casf"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindUnavailable, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: classifyTransport(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &Error{
			Kind: KindBadStatus,
			Err:  fmt.Errorf("OPA returned %d: %s", resp.StatusCode, string(b)),
		}
	}

	var opaResp opaResponse
	if err := json.NewDecoder(resp.Body).Decode(&opaResp); err != nil {
		return nil, &Error{Kind: KindBadResponse, Err: fmt.Errorf("decode response: %w", err)}
	}
	if opaResp.Result == nil {
		return nil, &Error{Kind: KindBadResponse, Err: errors.New("missing result field")}
	}

	return &Verdict{
		Allow:      opaResp.Result.Allow,
		Violations: opaResp.Result.Violations,
	}, nil
}

// Probe performs a lightweight evaluation used by readiness checks.
func (c *Client) Probe(ctx context.Context) error {
	_, err := c.Evaluate(ctx, Input{Tool: "healthcheck"})
	return err
}

// classifyTransport distinguishes deadline expiry from connection failure.
func classifyTransport(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindUnavailable
}

// ErrorKind extracts the classified kind from err, defaulting to
// unavailable for unclassified failures.
func ErrorKind(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnavailable
}
