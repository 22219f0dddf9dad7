// Package digest builds the anchor-ready daily summary of the audit chain.
//
// The digest bookends a date window with its first and last hashes so a
// consumer holding yesterday's digest can verify continuity without
// reading the full log.
package digest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/julian-najas/casf-core/pkg/audit"
	"github.com/julian-najas/casf-core/pkg/canon"
)

// WindowLoader is the slice of the audit store the digest needs.
type WindowLoader interface {
	LoadWindow(ctx context.Context, window string) ([]audit.Event, error)
}

// Uploader pushes a finished digest to WORM storage.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte) error
}

// Report is the emitted digest document.
type Report struct {
	GeneratedAt string `json:"generated_at"`
	Window      string `json:"window"`
	EventCount  int    `json:"event_count"`
	FirstHash   string `json:"first_hash"`
	LastHash    string `json:"last_hash"`
	ChainValid  bool   `json:"chain_valid"`
	DigestHash  string `json:"digest_hash"`
}

// Service builds and exports digests.
type Service struct {
	store WindowLoader
}

// New creates a digest service over the given audit store.
func New(store WindowLoader) *Service {
	return &Service{store: store}
}

// Yesterday returns the default window (UTC).
func Yesterday() string {
	return time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
}

// Build loads the window, verifies linkage within it (the first event's
// prev_hash points outside the window and is not checked), and computes
// the digest hash. An empty window yields the canonical empty digest.
func (s *Service) Build(ctx context.Context, window string) (*Report, error) {
	events, err := s.store.LoadWindow(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("digest.Build load window %s: %w", window, err)
	}

	generatedAt := time.Now().UTC().Format(time.RFC3339)

	if len(events) == 0 {
		return &Report{
			GeneratedAt: generatedAt,
			Window:      window,
			EventCount:  0,
			ChainValid:  true,
			DigestHash:  canon.HashString("empty:" + window),
		}, nil
	}

	chainValid, _ := audit.VerifyLinkage(events)

	report := &Report{
		GeneratedAt: generatedAt,
		Window:      window,
		EventCount:  len(events),
		FirstHash:   events[0].Hash,
		LastHash:    events[len(events)-1].Hash,
		ChainValid:  chainValid,
	}

	body, err := canon.JSON(map[string]any{
		"window":      report.Window,
		"event_count": report.EventCount,
		"first_hash":  report.FirstHash,
		"last_hash":   report.LastHash,
		"chain_valid": report.ChainValid,
	})
	if err != nil {
		return nil, fmt.Errorf("digest.Build canonical: %w", err)
	}
	report.DigestHash = canon.HashBytes(body)

	return report, nil
}

// Export uploads the digest JSON keyed by window date and digest hash.
func (s *Service) Export(ctx context.Context, report *Report, uploader Uploader) (string, error) {
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("digest.Export marshal: %w", err)
	}

	day, err := time.Parse("2006-01-02", report.Window)
	if err != nil {
		return "", fmt.Errorf("digest.Export window %q: %w", report.Window, err)
	}

	key := fmt.Sprintf("digests/%04d/%02d/%02d/%s.json", day.Year(), day.Month(), day.Day(), report.DigestHash)
	if err := uploader.Upload(ctx, key, body); err != nil {
		return "", fmt.Errorf("digest.Export upload %s: %w", key, err)
	}
	return key, nil
}
