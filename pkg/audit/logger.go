package audit

import (
	"context"
	"log/slog"

	"github.com/julian-najas/casf-core/pkg/types"
)

// Logger wraps the Store and emits structured logs alongside DB writes.
type Logger struct {
	store *Store
	log   *slog.Logger
}

// NewLogger creates an audit logger backed by the given store.
func NewLogger(store *Store, log *slog.Logger) *Logger {
	return &Logger{store: store, log: log}
}

// Append persists and logs the event.
func (l *Logger) Append(ctx context.Context, req *types.VerifyRequest, res *types.VerifyResponse, action string) (*Event, error) {
	ev, err := l.store.Append(ctx, req, res, action)
	if err != nil {
		l.log.ErrorContext(ctx, "audit append failed",
			"request_id", req.RequestID,
			"tool", string(req.Tool),
			"error", err,
		)
		return nil, err
	}

	l.log.InfoContext(ctx, "audit_event appended",
		"event_id", ev.EventID,
		"request_id", ev.RequestID,
		"actor", ev.Actor,
		"action", ev.Action,
		"decision", ev.Decision,
		"hash", ev.Hash,
	)
	return ev, nil
}
