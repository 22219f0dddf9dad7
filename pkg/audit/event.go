// Package audit implements the append-only, hash-chained audit log and
// its chain verifier.
package audit

import (
	"encoding/json"
	"strings"

	"github.com/julian-najas/casf-core/pkg/canon"
)

// TimeLayout renders ISO-8601 UTC with microsecond precision and a literal
// Z suffix. Every stored ts uses this exact form; it participates in the
// hash contract byte for byte.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// ActionReplayDetected marks the audit event appended when a replayed
// request returns its cached decision.
const ActionReplayDetected = "REPLAY_DETECTED"

// Event is one row of the audit chain. Ordering on ID is authoritative.
type Event struct {
	ID        int64           `json:"-"`
	EventID   string          `json:"event_id"`
	RequestID string          `json:"request_id"`
	TS        string          `json:"ts"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Decision  string          `json:"decision"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// ComputeHash applies the rigid hash contract:
//
//	sha256_hex(request_id + event_id + ts + actor + action + decision
//	           + canonical_json(payload) + prev_hash)
//
// Raw string concatenation, no separators. prevHash is "" for the genesis
// event.
func ComputeHash(requestID, eventID, ts, actor, action, decision string, payloadCanon []byte, prevHash string) string {
	var b strings.Builder
	b.WriteString(requestID)
	b.WriteString(eventID)
	b.WriteString(ts)
	b.WriteString(actor)
	b.WriteString(action)
	b.WriteString(decision)
	b.Write(payloadCanon)
	b.WriteString(prevHash)
	return canon.HashString(b.String())
}

// hashOf recomputes an event's hash from its own fields.
func hashOf(ev *Event) (string, error) {
	payloadCanon, err := canon.JSON(ev.Payload)
	if err != nil {
		return "", err
	}
	return ComputeHash(ev.RequestID, ev.EventID, ev.TS, ev.Actor, ev.Action,
		ev.Decision, payloadCanon, ev.PrevHash), nil
}

// VerifyChain walks events in ascending durable order and checks both
// linkage (prev_hash matches the predecessor's hash, "" at index 0) and
// integrity (each hash recomputes from its own fields). The first mismatch
// short-circuits; the return is (true, -1) for a valid chain, else
// (false, index of the first bad event).
func VerifyChain(events []Event) (bool, int) {
	prev := ""
	for i := range events {
		ev := &events[i]
		if ev.PrevHash != prev {
			return false, i
		}
		recomputed, err := hashOf(ev)
		if err != nil || recomputed != ev.Hash {
			return false, i
		}
		prev = ev.Hash
	}
	return true, -1
}

// VerifyLinkage checks only the prev_hash linkage between consecutive
// events, without recomputing hashes. Used for windowed verification where
// the first event's prev_hash points outside the window.
func VerifyLinkage(events []Event) (bool, int) {
	for i := 1; i < len(events); i++ {
		if events[i].PrevHash != events[i-1].Hash {
			return false, i
		}
	}
	return true, -1
}
