package audit

import (
	"fmt"
	"testing"

	"github.com/julian-najas/casf-core/pkg/canon"
)

// chainEvent composes a well-formed event linked to prevHash, the same way
// Store.Append does.
func chainEvent(t *testing.T, i int, prevHash string) Event {
	t.Helper()

	payload, err := canon.JSON(map[string]any{
		"request":  map[string]any{"tool": "cliniccloud.list_appointments", "seq": i},
		"response": map[string]any{"decision": "ALLOW"},
	})
	if err != nil {
		t.Fatalf("canonical payload: %v", err)
	}

	ev := Event{
		EventID:   fmt.Sprintf("00000000-0000-4000-8000-%012d", i),
		RequestID: fmt.Sprintf("11111111-0000-4000-8000-%012d", i),
		TS:        fmt.Sprintf("2026-02-09T10:00:%02d.000000Z", i),
		Actor:     "role:receptionist",
		Action:    "cliniccloud.list_appointments",
		Decision:  "ALLOW",
		Payload:   payload,
		PrevHash:  prevHash,
	}
	ev.Hash = ComputeHash(ev.RequestID, ev.EventID, ev.TS, ev.Actor, ev.Action,
		ev.Decision, payload, ev.PrevHash)
	return ev
}

func buildChain(t *testing.T, n int) []Event {
	t.Helper()
	events := make([]Event, 0, n)
	prev := ""
	for i := 0; i < n; i++ {
		ev := chainEvent(t, i, prev)
		events = append(events, ev)
		prev = ev.Hash
	}
	return events
}

func TestComputeHash_Deterministic(t *testing.T) {
	payload := []byte(`{"request":{"tool":"x"},"response":{"decision":"ALLOW"}}`)
	h1 := ComputeHash("r", "e", "t", "a", "act", "ALLOW", payload, "")
	h2 := ComputeHash("r", "e", "t", "a", "act", "ALLOW", payload, "")

	if h1 != h2 {
		t.Errorf("non-deterministic hash: %s != %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("expected SHA-256 hex length 64, got %d", len(h1))
	}
}

func TestComputeHash_EveryFieldParticipates(t *testing.T) {
	payload := []byte(`{"k":"v"}`)
	base := ComputeHash("r", "e", "t", "a", "act", "ALLOW", payload, "p")

	variants := []string{
		ComputeHash("R", "e", "t", "a", "act", "ALLOW", payload, "p"),
		ComputeHash("r", "E", "t", "a", "act", "ALLOW", payload, "p"),
		ComputeHash("r", "e", "T", "a", "act", "ALLOW", payload, "p"),
		ComputeHash("r", "e", "t", "A", "act", "ALLOW", payload, "p"),
		ComputeHash("r", "e", "t", "a", "ACT", "ALLOW", payload, "p"),
		ComputeHash("r", "e", "t", "a", "act", "DENY", payload, "p"),
		ComputeHash("r", "e", "t", "a", "act", "ALLOW", []byte(`{"k":"w"}`), "p"),
		ComputeHash("r", "e", "t", "a", "act", "ALLOW", payload, "P"),
	}
	for i, v := range variants {
		if v == base {
			t.Errorf("variant %d did not change the hash", i)
		}
	}
}

func TestVerifyChain_Valid(t *testing.T) {
	events := buildChain(t, 3)

	ok, idx := VerifyChain(events)
	if !ok {
		t.Fatalf("expected valid chain, broken at %d", idx)
	}
	if idx != -1 {
		t.Errorf("expected index -1 for valid chain, got %d", idx)
	}
}

func TestVerifyChain_Empty(t *testing.T) {
	ok, idx := VerifyChain(nil)
	if !ok || idx != -1 {
		t.Errorf("empty chain must verify, got (%v, %d)", ok, idx)
	}
}

func TestVerifyChain_TamperedMiddleHash(t *testing.T) {
	events := buildChain(t, 3)

	// Flip one byte of the middle event's hash.
	h := []byte(events[1].Hash)
	if h[0] == 'a' {
		h[0] = 'b'
	} else {
		h[0] = 'a'
	}
	events[1].Hash = string(h)

	ok, idx := VerifyChain(events)
	if ok {
		t.Fatal("expected tampered chain to fail")
	}
	if idx != 1 {
		t.Errorf("expected first bad index 1, got %d", idx)
	}
}

func TestVerifyChain_TamperedPayload(t *testing.T) {
	events := buildChain(t, 3)
	events[2].Payload = []byte(`{"request":{"tool":"twilio.send_sms"},"response":{"decision":"ALLOW"}}`)

	ok, idx := VerifyChain(events)
	if ok {
		t.Fatal("expected tampered chain to fail")
	}
	if idx != 2 {
		t.Errorf("expected first bad index 2, got %d", idx)
	}
}

func TestVerifyChain_TamperedPrevHash(t *testing.T) {
	events := buildChain(t, 2)
	events[1].PrevHash = "0000000000000000000000000000000000000000000000000000000000000000"

	ok, idx := VerifyChain(events)
	if ok {
		t.Fatal("expected broken linkage to fail")
	}
	if idx != 1 {
		t.Errorf("expected first bad index 1, got %d", idx)
	}
}

func TestVerifyChain_NonEmptyGenesisPrevHash(t *testing.T) {
	events := buildChain(t, 1)
	events[0].PrevHash = "deadbeef"

	ok, idx := VerifyChain(events)
	if ok || idx != 0 {
		t.Errorf("genesis prev_hash must be empty, got (%v, %d)", ok, idx)
	}
}

func TestVerifyLinkage_IgnoresFirstPrevHash(t *testing.T) {
	// A window that starts mid-chain: the first prev_hash points outside.
	full := buildChain(t, 4)
	window := full[2:]

	ok, idx := VerifyLinkage(window)
	if !ok {
		t.Fatalf("expected window linkage to verify, broken at %d", idx)
	}

	window[1].PrevHash = "tampered"
	ok, idx = VerifyLinkage(window)
	if ok || idx != 1 {
		t.Errorf("expected linkage break at 1, got (%v, %d)", ok, idx)
	}
}
