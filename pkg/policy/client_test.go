package policy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestEvaluate_Allow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"result": map[string]any{
				"allow":      true,
				"violations": []string{},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	verdict, err := NewClient(srv.URL).Evaluate(context.Background(), Input{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !verdict.Allow {
		t.Error("expected allow=true")
	}
}

func TestEvaluate_DenyWithViolations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"result": map[string]any{
				"allow":      false,
				"violations": []string{"Policy_RoleMismatch", "Policy_RoleMismatch", "Policy_OutOfHours"},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	verdict, err := NewClient(srv.URL).Evaluate(context.Background(), Input{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict.Allow {
		t.Error("expected allow=false")
	}
	if len(verdict.Violations) != 3 {
		t.Errorf("violations must come back verbatim, got %v", verdict.Violations)
	}
}

func TestEvaluate_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("opa error"))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Evaluate(context.Background(), Input{})
	if err == nil {
		t.Fatal("expected error for 500 status")
	}
	if ErrorKind(err) != KindBadStatus {
		t.Errorf("expected kind %s, got %s", KindBadStatus, ErrorKind(err))
	}
}

func TestEvaluate_BadResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Evaluate(context.Background(), Input{})
	if err == nil {
		t.Fatal("expected error for non-JSON body")
	}
	if ErrorKind(err) != KindBadResponse {
		t.Errorf("expected kind %s, got %s", KindBadResponse, ErrorKind(err))
	}
}

func TestEvaluate_MissingResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Evaluate(context.Background(), Input{})
	if err == nil {
		t.Fatal("expected error for missing result")
	}
	if ErrorKind(err) != KindBadResponse {
		t.Errorf("expected kind %s, got %s", KindBadResponse, ErrorKind(err))
	}
}

func TestEvaluate_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	_, err := NewClientWithTimeout(srv.URL, 20*time.Millisecond).Evaluate(context.Background(), Input{})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if ErrorKind(err) != KindTimeout {
		t.Errorf("expected kind %s, got %s", KindTimeout, ErrorKind(err))
	}
}

func TestEvaluate_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	_, err := NewClient(srv.URL).Evaluate(context.Background(), Input{})
	if err == nil {
		t.Fatal("expected connection error")
	}
	if ErrorKind(err) != KindUnavailable {
		t.Errorf("expected kind %s, got %s", KindUnavailable, ErrorKind(err))
	}
}
