package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dnspick/internal/domain"
)

func sampleRun() *domain.Run {
	return &domain.Run{
		ID:      "r1",
		Domains: []string{"a.example", "b.example"},
		Results: []domain.RankedResult{
			{Candidate: domain.IPCandidate{Address: "192.0.2.1"}, Rank: 1},
		},
		Elapsed: 1500 * time.Millisecond,
	}
}

func TestWebhook_OK(t *testing.T) {
	var got map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(200)
	}))
	defer ts.Close()

	wh := NewWebhook(ts.URL)
	if wh == nil {
		t.Fatal("expected webhook client")
	}
	if err := wh.RunCompleted(context.Background(), sampleRun()); err != nil {
		t.Fatalf("send err: %v", err)
	}
	if got["run_id"] != "r1" || got["best_address"] != "192.0.2.1" {
		t.Fatalf("payload not as expected: %v", got)
	}
	if got["elapsed_ms"] != float64(1500) {
		t.Fatalf("elapsed wrong: %v", got["elapsed_ms"])
	}
}

func TestWebhook_Non2xx(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer ts.Close()

	if err := NewWebhook(ts.URL).RunCompleted(context.Background(), sampleRun()); err == nil {
		t.Fatalf("expected error on non-2xx")
	}
}

func TestNewWebhook_EmptyDisabled(t *testing.T) {
	if NewWebhook("") != nil {
		t.Fatalf("empty url should disable the webhook")
	}
}

func TestMulti_FirstErrorWins(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer good.Close()

	m := Multi{nil, NewWebhook(bad.URL), NewWebhook(good.URL)}
	if err := m.RunCompleted(context.Background(), sampleRun()); err == nil {
		t.Fatalf("expected first error to propagate")
	}
}
