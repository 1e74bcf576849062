package decisions

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/hazyhaar/rl4/internal/clock"
	"github.com/hazyhaar/rl4/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(Options{
		Clock:         clock.New(),
		DecisionsPath: filepath.Join(dir, "decisions.jsonl"),
		StatusPath:    filepath.Join(dir, "decision_status.jsonl"),
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestStoreRejectsEmptyIntent(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	_, err := s.Store(model.Decision{ContextRefs: []string{"e1"}})
	if err == nil {
		t.Fatal("expected empty-intent rejection")
	}
}

func TestStoreRejectsLowConfidenceGovernedUpdate(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	_, err := s.Store(model.Decision{Intent: "rl4_update_config", ConfidenceLLM: 90, ContextRefs: []string{"e1"}})
	if err == nil {
		t.Fatal("expected low-confidence governed update to be rejected")
	}
	if !strings.Contains(err.Error(), "confidence_llm 90 < 95") {
		t.Fatalf("expected error to contain %q, got %q", "confidence_llm 90 < 95", err.Error())
	}
}

func TestStoreComputesGateIgnoringCallerValue(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	d, err := s.Store(model.Decision{
		Intent:         "rl4_update_config",
		ConfidenceLLM:  99,
		ConfidenceGate: model.GateFail, // caller supplies a lie; must be overwritten
		ContextRefs:    []string{"e1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if d.ConfidenceGate != model.GatePass {
		t.Fatalf("expected gate pass, got %s", d.ConfidenceGate)
	}
}

func TestInvalidateNeverMutatesOriginal(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	d, err := s.Store(model.Decision{Intent: "refactor", ContextRefs: []string{"e1"}})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Invalidate(d.ID, "e2", "superseded"); err != nil {
		t.Fatal(err)
	}

	orig, ok := s.GetByID(d.ID)
	if !ok {
		t.Fatal("decision not found")
	}
	if orig.ValidationStatus != model.StatusPending {
		t.Fatalf("original record was mutated: %s", orig.ValidationStatus)
	}

	withStatus, ok := s.GetDecisionWithStatus(d.ID)
	if !ok {
		t.Fatal("expected decision with status")
	}
	if withStatus.Status != model.StatusInvalidated {
		t.Fatalf("expected folded status invalidated, got %s", withStatus.Status)
	}
}

func TestGetByIntentAndTimeRange(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	s.Store(model.Decision{Intent: "feature-x", ContextRefs: []string{"e1"}})
	s.Store(model.Decision{Intent: "feature-y", ContextRefs: []string{"e1"}})

	got := s.GetByIntent("feature-x")
	if len(got) != 1 {
		t.Fatalf("expected 1, got %d", len(got))
	}

	all := s.GetByTimeRange(0, model.NowMillis()+1000)
	if len(all) != 2 {
		t.Fatalf("expected 2, got %d", len(all))
	}
}
