package replay

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hazyhaar/rl4/internal/model"
)

func TestHashIsDeterministicForFixedInput(t *testing.T) {
	events := []model.Event{
		{ID: "e2", Sequence: 2, Type: model.EventCommit, Timestamp: 200},
		{ID: "e1", Sequence: 1, Type: model.EventFileModified, Timestamp: 100},
	}
	decs := []model.Decision{{ID: "d1", Sequence: 1, Intent: "fix", ConfidenceGate: model.GatePass}}
	frame := model.Frame{Operators: []model.Operator{
		{Op: model.OpPhase, Refs: []string{"e2", "e1"}, Params: map[string]any{"duration_ms": 100}},
	}}

	c1 := BuildCanonical(events, decs, frame)
	h1, _, err := Hash(c1)
	if err != nil {
		t.Fatal(err)
	}

	c2 := BuildCanonical(events, decs, frame)
	h2, _, err := Hash(c2)
	if err != nil {
		t.Fatal(err)
	}

	if h1 != h2 {
		t.Fatalf("expected identical hash, got %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64-char hex digest, got %d chars", len(h1))
	}
}

func TestCanonicalEventsSortedBySequence(t *testing.T) {
	events := []model.Event{
		{ID: "e2", Sequence: 2, Type: model.EventCommit, Timestamp: 200},
		{ID: "e1", Sequence: 1, Type: model.EventFileModified, Timestamp: 100},
	}
	c := BuildCanonical(events, nil, model.Frame{})
	if c.Events[0].ID != "e1" || c.Events[1].ID != "e2" {
		t.Fatalf("expected sorted by seq, got %+v", c.Events)
	}
}

func TestCanonicalOpsRefsSorted(t *testing.T) {
	frame := model.Frame{Operators: []model.Operator{
		{Op: model.OpCorrelateCandidate, Refs: []string{"z", "a"}},
	}}
	c := BuildCanonical(nil, nil, frame)
	want := []string{"a", "z"}
	if diff := cmp.Diff(want, c.SCFOps[0].Refs); diff != "" {
		t.Fatalf("refs mismatch (-want +got):\n%s", diff)
	}
}

func TestHashDiffersWhenInputDiffers(t *testing.T) {
	frame := model.Frame{}
	c1 := BuildCanonical([]model.Event{{ID: "e1", Sequence: 1}}, nil, frame)
	c2 := BuildCanonical([]model.Event{{ID: "e2", Sequence: 1}}, nil, frame)

	h1, _, _ := Hash(c1)
	h2, _, _ := Hash(c2)
	if h1 == h2 {
		t.Fatal("expected different hashes for different inputs")
	}
}
