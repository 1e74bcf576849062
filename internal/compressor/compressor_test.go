package compressor

import (
	"testing"

	"github.com/hazyhaar/rl4/internal/model"
)

func TestPhaseClusteringSplitsOnLargeGap(t *testing.T) {
	ctx := model.PromptContext{
		Timeline: []model.TimelineEvent{
			{ID: "e1", Timestamp: 0, Type: model.EventFileModified},
			{ID: "e2", Timestamp: 10000, Type: model.EventFileModified},
			{ID: "e3", Timestamp: 400000, Type: model.EventFileModified}, // > 300s gap
		},
	}
	frame := Compress(ctx, "")

	var phases int
	for _, op := range frame.Operators {
		if op.Op == model.OpPhase {
			phases++
		}
	}
	if phases != 2 {
		t.Fatalf("expected 2 phases, got %d: %+v", phases, frame.Operators)
	}
}

func TestFrequencySignalBecomesPatternCandidate(t *testing.T) {
	ctx := model.PromptContext{
		Timeline: []model.TimelineEvent{
			{ID: "e1", Timestamp: 0, Type: model.EventCommit},
			{ID: "e2", Timestamp: 1000, Type: model.EventCommit},
			{ID: "e3", Timestamp: 2000, Type: model.EventCommit},
		},
	}
	frame := Compress(ctx, "")

	var found bool
	for _, op := range frame.Operators {
		if op.Op == model.OpPatternCandidate {
			found = true
			if op.Params["confidence"] != 30 {
				t.Fatalf("expected confidence 30, got %v", op.Params["confidence"])
			}
		}
	}
	if !found {
		t.Fatal("expected a PATTERN_CANDIDATE operator")
	}
}

func TestProximitySignalBecomesCorrelateCandidate(t *testing.T) {
	ctx := model.PromptContext{
		Timeline: []model.TimelineEvent{
			{ID: "e1", Timestamp: 0, Type: model.EventFileModified},
			{ID: "e2", Timestamp: 5000, Type: model.EventCommit},
		},
	}
	frame := Compress(ctx, "")

	var found bool
	for _, op := range frame.Operators {
		if op.Op == model.OpCorrelateCandidate {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a CORRELATE_CANDIDATE operator")
	}
}

func TestAlwaysEmitsAnalyzeAndGenerate(t *testing.T) {
	frame := Compress(model.PromptContext{}, "")
	var sawAnalyze, sawGenerate bool
	for _, op := range frame.Operators {
		if op.Op == model.OpAnalyze {
			sawAnalyze = true
		}
		if op.Op == model.OpGenerate {
			sawGenerate = true
		}
	}
	if !sawAnalyze || !sawGenerate {
		t.Fatalf("expected ANALYZE and GENERATE always present, got %+v", frame.Operators)
	}
}

func TestFocusAreasOnlyAboveWeightThreshold(t *testing.T) {
	ctx := model.PromptContext{
		Topics: map[string]int{"hot": 600, "cold": 100},
	}
	frame := Compress(ctx, "")
	if len(frame.Constraints.FocusAreas) != 1 || frame.Constraints.FocusAreas[0] != "hot" {
		t.Fatalf("expected only 'hot' as focus area, got %+v", frame.Constraints.FocusAreas)
	}
}

func TestCompressIsStateless(t *testing.T) {
	ctx := model.PromptContext{
		Timeline: []model.TimelineEvent{{ID: "e1", Timestamp: 0, Type: model.EventCommit}},
	}
	f1 := Compress(ctx, "anchor")
	f2 := Compress(ctx, "anchor")
	if len(f1.Operators) != len(f2.Operators) {
		t.Fatalf("expected identical operator count across calls")
	}
}
