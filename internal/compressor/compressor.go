// Package compressor implements the semantic compressor (C12):
// purely mechanical detection of phases, frequency, proximity, and
// (stubbed) repetition signals over a prompt context, assembled into a
// stateless, transient semantic frame. It never infers meaning.
package compressor

import (
	"sort"

	"github.com/hazyhaar/rl4/internal/model"
)

// phaseGap is the inter-event gap, in milliseconds, that starts a new
// PHASE cluster (spec §4.12: "> 300 s").
const phaseGap = 300 * 1000

// proximityWindow is the maximum gap, in milliseconds, for two events
// to be considered "close" (spec §4.12: "< 60 s").
const proximityWindow = 60 * 1000

// frequencySignal is an event-type occurring more than once.
type frequencySignal struct {
	eventType model.EventType
	events    []string
	count     int
}

// proximitySignal is a pair of events closer together than
// proximityWindow.
type proximitySignal struct {
	from, to string
	gapMS    int64
}

// Compress builds a Frame from ctx, purely mechanically. anchorEventID
// may be empty.
func Compress(ctx model.PromptContext, anchorEventID string) model.Frame {
	timeline := append([]model.TimelineEvent(nil), ctx.Timeline...)
	sort.Slice(timeline, func(i, j int) bool { return timeline[i].Timestamp < timeline[j].Timestamp })

	ops := make([]model.Operator, 0, len(timeline)/2+2)
	ops = append(ops, phaseOperators(timeline)...)

	freqSignals := frequencySignals(timeline)
	proxSignals := proximitySignals(timeline)

	for _, f := range freqSignals {
		confidence := f.count * 10
		if confidence > 95 {
			confidence = 95
		}
		ops = append(ops, model.Operator{
			Op:   model.OpPatternCandidate,
			Refs: f.events,
			Params: map[string]any{
				"confidence": confidence,
				"rationale":  "repeated event type",
				"based_on":   string(f.eventType),
			},
		})
	}

	for _, p := range proxSignals {
		strength := 100 - p.gapMS/1000
		if strength < 0 {
			strength = 0
		}
		ops = append(ops, model.Operator{
			Op:   model.OpCorrelateCandidate,
			Refs: []string{p.from, p.to},
			Params: map[string]any{
				"type":     "temporal",
				"strength": strength,
				"based_on": "proximity",
			},
		})
	}

	ops = append(ops, model.Operator{
		Op: model.OpAnalyze,
		Params: map[string]any{
			"suggested_queries": []string{
				"what changed in this window",
				"which decisions are active",
				"what files were touched most",
			},
		},
	})
	ops = append(ops, model.Operator{
		Op: model.OpGenerate,
		Params: map[string]any{
			"outputs": []string{"summary", "next_steps"},
		},
	})

	anchor := model.Anchor{
		EventID:   anchorEventID,
		Timestamp: model.NowMillis(),
	}
	if len(timeline) > 0 {
		anchor.WindowMS = timeline[len(timeline)-1].Timestamp - timeline[0].Timestamp
	}

	var focusAreas []string
	for topic, weight := range ctx.Topics {
		if weight > 500 {
			focusAreas = append(focusAreas, topic)
		}
	}
	sort.Strings(focusAreas)

	refs := model.References{
		Events:    eventIDs(timeline),
		Decisions: append([]string(nil), ctx.Decisions...),
	}

	return model.Frame{
		Anchor:     anchor,
		References: refs,
		Operators:  ops,
		Constraints: model.Constraints{
			MaxTokens:  8000,
			FocusAreas: focusAreas,
		},
	}
}

func eventIDs(timeline []model.TimelineEvent) []string {
	ids := make([]string, len(timeline))
	for i, e := range timeline {
		ids[i] = e.ID
	}
	return ids
}

// phaseOperators clusters timeline events by inter-event gap,
// starting a new phase whenever the gap exceeds phaseGap (spec
// §4.12, Level A).
func phaseOperators(timeline []model.TimelineEvent) []model.Operator {
	if len(timeline) == 0 {
		return nil
	}

	var ops []model.Operator
	phaseStart := timeline[0].Timestamp
	phaseEvents := []string{timeline[0].ID}

	flush := func(end int64) {
		ops = append(ops, model.Operator{
			Op:   model.OpPhase,
			Refs: append([]string(nil), phaseEvents...),
			Params: map[string]any{
				"duration_ms": end - phaseStart,
			},
		})
	}

	for i := 1; i < len(timeline); i++ {
		gap := timeline[i].Timestamp - timeline[i-1].Timestamp
		if gap > phaseGap {
			flush(timeline[i-1].Timestamp)
			phaseStart = timeline[i].Timestamp
			phaseEvents = nil
		}
		phaseEvents = append(phaseEvents, timeline[i].ID)
	}
	flush(timeline[len(timeline)-1].Timestamp)

	return ops
}

// frequencySignals counts occurrences per event type, emitting a
// signal only when a type occurs more than once (spec §4.12).
func frequencySignals(timeline []model.TimelineEvent) []frequencySignal {
	byType := make(map[model.EventType][]string)
	for _, e := range timeline {
		byType[e.Type] = append(byType[e.Type], e.ID)
	}

	types := make([]model.EventType, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	var out []frequencySignal
	for _, t := range types {
		ids := byType[t]
		if len(ids) > 1 {
			out = append(out, frequencySignal{eventType: t, events: ids, count: len(ids)})
		}
	}
	return out
}

// proximitySignals finds adjacent event pairs closer together than
// proximityWindow.
func proximitySignals(timeline []model.TimelineEvent) []proximitySignal {
	var out []proximitySignal
	for i := 1; i < len(timeline); i++ {
		gap := timeline[i].Timestamp - timeline[i-1].Timestamp
		if gap < proximityWindow {
			out = append(out, proximitySignal{from: timeline[i-1].ID, to: timeline[i].ID, gapMS: gap})
		}
	}
	return out
}

// DetectRepetition is the reserved repetition-signal contract (spec
// §4.12, §9 open question): repeated structural sequences are not yet
// precisely defined, so this stub returns no signals.
func DetectRepetition(timeline []model.TimelineEvent) []string {
	return nil
}
