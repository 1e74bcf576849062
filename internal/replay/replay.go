// Package replay implements the replay engine (C13): given a time
// window, it reassembles the events, decisions, and a freshly
// regenerated semantic frame, then hashes the canonical projection of
// all three so identical log prefixes always replay to the same
// digest.
package replay

import (
	"encoding/json"

	"github.com/hazyhaar/rl4/internal/blobstore"
	"github.com/hazyhaar/rl4/internal/compressor"
	"github.com/hazyhaar/rl4/internal/decisions"
	"github.com/hazyhaar/rl4/internal/ingest"
	"github.com/hazyhaar/rl4/internal/model"
)

// Result is the outcome of one replay() call.
type Result struct {
	Events    []model.Event
	Decisions []model.Decision
	Frame     model.Frame
	Hash      string
	Timestamp int64
}

// Engine wires together the three stores a replay reads from.
type Engine struct {
	events *ingest.Layer
	store  *decisions.Store
	blobs  *blobstore.Store
}

// New creates an Engine over the given components.
func New(events *ingest.Layer, store *decisions.Store, blobs *blobstore.Store) *Engine {
	return &Engine{events: events, store: store, blobs: blobs}
}

// Replay rebuilds the window [from,to] per spec §4.13's algorithm:
// blobs, then events, then decisions, then a freshly regenerated
// frame (never read from storage), then a canonical hash.
func (e *Engine) Replay(from, to int64, anchorEventID string) Result {
	checksums := e.blobs.GetByTimeRange(from, to)

	events := e.events.QueryTemporal(from, to)
	decs := e.store.GetByTimeRange(from, to)

	frame := e.regenerateFrame(checksums, events, decs, anchorEventID)

	canonical := BuildCanonical(events, decs, frame)
	hash, _, _ := Hash(canonical)

	return Result{
		Events:    events,
		Decisions: decs,
		Frame:     frame,
		Hash:      hash,
		Timestamp: model.NowMillis(),
	}
}

// regenerateFrame decodes the latest blob in the window into a
// PromptContext and compresses it; on decode failure (or no blob), it
// falls back to a minimal prompt-context synthesized from events and
// decisions (spec §4.13 step 4).
func (e *Engine) regenerateFrame(checksums []string, events []model.Event, decs []model.Decision, anchorEventID string) model.Frame {
	var ctx model.PromptContext
	decoded := false

	if len(checksums) > 0 {
		latest := checksums[len(checksums)-1]
		if blob, ok := e.blobs.GetByChecksum(latest); ok {
			if err := json.Unmarshal(blob, &ctx); err == nil {
				decoded = true
			}
		}
	}

	if !decoded {
		ctx = synthesizeMinimalContext(events, decs)
	}

	return compressor.Compress(ctx, anchorEventID)
}

// synthesizeMinimalContext builds a PromptContext directly from the
// events/decisions already loaded, used when no blob is available or
// decodable.
func synthesizeMinimalContext(events []model.Event, decs []model.Decision) model.PromptContext {
	timeline := make([]model.TimelineEvent, len(events))
	for i, ev := range events {
		timeline[i] = model.TimelineEvent{ID: ev.ID, Timestamp: ev.Timestamp, Type: ev.Type}
	}

	decisionIDs := make([]string, len(decs))
	for i, d := range decs {
		decisionIDs[i] = d.ID
	}

	return model.PromptContext{
		Timeline:  timeline,
		Decisions: decisionIDs,
		Topics:    map[string]int{},
	}
}
