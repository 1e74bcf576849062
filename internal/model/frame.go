package model

// OperatorKind enumerates the semantic-frame operator taxonomy
// (spec §3, §4.12).
type OperatorKind string

const (
	OpPhase              OperatorKind = "PHASE"
	OpPatternCandidate   OperatorKind = "PATTERN_CANDIDATE"
	OpCorrelateCandidate OperatorKind = "CORRELATE_CANDIDATE"
	OpAnalyze            OperatorKind = "ANALYZE"
	OpGenerate           OperatorKind = "GENERATE"
)

// Operator is one entry in a semantic frame's ordered operator list.
// Params carries operator-specific fields that are not references.
type Operator struct {
	Op     OperatorKind   `json:"op"`
	Refs   []string       `json:"refs,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// Anchor pins a semantic frame to a point and window in time.
type Anchor struct {
	EventID   string `json:"event_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
	WindowMS  int64  `json:"window_ms"`
}

// References collects everything a frame points at.
type References struct {
	Events    []string `json:"events,omitempty"`
	Decisions []string `json:"decisions,omitempty"`
	Files     []string `json:"files,omitempty"`
	Patterns  []string `json:"patterns,omitempty"`
}

// Constraints bounds what a frame may be used for downstream.
type Constraints struct {
	MaxTokens          int      `json:"max_tokens,omitempty"`
	FocusAreas         []string `json:"focus_areas,omitempty"`
	ForbiddenInferences []string `json:"forbidden_inferences,omitempty"`
}

// Frame is the transient, always-regenerated semantic compression of
// a context window (spec §3, §4.12). It is never persisted as truth.
type Frame struct {
	Anchor      Anchor     `json:"anchor"`
	References  References `json:"references"`
	Operators   []Operator `json:"operators"`
	Constraints Constraints `json:"constraints"`
}

// TimelineEvent is the minimal shape the semantic compressor needs
// from a prompt-context's timeline: time, identity and event type,
// since compression is purely mechanical (spec §4.12).
type TimelineEvent struct {
	ID        string   `json:"id"`
	Timestamp int64    `json:"timestamp"`
	Type      EventType `json:"type"`
}

// PromptContext is the external codec's decoded shape: a window of
// timeline events plus referenced decisions and weighted topics. The
// replay engine decodes an RCEP blob into this before compressing it.
type PromptContext struct {
	Timeline  []TimelineEvent `json:"timeline"`
	Decisions []string        `json:"decisions"`
	Topics    map[string]int  `json:"topics"` // topic -> weight 0-999
}
