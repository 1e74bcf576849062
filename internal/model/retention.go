package model

// MemoryClass governs retention policy for a file (spec §3).
type MemoryClass string

const (
	MemoryHot       MemoryClass = "HOT"
	MemoryWarm      MemoryClass = "WARM"
	MemoryCold      MemoryClass = "COLD"
	MemoryEphemeral MemoryClass = "EPHEMERAL"
)

// RebuildImpact describes how destructive an action is with respect
// to the ability to rebuild derived state.
type RebuildImpact string

const (
	RebuildBlocking RebuildImpact = "blocking"
	RebuildWarning  RebuildImpact = "warning"
	RebuildNone     RebuildImpact = "none"
)

// RetentionReason enumerates why a rotation/purge happened.
type RetentionReason string

const (
	ReasonMaxAgeDays  RetentionReason = "maxAgeDays"
	ReasonMaxFileSize RetentionReason = "maxFileSize"
	ReasonQuota       RetentionReason = "quota"
)

// RangeAffected bounds the timestamp/sequence range a retention action
// touched.
type RangeAffected struct {
	FromTimestamp int64 `json:"from_timestamp"`
	ToTimestamp   int64 `json:"to_timestamp"`
	FromSequence  int64 `json:"from_sequence"`
	ToSequence    int64 `json:"to_sequence"`
}

// RetentionEvent is emitted into the event log before any destructive
// rotation/purge it describes (spec §3, §4.18, invariant 5).
type RetentionEvent struct {
	Component     string        `json:"component"`
	File          string        `json:"file"`
	Reason        RetentionReason `json:"reason"`
	RangeAffected RangeAffected `json:"range_affected"`
	MemoryClass   MemoryClass   `json:"memory_class"`
	RebuildImpact RebuildImpact `json:"rebuild_impact"`
}

// CycleRecord is one pass of the scheduler pipeline (spec §3, §4.19).
type CycleRecord struct {
	CycleID   int64                  `json:"cycle_id"`
	Timestamp int64                  `json:"timestamp"`
	StartedAt int64                  `json:"started_at"`
	Duration  int64                  `json:"duration_ms"`
	Phases    map[string]PhaseResult `json:"phases"`
	Memory    map[string]any         `json:"memory"`
	Success   bool                   `json:"success"`
}

// PhaseResult captures the outcome of one cycle phase.
type PhaseResult struct {
	Name      string `json:"name"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	StartedAt int64  `json:"started_at"`
	Duration  int64  `json:"duration_ms"`
}
