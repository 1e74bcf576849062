// Package model defines the unified data schema shared by every
// component of the cognitive recorder: events, decisions, status
// events, cycle records and retention events. Nothing in this package
// touches disk; it is pure data plus the mechanical helpers (keyword
// extraction, timestamp parsing) that several components need.
package model

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Source identifies what produced an Event.
type Source string

const (
	SourceFS     Source = "FS"
	SourceVCS    Source = "VCS"
	SourceIDE    Source = "IDE"
	SourceChat   Source = "CHAT"
	SourceSystem Source = "SYSTEM"
)

// EventType enumerates the unified event taxonomy.
type EventType string

const (
	EventFileCreated  EventType = "file-created"
	EventFileModified EventType = "file-modified"
	EventFileDeleted  EventType = "file-deleted"
	EventFileRenamed  EventType = "file-renamed"

	EventCommit EventType = "commit"
	EventBranch EventType = "branch"
	EventMerge  EventType = "merge"

	EventIDEEdit    EventType = "ide-edit"
	EventIDEFocus   EventType = "ide-focus"
	EventIDELinter  EventType = "ide-linter"
	EventIDESave    EventType = "ide-save"
	EventChatMsg    EventType = "chat-message"
	EventChatQuery  EventType = "chat-query"
	EventChatResp   EventType = "chat-response"
	EventSysStart   EventType = "system-start"
	EventSysStop    EventType = "system-stop"
	EventSysError   EventType = "system-error"
	EventRetention  EventType = "retention"
	EventGapDetect  EventType = "gap-detected"
	EventSchedTick  EventType = "scheduler-tick"
	EventCycleDone  EventType = "cycle-complete"
)

// Category is a coarse grouping over EventType, used for indexing and
// mechanical signal detection in the semantic compressor.
type Category string

const (
	CategoryCodeChange    Category = "code-change"
	CategoryCommunication Category = "communication"
	CategorySystem        Category = "system"
	CategoryMetadata      Category = "metadata"
)

// CategoryForType returns the mechanical category bucket for a type.
// This is intentionally a pure lookup table, never an inference.
func CategoryForType(t EventType) Category {
	switch t {
	case EventFileCreated, EventFileModified, EventFileDeleted, EventFileRenamed:
		return CategoryCodeChange
	case EventCommit, EventBranch, EventMerge:
		return CategoryCodeChange
	case EventIDEEdit, EventIDESave:
		return CategoryCodeChange
	case EventIDEFocus, EventIDELinter:
		return CategoryMetadata
	case EventChatMsg, EventChatQuery, EventChatResp:
		return CategoryCommunication
	case EventSysStart, EventSysStop, EventSysError, EventSchedTick, EventCycleDone:
		return CategorySystem
	case EventRetention, EventGapDetect:
		return CategoryMetadata
	default:
		return CategoryMetadata
	}
}

// IndexedFields holds the mechanically derived fields used by the
// spatial/type/temporal indices and by downstream mechanical signal
// detection. Never populated by semantic inference.
type IndexedFields struct {
	Files       []string `json:"files,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	Modules     []string `json:"modules,omitempty"`
	Directories []string `json:"directories,omitempty"`
}

// Event is the unified, immutable observation record (spec §3).
type Event struct {
	ID            string                 `json:"id"`
	Sequence      int64                  `json:"sequence"`
	Timestamp     int64                  `json:"timestamp"`
	Source        Source                 `json:"source"`
	Type          EventType              `json:"type"`
	Category      Category               `json:"category"`
	SourceFormat  string                 `json:"source_format,omitempty"`
	Payload       map[string]any         `json:"payload,omitempty"`
	IndexedFields IndexedFields          `json:"indexed_fields"`
	Metadata      map[string]any         `json:"metadata,omitempty"`
	Extra         map[string]any         `json:"-"` // not filled by JSON decoding: unknown fields are dropped on read and not re-emitted
}

// stopList is the fixed stop-word list for keyword extraction. It is
// deliberately small and mechanical — no stemming, no semantics.
var stopList = map[string]bool{
	"this": true, "that": true, "with": true, "from": true, "have": true,
	"been": true, "were": true, "they": true, "their": true, "about": true,
	"which": true, "would": true, "could": true, "should": true, "there": true,
	"these": true, "those": true, "into": true, "onto": true, "over": true,
	"under": true, "then": true, "than": true, "when": true, "where": true,
	"what": true, "will": true, "just": true, "also": true,
}

// ExtractKeywords mechanically tokenizes text into keywords of length
// 4-20, dropping stop words, capped at 5 — spec §4.9.
func ExtractKeywords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r != '_' && r != '-'
	})

	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, 5)
	for _, f := range fields {
		if len(f) < 4 || len(f) > 20 {
			continue
		}
		if stopList[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
		if len(out) == 5 {
			break
		}
	}
	return out
}

// CreateTimestamp renders the monotonic-clock timestamp format used in
// on-disk records: "<ms>-<seq>".
func CreateTimestamp(ms, seq int64) string {
	return strconv.FormatInt(ms, 10) + "-" + strconv.FormatInt(seq, 10)
}

// CompareTimestamps totally orders two well-formed "<ms>-<seq>"
// timestamps. Behavior for malformed input is deliberately undefined
// by contract (spec §9 open question); callers should use
// ParseTimestamp first and check its ok return.
func CompareTimestamps(a, b string) int {
	ams, aseq, aok := ParseTimestamp(a)
	bms, bseq, bok := ParseTimestamp(b)
	if !aok || !bok {
		return strings.Compare(a, b)
	}
	if ams != bms {
		if ams < bms {
			return -1
		}
		return 1
	}
	if aseq != bseq {
		if aseq < bseq {
			return -1
		}
		return 1
	}
	return 0
}

// ParseTimestamp parses the "<ms>-<seq>" format produced by
// CreateTimestamp. It never panics: malformed input yields ok=false
// and zero values, a recoverable result per spec §9.
func ParseTimestamp(s string) (ms, seq int64, ok bool) {
	idx := strings.LastIndex(s, "-")
	if idx <= 0 || idx == len(s)-1 {
		return 0, 0, false
	}
	msPart, seqPart := s[:idx], s[idx+1:]
	m, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	sq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return m, sq, true
}

// SortEventsBySequence sorts a slice of events ascending by sequence,
// used wherever the spec requires ascending-sequence order.
func SortEventsBySequence(events []Event) {
	sort.Slice(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })
}

// NowMillis returns the current wall-clock time in Unix milliseconds.
// Components use it to stamp events, decisions, frames and replay
// results that arrive without a timestamp; ordering is owned by the
// monotonic clock's sequence numbers, not by this value.
func NowMillis() int64 { return time.Now().UnixMilli() }

// ISOString renders a millisecond epoch timestamp as ISO-8601 UTC,
// the on-disk record format required by spec §6.
func ISOString(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}
