// Canonical replay projection and hashing (spec §4.14): a replay
// result is projected to a structure with only whitelisted,
// stably-ordered fields, serialized to canonical JSON (sorted object
// keys, declared array order, no exponent notation for integral
// numbers), and hashed with SHA-256.
package replay

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/hazyhaar/rl4/internal/model"
)

// CanonicalEvent is the whitelisted projection of an event.
type CanonicalEvent struct {
	ID        string `json:"id"`
	Seq       int64  `json:"seq"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// CanonicalDecision is the whitelisted projection of a decision.
type CanonicalDecision struct {
	ID             string `json:"id"`
	Intent         string `json:"intent"`
	ConfidenceGate string `json:"confidence_gate"`
}

// CanonicalOp is the whitelisted projection of a semantic-frame
// operator.
type CanonicalOp struct {
	Op     string         `json:"op"`
	Refs   []string       `json:"refs"`
	Params map[string]any `json:"params"`
}

// Canonical is the full canonical replay structure that gets hashed.
type Canonical struct {
	Events    []CanonicalEvent    `json:"events"`
	Decisions []CanonicalDecision `json:"decisions"`
	SCFOps    []CanonicalOp       `json:"scf_ops"`
}

// BuildCanonical projects raw events/decisions/frame into the
// whitelisted, stably-ordered canonical structure (spec §4.14).
func BuildCanonical(events []model.Event, decisions []model.Decision, frame model.Frame) Canonical {
	ce := make([]CanonicalEvent, len(events))
	for i, e := range events {
		ce[i] = CanonicalEvent{ID: e.ID, Seq: e.Sequence, Type: string(e.Type), Timestamp: e.Timestamp}
	}
	sort.Slice(ce, func(i, j int) bool { return ce[i].Seq < ce[j].Seq })

	sortedDecs := append([]model.Decision(nil), decisions...)
	sort.SliceStable(sortedDecs, func(i, j int) bool { return sortedDecs[i].Sequence < sortedDecs[j].Sequence })
	cd := make([]CanonicalDecision, len(sortedDecs))
	for i, d := range sortedDecs {
		cd[i] = CanonicalDecision{ID: d.ID, Intent: d.Intent, ConfidenceGate: string(d.ConfidenceGate)}
	}

	ops := make([]CanonicalOp, len(frame.Operators))
	for i, op := range frame.Operators {
		refs := append([]string(nil), op.Refs...)
		sort.Strings(refs)
		ops[i] = CanonicalOp{Op: string(op.Op), Refs: refs, Params: op.Params}
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Op != ops[j].Op {
			return ops[i].Op < ops[j].Op
		}
		return strings.Join(ops[i].Refs, ",") < strings.Join(ops[j].Refs, ",")
	})

	return Canonical{Events: ce, Decisions: cd, SCFOps: ops}
}

// Hash renders c as canonical JSON and returns its SHA-256 hex digest.
func Hash(c Canonical) (string, []byte, error) {
	obj := map[string]any{
		"events":    toAnySlice(c.Events),
		"decisions": toAnySlice(c.Decisions),
		"scf_ops":   toAnySlice(c.SCFOps),
	}
	buf, err := canonicalJSON(obj)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:]), buf, nil
}

func toAnySlice[T any](items []T) []any {
	out := make([]any, len(items))
	for i, it := range items {
		out[i] = toAnyMap(it)
	}
	return out
}

func toAnyMap(v any) map[string]any {
	switch t := v.(type) {
	case CanonicalEvent:
		return map[string]any{"id": t.ID, "seq": t.Seq, "type": t.Type, "timestamp": t.Timestamp}
	case CanonicalDecision:
		return map[string]any{"id": t.ID, "intent": t.Intent, "confidence_gate": t.ConfidenceGate}
	case CanonicalOp:
		params := t.Params
		if params == nil {
			params = map[string]any{}
		}
		refs := t.Refs
		if refs == nil {
			refs = []string{}
		}
		return map[string]any{"op": t.Op, "refs": toAnyStrings(refs), "params": params}
	}
	return nil
}

func toAnyStrings(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

// canonicalJSON recursively emits v with object keys in ascending
// lexicographic order, arrays in declared order, and integral numbers
// without exponent notation.
func canonicalJSON(v any) ([]byte, error) {
	var b strings.Builder
	if err := writeCanonical(&b, v); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func writeCanonical(b *strings.Builder, v any) error {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case string:
		writeJSONString(b, t)
	case bool:
		if t {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case int:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
	case float64:
		if t == float64(int64(t)) {
			b.WriteString(strconv.FormatInt(int64(t), 10))
		} else {
			b.WriteString(strconv.FormatFloat(t, 'f', -1, 64))
		}
	case []any:
		b.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case []string:
		b.WriteByte('[')
		for i, s := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeJSONString(b, s)
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			writeJSONString(b, k)
			b.WriteByte(':')
			if err := writeCanonical(b, t[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	default:
		return fmt.Errorf("replay: canonicalJSON: unsupported type %T", v)
	}
	return nil
}

func writeJSONString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
}
