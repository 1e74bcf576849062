// Package retention implements the retention manager (C17): it
// decides when a file should rotate based on its memory class, and
// performs the rotation itself — but always after handing a retention
// event to the ingest layer, never before, so every destructive action
// is traceable (spec §4.18).
package retention

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hazyhaar/rl4/internal/model"
)

// ClassPolicy bounds the age a memory class tolerates before rotation;
// HOT classes are never rotated regardless of policy.
type ClassPolicy struct {
	MaxAgeDays int
}

var defaultPolicies = map[model.MemoryClass]ClassPolicy{
	model.MemoryWarm:      {MaxAgeDays: 30},
	model.MemoryCold:      {MaxAgeDays: 90},
	model.MemoryEphemeral: {MaxAgeDays: 7},
}

// Ingester is the subset of the ingest layer the retention manager
// needs: indexing a retention event, and gating the rotation it
// precedes, before any destructive action (spec §4.9's C9 gate).
type Ingester interface {
	Ingest(ev model.Event, source model.Source) error
	AcceptRetention(ev model.Event, targetLog string) error
}

// Manager evaluates and performs file rotations.
type Manager struct {
	ingest      Ingester
	maxFileSize int64
	policies    map[model.MemoryClass]ClassPolicy
}

// Options configures a Manager.
type Options struct {
	Ingest      Ingester
	MaxFileSize int64 // bytes; 0 uses the default (10MB)
	Policies    map[model.MemoryClass]ClassPolicy
}

// New creates a Manager.
func New(opts Options) *Manager {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = 10 * 1024 * 1024
	}
	policies := opts.Policies
	if policies == nil {
		policies = defaultPolicies
	}
	return &Manager{ingest: opts.Ingest, maxFileSize: opts.MaxFileSize, policies: policies}
}

// ShouldRotate reports whether path should rotate, given its memory
// class. HOT files never rotate (spec §4.18).
func (m *Manager) ShouldRotate(path string, class model.MemoryClass) (bool, error) {
	if class == model.MemoryHot {
		return false, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("retention: stat: %w", err)
	}

	if info.Size() > m.maxFileSize {
		return true, nil
	}

	policy, ok := m.policies[class]
	if ok && policy.MaxAgeDays > 0 {
		age := time.Since(info.ModTime())
		if age > time.Duration(policy.MaxAgeDays)*24*time.Hour {
			return true, nil
		}
	}

	return false, nil
}

// firstLastTimestampSeq scans a JSONL file's first and last records
// for "timestamp" and "sequence" fields, used to bound the retention
// event's range_affected.
func firstLastTimestampSeq(path string) (model.RangeAffected, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.RangeAffected{}, err
	}
	defer f.Close()

	var first, last map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if first == nil {
			first = rec
		}
		last = rec
	}

	out := model.RangeAffected{}
	if ts, ok := first["timestamp"]; ok {
		out.FromTimestamp = asInt64(ts)
	}
	if ts, ok := last["timestamp"]; ok {
		out.ToTimestamp = asInt64(ts)
	}
	if seq, ok := first["sequence"]; ok {
		out.FromSequence = asInt64(seq)
	}
	if seq, ok := last["sequence"]; ok {
		out.ToSequence = asInt64(seq)
	}
	return out, nil
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case int:
		return int64(t)
	}
	return 0
}

// RotateFile offers a retention event to C9's gate, then copies the
// live file aside and truncates it to zero (spec §4.18). C9 rejects
// the rotation for HOT logs before it ever indexes the event (spec
// §4.9: "before any log rotation, C9 accepts a retention event from
// C17, indexes it, and only then permits the rotation to proceed").
func (m *Manager) RotateFile(component, path string, class model.MemoryClass, reason model.RetentionReason) error {
	rangeAffected, err := firstLastTimestampSeq(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("retention: scan range: %w", err)
	}

	impact := model.RebuildWarning
	if class == model.MemoryCold || class == model.MemoryEphemeral {
		impact = model.RebuildNone
	}

	ev := model.Event{
		Type:         model.EventRetention,
		SourceFormat: "retention-manager",
		Payload: map[string]any{
			"retention": model.RetentionEvent{
				Component:     component,
				File:          path,
				Reason:        reason,
				RangeAffected: rangeAffected,
				MemoryClass:   class,
				RebuildImpact: impact,
			},
		},
	}

	if m.ingest != nil {
		if err := m.ingest.AcceptRetention(ev, component); err != nil {
			return fmt.Errorf("retention: rotation rejected: %w", err)
		}
	}

	// Crash between the event above and the rotation below is
	// acceptable: the event is a safe no-op if the file is untouched.
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("retention: stat before rotate: %w", err)
	}

	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	rotated := fmt.Sprintf("%s.%d%s", base, time.Now().UnixMilli(), ext)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("retention: read before rotate: %w", err)
	}
	if err := os.WriteFile(rotated, data, info.Mode()); err != nil {
		return fmt.Errorf("retention: write rotated copy: %w", err)
	}
	if err := os.Truncate(path, 0); err != nil {
		return fmt.Errorf("retention: truncate live file: %w", err)
	}

	return nil
}
