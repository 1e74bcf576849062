package kernel

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/hazyhaar/rl4/internal/model"
)

// Request is one line-delimited JSON message on the IPC channel
// (spec §6, "External IPC").
type Request struct {
	Type      string          `json:"type"`
	Seq       int64           `json:"seq,omitempty"`
	QueryType string          `json:"query_type,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Reply is always {type:"query_reply", query_seq, success, data|error}.
type Reply struct {
	Type     string `json:"type"`
	QuerySeq int64  `json:"query_seq"`
	Success  bool   `json:"success"`
	Data     any    `json:"data,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ServeIPC reads line-delimited JSON requests from r and writes
// replies to w until r is exhausted or ctx-independent shutdown is
// requested via the "shutdown" query_type. Each line is handled
// synchronously, in arrival order.
func (c *Core) ServeIPC(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			enc.Encode(Reply{Type: "query_reply", Success: false, Error: "malformed request: " + err.Error()})
			continue
		}

		reply := c.handle(req)
		if err := enc.Encode(reply); err != nil {
			return err
		}
		if req.QueryType == "shutdown" {
			return nil
		}
	}
	return scanner.Err()
}

func (c *Core) handle(req Request) Reply {
	reply := Reply{Type: "query_reply", QuerySeq: req.Seq}

	data, err := c.dispatch(req)
	if err != nil {
		reply.Success = false
		reply.Error = err.Error()
		return reply
	}
	reply.Success = true
	reply.Data = data
	return reply
}

func (c *Core) dispatch(req Request) (any, error) {
	switch req.QueryType {
	case "status":
		return c.handleStatus(), nil
	case "get_last_cycle_health":
		return c.handleLastCycleHealth(), nil
	case "reflect":
		return c.handleLastCycleHealth(), nil
	case "flush":
		return c.handleFlush()
	case "shutdown":
		// The actual teardown happens once, in the caller's run loop,
		// after ServeIPC returns (see cmd/rl4d). This just acknowledges
		// the request.
		return map[string]bool{"success": true}, nil
	case "get_mode", "set_mode":
		return c.handleMode(req)
	case "process_llm_response":
		return c.handleProcessLLMResponse(req)
	case "get_decisions":
		return c.handleGetDecisions(req)
	case "replay_trajectory":
		return c.handleReplay(req)
	case "rebuild_cache":
		return c.handleRebuildCache()
	default:
		return nil, fmt.Errorf("unknown query_type %q", req.QueryType)
	}
}

func (c *Core) handleStatus() map[string]any {
	return map[string]any{
		"uptime":    time.Since(c.startedAt).Seconds(),
		"health":    "ok",
		"timers":    c.timers.Len(),
		"queueSize": c.events.QueueDepth(),
		"version":   "1",
	}
}

func (c *Core) handleLastCycleHealth() map[string]any {
	rec, ok := c.sched.LastCycle()
	if !ok {
		return map[string]any{
			"cycleId":  c.sched.CycleID(),
			"success":  false,
			"phases":   map[string]model.PhaseResult{},
			"duration": int64(0),
			"errors":   []string{},
		}
	}

	var errs []string
	phaseNames := make([]string, 0, len(rec.Phases))
	for name := range rec.Phases {
		phaseNames = append(phaseNames, name)
	}
	sort.Strings(phaseNames)
	for _, name := range phaseNames {
		if p := rec.Phases[name]; !p.Success {
			errs = append(errs, fmt.Sprintf("%s: %s", name, p.Error))
		}
	}
	if errs == nil {
		errs = []string{}
	}

	return map[string]any{
		"cycleId":  rec.CycleID,
		"success":  rec.Success,
		"phases":   rec.Phases,
		"duration": rec.Duration,
		"errors":   errs,
	}
}

func (c *Core) handleFlush() (map[string]any, error) {
	return map[string]any{"success": true}, nil
}

func (c *Core) handleMode(req Request) (map[string]any, error) {
	if req.QueryType == "set_mode" {
		var payload struct {
			Mode string `json:"mode"`
		}
		if len(req.Payload) > 0 {
			if err := json.Unmarshal(req.Payload, &payload); err != nil {
				return nil, fmt.Errorf("invalid set_mode payload: %w", err)
			}
		}
		if payload.Mode != "" {
			c.mode = payload.Mode
		}
	}
	return map[string]any{"mode": c.mode}, nil
}

// handleProcessLLMResponse parses the response as a newline-delimited
// sequence of JSON decision objects (the core performs no semantic
// interpretation, spec §1 Non-goals) and stores each one, attaching
// rcepRef as a context reference when the decision didn't supply one.
func (c *Core) handleProcessLLMResponse(req Request) (map[string]any, error) {
	var payload struct {
		Response string `json:"response"`
		RCEPRef  string `json:"rcepRef"`
	}
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return nil, fmt.Errorf("invalid process_llm_response payload: %w", err)
	}

	var stored []model.Decision
	for _, line := range strings.Split(payload.Response, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var d model.Decision
		if err := json.Unmarshal([]byte(line), &d); err != nil {
			continue
		}
		if len(d.ContextRefs) == 0 && payload.RCEPRef != "" {
			d.ContextRefs = []string{payload.RCEPRef}
		}
		saved, err := c.decs.Store(d)
		if err != nil {
			continue
		}
		stored = append(stored, saved)
	}

	return map[string]any{"decisions": stored, "count": len(stored)}, nil
}

func (c *Core) handleGetDecisions(req Request) (map[string]any, error) {
	var payload struct {
		StartTime int64 `json:"startTime"`
		EndTime   int64 `json:"endTime"`
	}
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return nil, fmt.Errorf("invalid get_decisions payload: %w", err)
		}
	}
	decs := c.decs.GetByTimeRange(payload.StartTime, payload.EndTime)
	return map[string]any{"decisions": decs, "count": len(decs)}, nil
}

func (c *Core) handleReplay(req Request) (map[string]any, error) {
	var payload struct {
		StartTime     int64  `json:"startTime"`
		EndTime       int64  `json:"endTime"`
		AnchorEventID string `json:"anchorEventId"`
	}
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return nil, fmt.Errorf("invalid replay_trajectory payload: %w", err)
	}
	result := c.replayer.Replay(payload.StartTime, payload.EndTime, payload.AnchorEventID)
	return map[string]any{
		"events":    result.Events,
		"decisions": result.Decisions,
		"hash":      result.Hash,
		"timestamp": result.Timestamp,
	}, nil
}

func (c *Core) handleRebuildCache() (map[string]any, error) {
	if err := c.cacheIx.Rebuild(); err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "cyclesIndexed": c.cacheIx.TotalCycles()}, nil
}
