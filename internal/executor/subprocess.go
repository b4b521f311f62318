package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"os/exec"
)

// Subprocess runs a local agent binary per invocation: stdin gets the
// InvokeRequest as one JSON line, stdout is read as NDJSON. Lines with a
// "type" field are progress events; the last line without one is taken as
// the result object. A non-zero exit fails the invocation.
type Subprocess struct {
	Command string
	Args    []string
}

func (Subprocess) Name() string { return "subprocess" }

func (r Subprocess) Invoke(ctx context.Context, req InvokeRequest, emit func(Event)) (InvokeResult, error) {
	if r.Command == "" {
		return InvokeResult{}, errors.New("subprocess command is required")
	}
	cmd := exec.CommandContext(ctx, r.Command, r.Args...)

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return InvokeResult{}, err
	}
	cmd.Stdin = strings.NewReader(string(reqJSON) + "\n")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return InvokeResult{}, err
	}
	if err := cmd.Start(); err != nil {
		return InvokeResult{}, err
	}

	var result json.RawMessage
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(line), &probe); err != nil {
			slog.Debug("subprocess emitted non-JSON line", "agent", req.AgentID, "line", line)
			continue
		}
		if probe.Type != "" {
			var ev Event
			if err := json.Unmarshal([]byte(line), &ev); err == nil {
				if ev.Timestamp.IsZero() {
					ev.Timestamp = time.Now().UTC()
				}
				if ev.TaskID == "" {
					ev.TaskID = req.TaskID
				}
				emit(ev)
			}
			continue
		}
		result = json.RawMessage(line)
	}
	scanErr := sc.Err()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return InvokeResult{}, ctx.Err()
		}
		return InvokeResult{}, fmt.Errorf("agent process: %w", err)
	}
	if ctx.Err() != nil {
		return InvokeResult{}, ctx.Err()
	}
	if scanErr != nil {
		return InvokeResult{}, scanErr
	}
	if result == nil {
		result = json.RawMessage(`{}`)
	}
	return InvokeResult{Result: result}, nil
}
