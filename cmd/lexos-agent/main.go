// lexos-agent is a reference agent for the subprocess executor. The daemon
// writes one InvokeRequest JSON line to stdin; the agent may emit progress
// events (JSON lines with a "type" field) and must end with one result object
// line. A non-zero exit fails the invocation.
//
// Wire it up with: lexos start --executor=subprocess --subprocess-cmd=lexos-agent
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/executor"
)

func main() {
	if err := run(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run(in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return err
		}
		return errors.New("no request on stdin")
	}
	var req executor.InvokeRequest
	if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}

	enc := json.NewEncoder(out)
	event := func(typ string, data map[string]any) {
		_ = enc.Encode(executor.Event{
			Type:      typ,
			AgentID:   req.AgentID,
			TaskID:    req.TaskID,
			Timestamp: time.Now().UTC(),
			Data:      data,
		})
	}

	event("invocation_started", map[string]any{"task_type": req.TaskType})
	result, err := handle(req)
	if err != nil {
		return err
	}
	event("invocation_ended", nil)
	return enc.Encode(result)
}

// handle mirrors the stub executor's task types so a roster registered
// against "stub" behaves the same against "subprocess".
func handle(req executor.InvokeRequest) (json.RawMessage, error) {
	var params struct {
		DurationMS int    `json:"duration_ms"`
		Message    string `json:"message"`
	}
	if len(req.Parameters) > 0 {
		_ = json.Unmarshal(req.Parameters, &params)
	}

	switch req.TaskType {
	case "echo":
		if len(req.Parameters) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return req.Parameters, nil
	case "sleep":
		d := time.Duration(params.DurationMS) * time.Millisecond
		time.Sleep(d)
		return json.RawMessage(fmt.Sprintf(`{"slept_ms":%d}`, d.Milliseconds())), nil
	case "fail":
		msg := params.Message
		if msg == "" {
			msg = "agent failure"
		}
		return nil, errors.New(msg)
	default:
		return json.Marshal(map[string]any{"status": "ok", "task_type": req.TaskType})
	}
}
