package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/LexHelios/lexos-cybernetic-genesis-sub000/internal/executor"
)

// lines decodes the agent's NDJSON output into events and the result line.
func lines(t *testing.T, out string) (events []executor.Event, result json.RawMessage) {
	t.Helper()
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(line), &probe); err != nil {
			t.Fatalf("non-JSON output line: %q", line)
		}
		if probe.Type != "" {
			var ev executor.Event
			if err := json.Unmarshal([]byte(line), &ev); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			events = append(events, ev)
			continue
		}
		result = json.RawMessage(line)
	}
	return events, result
}

func request(t *testing.T, req executor.InvokeRequest) string {
	t.Helper()
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return string(b) + "\n"
}

func TestRun_echo(t *testing.T) {
	t.Parallel()
	in := request(t, executor.InvokeRequest{
		TaskID:     "t1",
		AgentID:    "a1",
		TaskType:   "echo",
		Parameters: json.RawMessage(`{"msg":"hi"}`),
	})
	var out bytes.Buffer
	if err := run(strings.NewReader(in), &out); err != nil {
		t.Fatalf("run: %v", err)
	}

	events, result := lines(t, out.String())
	if len(events) != 2 {
		t.Fatalf("events: got %d, want 2\n%s", len(events), out.String())
	}
	if events[0].Type != "invocation_started" || events[1].Type != "invocation_ended" {
		t.Errorf("event types: %s, %s", events[0].Type, events[1].Type)
	}
	if events[0].TaskID != "t1" || events[0].AgentID != "a1" {
		t.Errorf("event identity: %+v", events[0])
	}
	var got map[string]string
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("result: %v", err)
	}
	if got["msg"] != "hi" {
		t.Errorf("result: %v", got)
	}
}

func TestRun_echoNoParams(t *testing.T) {
	t.Parallel()
	in := request(t, executor.InvokeRequest{TaskID: "t1", AgentID: "a1", TaskType: "echo"})
	var out bytes.Buffer
	if err := run(strings.NewReader(in), &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	_, result := lines(t, out.String())
	if string(result) != "{}" {
		t.Errorf("result: got %s, want {}", result)
	}
}

func TestRun_sleep(t *testing.T) {
	t.Parallel()
	in := request(t, executor.InvokeRequest{
		TaskID:     "t1",
		AgentID:    "a1",
		TaskType:   "sleep",
		Parameters: json.RawMessage(`{"duration_ms":5}`),
	})
	var out bytes.Buffer
	if err := run(strings.NewReader(in), &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	_, result := lines(t, out.String())
	var got struct {
		SleptMS int `json:"slept_ms"`
	}
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("result: %v", err)
	}
	if got.SleptMS != 5 {
		t.Errorf("slept_ms: got %d", got.SleptMS)
	}
}

func TestRun_fail(t *testing.T) {
	t.Parallel()
	in := request(t, executor.InvokeRequest{
		TaskID:     "t1",
		AgentID:    "a1",
		TaskType:   "fail",
		Parameters: json.RawMessage(`{"message":"boom"}`),
	})
	var out bytes.Buffer
	err := run(strings.NewReader(in), &out)
	if err == nil || err.Error() != "boom" {
		t.Fatalf("run: got %v, want boom", err)
	}
}

func TestRun_unknownType(t *testing.T) {
	t.Parallel()
	in := request(t, executor.InvokeRequest{TaskID: "t1", AgentID: "a1", TaskType: "transcode"})
	var out bytes.Buffer
	if err := run(strings.NewReader(in), &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	_, result := lines(t, out.String())
	var got map[string]any
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("result: %v", err)
	}
	if got["status"] != "ok" || got["task_type"] != "transcode" {
		t.Errorf("result: %v", got)
	}
}

func TestRun_emptyStdin(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	if err := run(strings.NewReader(""), &out); err == nil {
		t.Fatal("empty stdin: expected error")
	}
}

func TestRun_badRequest(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	if err := run(strings.NewReader("{not json}\n"), &out); err == nil {
		t.Fatal("malformed request: expected error")
	}
}

// The executor's line protocol: everything the agent prints must parse the
// way Subprocess.Invoke parses it, with exactly one typeless result line.
func TestRun_protocolShape(t *testing.T) {
	t.Parallel()
	in := request(t, executor.InvokeRequest{
		TaskID:     "t9",
		AgentID:    "a9",
		TaskType:   "echo",
		Parameters: json.RawMessage(`{"n":1}`),
	})
	var out bytes.Buffer
	if err := run(strings.NewReader(in), &out); err != nil {
		t.Fatalf("run: %v", err)
	}

	resultLines := 0
	sc := bufio.NewScanner(bytes.NewReader(out.Bytes()))
	for sc.Scan() {
		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(sc.Bytes(), &probe); err != nil {
			t.Fatalf("line not JSON: %q", sc.Text())
		}
		if probe.Type == "" {
			resultLines++
		}
	}
	if resultLines != 1 {
		t.Errorf("result lines: got %d, want 1", resultLines)
	}
}
