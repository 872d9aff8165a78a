package shell

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shipd/ship/internal/tools"
)

func decode(t *testing.T, res *tools.Result) response {
	t.Helper()
	var r response
	if err := json.Unmarshal([]byte(res.ForLLM), &r); err != nil {
		t.Fatalf("tool result is not JSON: %q", res.ForLLM)
	}
	return r
}

func testLimits() PageLimits { return PageLimits{MaxChars: 12_000, MaxLines: 200} }

func TestExecCommandAutoFinalize(t *testing.T) {
	mgr := NewManager(t.TempDir())
	exec := NewExecCommandTool(mgr, testLimits())

	stdin := NewWriteStdinTool(mgr, testLimits())

	r := decode(t, exec.Execute(context.Background(), map[string]interface{}{
		"cmd":           "echo done",
		"yield_time_ms": float64(2000),
		"login":         false,
	}))
	if !r.Success {
		t.Fatalf("response = %+v", r)
	}
	output := r.Output
	// Output can land a beat before the exit is recorded; at most one more
	// poll finalizes the session.
	for i := 0; r.ContextID != nil && i < 3; i++ {
		r = decode(t, stdin.Execute(context.Background(), map[string]interface{}{
			"context_id": float64(*r.ContextID),
			"chars":      "",
		}))
		output += r.Output
	}
	if r.ContextID != nil {
		t.Fatal("finished session should finalize with context_id null")
	}
	if output != "done\n" {
		t.Fatalf("output = %q", output)
	}
	if r.ExitCode == nil || *r.ExitCode != 0 {
		t.Fatalf("exit code = %v", r.ExitCode)
	}
	if mgr.Count() != 0 {
		t.Fatalf("session map not empty: %d", mgr.Count())
	}
}

func TestExecCommandPaging(t *testing.T) {
	mgr := NewManager(t.TempDir())
	exec := NewExecCommandTool(mgr, testLimits())
	stdin := NewWriteStdinTool(mgr, testLimits())

	r := decode(t, exec.Execute(context.Background(), map[string]interface{}{
		"cmd":               "yes hello | head -n 5000",
		"yield_time_ms":     float64(500),
		"max_output_tokens": float64(200),
		"login":             false,
	}))
	if !r.Success || !r.HasMoreOutput {
		t.Fatalf("first page = %+v", r)
	}
	if len(r.Output) > 800 {
		t.Fatalf("first page has %d chars, budget is 800", len(r.Output))
	}
	if r.ContextID == nil {
		t.Fatal("live session must report its context_id")
	}
	if r.Note == "" {
		t.Fatal("has_more_output response must carry the polling note")
	}

	total := len(r.Output)
	for i := 0; i < 200; i++ {
		r = decode(t, stdin.Execute(context.Background(), map[string]interface{}{
			"context_id": float64(*r.ContextID),
			"chars":      "",
		}))
		if !r.Success {
			t.Fatalf("poll failed: %+v", r)
		}
		total += len(r.Output)
		if r.ContextID == nil {
			if r.ExitCode == nil {
				t.Fatalf("final response missing exit code: %+v", r)
			}
			if total != 5000*len("hello\n") {
				t.Fatalf("paged %d chars, want %d", total, 5000*len("hello\n"))
			}
			return
		}
	}
	t.Fatal("paging never drained the session")
}

func TestWriteStdinInteractive(t *testing.T) {
	mgr := NewManager(t.TempDir())
	exec := NewExecCommandTool(mgr, testLimits())
	stdin := NewWriteStdinTool(mgr, testLimits())

	r := decode(t, exec.Execute(context.Background(), map[string]interface{}{
		"cmd":           "cat",
		"yield_time_ms": float64(100),
		"login":         false,
	}))
	if r.ContextID == nil {
		t.Fatalf("cat session should stay open: %+v", r)
	}

	r = decode(t, stdin.Execute(context.Background(), map[string]interface{}{
		"context_id":    float64(*r.ContextID),
		"chars":         "ping\n",
		"yield_time_ms": float64(3000),
	}))
	if r.Output != "ping\n" {
		t.Fatalf("echoed = %+v", r)
	}

	NewCloseShellTool(mgr).Execute(context.Background(), map[string]interface{}{
		"context_id": float64(*r.ContextID),
	})
	if mgr.Count() != 0 {
		t.Fatal("close_shell did not remove the session")
	}
}

func TestWriteStdinUnknownSession(t *testing.T) {
	mgr := NewManager(t.TempDir())
	stdin := NewWriteStdinTool(mgr, testLimits())
	r := decode(t, stdin.Execute(context.Background(), map[string]interface{}{
		"context_id": float64(999),
	}))
	if r.Success || r.Error != "shell_unknown_session" {
		t.Fatalf("response = %+v", r)
	}
}

func TestCloseShellIdempotent(t *testing.T) {
	mgr := NewManager(t.TempDir())
	closer := NewCloseShellTool(mgr)
	for i := 0; i < 2; i++ {
		r := decode(t, closer.Execute(context.Background(), map[string]interface{}{
			"context_id": float64(123),
		}))
		if !r.Success {
			t.Fatalf("close of unknown id must succeed: %+v", r)
		}
	}
}

func TestSpawnCapacity(t *testing.T) {
	mgr := NewManager(t.TempDir())
	mgr.maxSessions = 2

	for i := 0; i < 2; i++ {
		if _, err := mgr.Spawn(SpawnParams{Command: "sleep 30"}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := mgr.Spawn(SpawnParams{Command: "true"}); err != ErrTooManySessions {
		t.Fatalf("err = %v, want ErrTooManySessions", err)
	}
	mgr.Close(1, true)
	mgr.Close(2, true)
}

func TestExecCommandRejectsSendHelper(t *testing.T) {
	mgr := NewManager(t.TempDir())
	exec := NewExecCommandTool(mgr, testLimits())
	res := exec.Execute(context.Background(), map[string]interface{}{
		"cmd": "ship chat --target room 'hi'",
	})
	if !res.IsError {
		t.Fatalf("disguised chat send not rejected: %+v", res)
	}
}

func TestSweepReclaimsIdleExitedSessions(t *testing.T) {
	mgr := NewManager(t.TempDir())
	defer mgr.Shutdown()

	stale, err := mgr.Spawn(SpawnParams{Command: "true"})
	if err != nil {
		t.Fatal(err)
	}
	live, err := mgr.Spawn(SpawnParams{Command: "sleep 30"})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if exited, _, _, _ := stale.snapshot(); exited {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("short-lived session never exited")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A freshly exited session is within the quiescent window and stays.
	mgr.sweepIdle(time.Now())
	if mgr.Count() != 2 {
		t.Fatalf("fresh session reclaimed early, count = %d", mgr.Count())
	}

	stale.mu.Lock()
	stale.lastActive = time.Now().Add(-2 * sessionIdleTimeout)
	stale.mu.Unlock()

	mgr.sweepIdle(time.Now())
	if _, ok := mgr.Get(stale.ID()); ok {
		t.Fatal("idle exited session not reclaimed")
	}
	if _, ok := mgr.Get(live.ID()); !ok {
		t.Fatal("running session must survive the sweep")
	}

	// A running session is never reclaimed no matter how quiet it is.
	live.mu.Lock()
	live.lastActive = time.Now().Add(-2 * sessionIdleTimeout)
	live.mu.Unlock()
	mgr.sweepIdle(time.Now())
	if _, ok := mgr.Get(live.ID()); !ok {
		t.Fatal("sweep reclaimed a session whose process is still alive")
	}
}

func TestShutdownTerminatesAllSessions(t *testing.T) {
	mgr := NewManager(t.TempDir())
	for i := 0; i < 3; i++ {
		if _, err := mgr.Spawn(SpawnParams{Command: "sleep 30"}); err != nil {
			t.Fatal(err)
		}
	}
	mgr.Shutdown()
	if n := mgr.Count(); n != 0 {
		t.Fatalf("%d sessions survived shutdown", n)
	}
}
