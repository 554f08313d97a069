package agentcli

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/ajfrai/agent-queue/internal/common/logger"
)

// writeFakeAgent writes an executable shell script standing in for the
// agent CLI and returns its path.
func writeFakeAgent(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake agent scripts require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-agent")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestAdapter(t *testing.T, binary string, onExit ExitCallback) *Adapter {
	t.Helper()
	adapter, err := New(binary, filepath.Join(t.TempDir(), "sessions"), logger.Default(), onExit)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return adapter
}

func waitExit(t *testing.T, ch <-chan ExitResult) ExitResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for agent exit")
		return ExitResult{}
	}
}

func TestLaunchCapturesOutputAndTurns(t *testing.T) {
	binary := writeFakeAgent(t, `
echo '{"type":"system","subtype":"init"}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"working"}]}}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"done"}]}}'
echo '{"type":"result","subtype":"success","session_id":"abc-123"}'
echo 'oops' >&2
`)

	exited := make(chan ExitResult, 1)
	adapter := newTestAdapter(t, binary, func(res ExitResult) { exited <- res })

	launched, err := adapter.Launch(1, "sess-uuid", t.TempDir(), "claude-sonnet-4-20250514", "do the thing")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if launched.PID == 0 {
		t.Error("expected a pid")
	}

	res := waitExit(t, exited)
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
	if res.TurnCount != 2 {
		t.Errorf("turn count = %d, want 2", res.TurnCount)
	}
	if res.AgentSessionID != "abc-123" {
		t.Errorf("agent session id = %q", res.AgentSessionID)
	}

	stdout, err := os.ReadFile(launched.StdoutPath)
	if err != nil {
		t.Fatalf("read stdout log: %v", err)
	}
	if !strings.Contains(string(stdout), `"session_id":"abc-123"`) {
		t.Error("stdout log missing result line")
	}
	stderr, err := os.ReadFile(launched.StderrPath)
	if err != nil {
		t.Fatalf("read stderr log: %v", err)
	}
	if !strings.Contains(string(stderr), "oops") {
		t.Error("stderr log missing output")
	}

	if adapter.IsRunning(1) {
		t.Error("session still listed as running after exit")
	}
}

func TestLaunchSurvivesOversizedOutputLine(t *testing.T) {
	// A tool result can exceed the line scanner's buffer. The stream
	// must still be drained to EOF or the child wedges in write(2) on
	// the full pipe and the exit callback never fires.
	binary := writeFakeAgent(t, `
printf '{"type":"assistant","message":{"content":[{"type":"text","text":"'
head -c 11000000 /dev/zero | tr '\0' x
printf '"}]}}\n'
echo '{"type":"result","subtype":"success","session_id":"after-big-line"}'
`)

	exited := make(chan ExitResult, 1)
	adapter := newTestAdapter(t, binary, func(res ExitResult) { exited <- res })

	launched, err := adapter.Launch(7, "sess-big", t.TempDir(), "m", "p")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	res := waitExit(t, exited)
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
	if adapter.IsRunning(7) {
		t.Error("session still listed as running after exit")
	}

	// Output past the oversized line still lands in the log.
	stdout, err := os.ReadFile(launched.StdoutPath)
	if err != nil {
		t.Fatalf("read stdout log: %v", err)
	}
	if !strings.Contains(string(stdout), `"session_id":"after-big-line"`) {
		t.Error("stdout log missing output after the oversized line")
	}
}

func TestLaunchStripsAPIKeyFromEnv(t *testing.T) {
	binary := writeFakeAgent(t, `
if [ -n "$ANTHROPIC_API_KEY" ]; then
  echo 'leaked'
  exit 3
fi
exit 0
`)
	t.Setenv("ANTHROPIC_API_KEY", "sk-test-leak")

	exited := make(chan ExitResult, 1)
	adapter := newTestAdapter(t, binary, func(res ExitResult) { exited <- res })

	if _, err := adapter.Launch(2, "sess-env", t.TempDir(), "m", "p"); err != nil {
		t.Fatalf("launch: %v", err)
	}
	if res := waitExit(t, exited); res.ExitCode != 0 {
		t.Errorf("API key visible to agent, exit code = %d", res.ExitCode)
	}
}

func TestLaunchNonZeroExit(t *testing.T) {
	binary := writeFakeAgent(t, `exit 7`)

	exited := make(chan ExitResult, 1)
	adapter := newTestAdapter(t, binary, func(res ExitResult) { exited <- res })

	if _, err := adapter.Launch(3, "sess-fail", t.TempDir(), "m", "p"); err != nil {
		t.Fatalf("launch: %v", err)
	}
	if res := waitExit(t, exited); res.ExitCode != 7 {
		t.Errorf("exit code = %d, want 7", res.ExitCode)
	}
}

func TestLaunchMissingBinaryFails(t *testing.T) {
	adapter := newTestAdapter(t, "/nonexistent/agent-binary", nil)

	if _, err := adapter.Launch(4, "sess-missing", t.TempDir(), "m", "p"); err == nil {
		t.Fatal("expected launch failure for missing binary")
	}
	if adapter.IsRunning(4) {
		t.Error("failed launch left a running entry")
	}
}

func TestCancelTerminatesSession(t *testing.T) {
	// Traps SIGTERM and exits promptly so the test stays fast. The
	// sleep's stdio is redirected so it cannot hold the pipe open.
	binary := writeFakeAgent(t, `
trap 'kill $child 2>/dev/null; exit 143' TERM
echo '{"type":"system"}'
sleep 60 >/dev/null 2>&1 &
child=$!
wait $child
`)

	exited := make(chan ExitResult, 1)
	adapter := newTestAdapter(t, binary, func(res ExitResult) { exited <- res })

	if _, err := adapter.Launch(5, "sess-cancel", t.TempDir(), "m", "p"); err != nil {
		t.Fatalf("launch: %v", err)
	}

	// Give the process a moment to install its trap.
	time.Sleep(200 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := adapter.Cancel(ctx, 5); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	res := waitExit(t, exited)
	if !res.Cancelled {
		t.Error("exit result not marked cancelled")
	}
	if res.ExitCode == 0 {
		t.Error("cancelled session should not exit zero")
	}

	// Cancelling again is a no-op.
	if err := adapter.Cancel(ctx, 5); err != nil {
		t.Errorf("second cancel: %v", err)
	}
}

func TestListRunning(t *testing.T) {
	binary := writeFakeAgent(t, `sleep 60`)

	adapter := newTestAdapter(t, binary, nil)
	if _, err := adapter.Launch(6, "sess-list", t.TempDir(), "m", "p"); err != nil {
		t.Fatalf("launch: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = adapter.Cancel(ctx, 6)
	})

	ids := adapter.ListRunning()
	if len(ids) != 1 || ids[0] != 6 {
		t.Errorf("running = %v, want [6]", ids)
	}
}
