// Package agentcli launches and supervises the coding agent CLI. Each
// launch runs the agent headless in a task's worktree, tees its
// stream-json output to per-session log files, and reports the exit
// back to the scheduler.
package agentcli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajfrai/agent-queue/internal/common/logger"
)

const (
	// killGrace is how long a cancelled agent gets to exit after
	// SIGTERM before it is killed.
	killGrace = 5 * time.Second

	// maxLineSize bounds the stream-json line scanner. Tool results
	// can carry whole files in one line.
	maxLineSize = 10 * 1024 * 1024
)

// ExitResult describes a finished agent process.
type ExitResult struct {
	SessionID      int64
	ExitCode       int
	TurnCount      int
	AgentSessionID string
	Cancelled      bool
}

// ExitCallback is invoked from the supervising goroutine when an agent
// process terminates for any reason.
type ExitCallback func(res ExitResult)

// Launched reports where a freshly started session's process and logs live.
type Launched struct {
	PID        int
	StdoutPath string
	StderrPath string
}

type runningSession struct {
	sessionID int64
	cmd       *exec.Cmd
	cancelled bool
	done      chan struct{}
}

// Adapter spawns agent CLI processes and tracks the running set.
type Adapter struct {
	binary      string
	sessionsDir string
	logger      *logger.Logger
	onExit      ExitCallback

	mu      sync.Mutex
	running map[int64]*runningSession
}

// New creates an adapter. The exit callback may be nil.
func New(binary, sessionsDir string, log *logger.Logger, onExit ExitCallback) (*Adapter, error) {
	if err := os.MkdirAll(sessionsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sessions dir: %w", err)
	}
	return &Adapter{
		binary:      binary,
		sessionsDir: sessionsDir,
		logger:      log.WithFields(zap.String("component", "agentcli")),
		onExit:      onExit,
		running:     make(map[int64]*runningSession),
	}, nil
}

// Launch starts the agent CLI for one session in workingDir and returns
// once the process is running. Supervision continues in the background;
// the exit callback fires when the process terminates.
//
// The child's environment is the server's minus ANTHROPIC_API_KEY so
// the CLI authenticates with its own subscription credentials rather
// than billing the API key used for assessments.
func (a *Adapter) Launch(sessionID int64, sessionUUID, workingDir, model, prompt string) (*Launched, error) {
	a.mu.Lock()
	if _, exists := a.running[sessionID]; exists {
		a.mu.Unlock()
		return nil, fmt.Errorf("session %d is already running", sessionID)
	}
	a.mu.Unlock()

	if err := os.MkdirAll(filepath.Join(a.sessionsDir, sessionUUID), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session log dir: %w", err)
	}
	stdoutPath, stderrPath := a.LogPaths(sessionUUID)

	stdoutFile, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout log: %w", err)
	}
	stderrFile, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = stdoutFile.Close()
		return nil, fmt.Errorf("failed to open stderr log: %w", err)
	}

	cmd := exec.Command(a.binary,
		"-p",
		"--verbose",
		"--output-format", "stream-json",
		"--dangerously-skip-permissions",
		"--model", model,
		prompt,
	)
	cmd.Dir = workingDir
	cmd.Env = envWithout("ANTHROPIC_API_KEY")
	cmd.Stderr = stderrFile

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdoutFile.Close()
		_ = stderrFile.Close()
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		_ = stdoutFile.Close()
		_ = stderrFile.Close()
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}

	rs := &runningSession{
		sessionID: sessionID,
		cmd:       cmd,
		done:      make(chan struct{}),
	}
	a.mu.Lock()
	a.running[sessionID] = rs
	a.mu.Unlock()

	a.logger.Info("Launched agent session",
		zap.Int64("session_id", sessionID),
		zap.String("model", model),
		zap.String("working_dir", workingDir),
		zap.Int("pid", cmd.Process.Pid))

	go a.supervise(rs, stdout, stdoutFile, stderrFile)

	return &Launched{
		PID:        cmd.Process.Pid,
		StdoutPath: stdoutPath,
		StderrPath: stderrPath,
	}, nil
}

// LogPaths returns where a session's stdout and stderr logs will live.
// Launch writes to the same paths, so callers can persist them on the
// session row before the process starts.
func (a *Adapter) LogPaths(sessionUUID string) (string, string) {
	logDir := filepath.Join(a.sessionsDir, sessionUUID)
	return filepath.Join(logDir, "stdout.log"), filepath.Join(logDir, "stderr.log")
}

// supervise tees stdout to the log while scanning the stream, waits for
// the process, and fires the exit callback.
func (a *Adapter) supervise(rs *runningSession, stdout io.Reader, stdoutFile, stderrFile *os.File) {
	var turnCount int
	var agentSessionID string

	g := new(errgroup.Group)
	g.Go(func() error {
		turns, agentID, err := scanStream(stdout, stdoutFile)
		turnCount = turns
		agentSessionID = agentID
		return err
	})

	copyErr := g.Wait()
	waitErr := rs.cmd.Wait()
	_ = stdoutFile.Close()
	_ = stderrFile.Close()

	if copyErr != nil {
		a.logger.Warn("Agent stdout scan ended with error",
			zap.Int64("session_id", rs.sessionID),
			zap.Error(copyErr))
	}

	exitCode := 0
	if waitErr != nil {
		exitCode = -1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}

	a.mu.Lock()
	cancelled := rs.cancelled
	delete(a.running, rs.sessionID)
	a.mu.Unlock()
	close(rs.done)

	a.logger.Info("Agent session exited",
		zap.Int64("session_id", rs.sessionID),
		zap.Int("exit_code", exitCode),
		zap.Int("turn_count", turnCount),
		zap.Bool("cancelled", cancelled))

	if a.onExit != nil {
		a.onExit(ExitResult{
			SessionID:      rs.sessionID,
			ExitCode:       exitCode,
			TurnCount:      turnCount,
			AgentSessionID: agentSessionID,
			Cancelled:      cancelled,
		})
	}
}

// scanStream copies stream-json lines to the log file while counting
// assistant turns and remembering the CLI's own session id from the
// final result line. Both extractions are best-effort.
//
// The pipe must be drained to EOF no matter how the scan ends: a child
// blocked in write(2) on a full pipe never exits and Wait never
// returns. When the scanner gives up (a line past maxLineSize) the rest
// of the stream is copied raw to the log; when the log itself is the
// problem the stream is discarded instead.
func scanStream(r io.Reader, logFile io.Writer) (int, string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var turns int
	var agentSessionID string
	for scanner.Scan() {
		line := scanner.Bytes()
		if _, err := logFile.Write(append(line, '\n')); err != nil {
			_, _ = io.Copy(io.Discard, r)
			return turns, agentSessionID, err
		}

		if strings.Contains(string(line), `"type":"assistant"`) {
			turns++
		}
		if strings.Contains(string(line), `"type":"result"`) {
			var result struct {
				SessionID string `json:"session_id"`
			}
			if err := json.Unmarshal(line, &result); err == nil && result.SessionID != "" {
				agentSessionID = result.SessionID
			}
		}
	}
	if err := scanner.Err(); err != nil {
		_, _ = io.Copy(logFile, r)
		return turns, agentSessionID, err
	}
	return turns, agentSessionID, nil
}

// Cancel terminates a running session: SIGTERM, then SIGKILL if the
// process is still alive after the grace period. Cancelling a session
// that is not running is a no-op.
func (a *Adapter) Cancel(ctx context.Context, sessionID int64) error {
	a.mu.Lock()
	rs, ok := a.running[sessionID]
	if ok {
		rs.cancelled = true
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}

	a.logger.Info("Cancelling agent session", zap.Int64("session_id", sessionID))
	if err := rs.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone; the supervisor will reap it.
		return nil
	}

	select {
	case <-rs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(killGrace):
	}

	_ = rs.cmd.Process.Kill()
	select {
	case <-rs.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// ListRunning returns the session ids of currently supervised processes.
func (a *Adapter) ListRunning() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]int64, 0, len(a.running))
	for id := range a.running {
		ids = append(ids, id)
	}
	return ids
}

// IsRunning reports whether a session's process is currently supervised.
func (a *Adapter) IsRunning(sessionID int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.running[sessionID]
	return ok
}

// envWithout returns the current environment minus the named variable.
func envWithout(name string) []string {
	prefix := name + "="
	env := os.Environ()
	filtered := make([]string, 0, len(env))
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			continue
		}
		filtered = append(filtered, kv)
	}
	return filtered
}
