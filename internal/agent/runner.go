// Package agent runs sandboxed agent containers and classifies their
// failures. One container per execution; input goes in as JSON lines on
// stdin, results stream back as JSON lines on stdout.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/microclaw/microclaw/internal/config"
	"github.com/microclaw/microclaw/internal/store"
)

// groupLabel marks containers owned by this process so orphans can be
// found and removed after a crash.
const groupLabel = "microclaw.group"

// Input is the first JSON line written to a container's stdin.
type Input struct {
	Prompt        string `json:"prompt"`
	SessionID     string `json:"sessionId,omitempty"`
	GroupFolder   string `json:"groupFolder"`
	ChatJID       string `json:"chatJid"`
	IsMain        bool   `json:"isMain"`
	AssistantName string `json:"assistantName"`
}

// Output is one JSON line streamed from a container's stdout.
type Output struct {
	// Result is user-visible text, possibly containing <internal> blocks.
	Result string `json:"result,omitempty"`
	// NewSessionID is a continuation token; persist immediately when set.
	NewSessionID string `json:"newSessionId,omitempty"`
	// Status is "success" or "error" on terminal lines, empty otherwise.
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// OnStarted is invoked once the container process is live, with a handle
// the caller can pipe input through.
type OnStarted func(handle *Handle, containerName string)

// OnOutput is invoked for each streamed output line, in order.
type OnOutput func(out Output)

// Handle is the live container process. It satisfies the execution queue's
// process-handle contract.
type Handle struct {
	mu      sync.Mutex
	stdin   io.WriteCloser
	closed  bool
	cmd     *exec.Cmd
	runtime string
	name    string
}

// WriteInput sends one prompt unit as a JSON line.
func (h *Handle) WriteInput(text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("container %s stdin already closed", h.name)
	}
	line, err := json.Marshal(Input{Prompt: text})
	if err != nil {
		return fmt.Errorf("encode container input: %w", err)
	}
	if _, err := h.stdin.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write to container %s: %w", h.name, err)
	}
	return nil
}

// CloseInput closes stdin so the container can finish naturally.
func (h *Handle) CloseInput() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.stdin.Close()
}

// Kill forcibly removes the container.
func (h *Handle) Kill() error {
	out, err := exec.Command(h.runtime, "rm", "-f", h.name).CombinedOutput()
	if err != nil {
		// Fall back to killing the CLI process itself.
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
		return fmt.Errorf("kill container %s: %w: %s", h.name, err, bytes.TrimSpace(out))
	}
	return nil
}

// Runner starts agent containers.
type Runner struct {
	cfg           config.ContainerConfig
	groupsDir     string
	ipcDir        string
	assistantName string
}

// NewRunner creates a Runner from config.
func NewRunner(cfg *config.Config) *Runner {
	return &Runner{
		cfg:           cfg.Container,
		groupsDir:     cfg.GroupsDir(),
		ipcDir:        cfg.IPCDir(),
		assistantName: cfg.AssistantName,
	}
}

// Run executes one container to completion. onStarted fires once the
// process is live; onOutput fires per streamed line. The returned Output is
// the terminal line (status success/error); err covers failures to start or
// a run that died without a terminal line.
func (r *Runner) Run(ctx context.Context, group store.RegisteredGroup, in Input, onStarted OnStarted, onOutput OnOutput) (Output, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	in.AssistantName = r.assistantName
	name := fmt.Sprintf("microclaw-%s-%s", sanitizeName(group.Folder), uuid.NewString()[:8])

	groupDir := filepath.Join(r.groupsDir, group.Folder)
	ipcDir := filepath.Join(r.ipcDir, group.Folder)

	cmd := exec.CommandContext(runCtx, r.cfg.Runtime, "run", "--rm", "-i",
		"--name", name,
		"--label", groupLabel+"="+group.Folder,
		"-v", groupDir+":/workspace",
		"-v", ipcDir+":/ipc",
		r.cfg.Image)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Output{}, fmt.Errorf("open container stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Output{}, fmt.Errorf("open container stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Output{}, fmt.Errorf("start container %s: %w", name, err)
	}
	slog.Info("container started", "name", name, "group", group.Name, "folder", group.Folder)

	handle := &Handle{stdin: stdin, cmd: cmd, runtime: r.cfg.Runtime, name: name}
	if onStarted != nil {
		onStarted(handle, name)
	}

	// First input line carries the prompt and session. Failures past Start
	// must still reap the CLI process, or it lingers as a zombie.
	firstLine, err := json.Marshal(in)
	if err != nil {
		_ = handle.Kill()
		_ = cmd.Wait()
		return Output{}, fmt.Errorf("encode container input: %w", err)
	}
	if _, err := stdin.Write(append(firstLine, '\n')); err != nil {
		_ = handle.Kill()
		_ = cmd.Wait()
		return Output{}, fmt.Errorf("write initial prompt to %s: %w", name, err)
	}

	var terminal Output
	sawTerminal := false

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var out Output
		if err := json.Unmarshal(line, &out); err != nil {
			slog.Warn("unparseable container output line", "name", name, "line", truncate(string(line), 200))
			continue
		}
		if out.Status != "" {
			terminal = out
			sawTerminal = true
		}
		if onOutput != nil {
			onOutput(out)
		}
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	_ = handle.CloseInput()

	if sawTerminal {
		return terminal, nil
	}
	diag := strings.TrimSpace(stderr.String())
	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		return Output{}, fmt.Errorf("container %s exceeded %s timeout", name, r.cfg.Timeout)
	case scanErr != nil:
		return Output{}, fmt.Errorf("read container %s output: %w", name, scanErr)
	case waitErr != nil:
		return Output{}, fmt.Errorf("container %s exited without result: %w: %s", name, waitErr, truncate(diag, 500))
	default:
		return Output{}, fmt.Errorf("container %s produced no terminal result", name)
	}
}

// CleanupOrphans removes containers left over from a previous process that
// crashed before its own shutdown could run.
func CleanupOrphans(runtime string) {
	out, err := exec.Command(runtime, "ps", "-aq", "--filter", "label="+groupLabel).Output()
	if err != nil {
		slog.Warn("orphan container scan failed", "runtime", runtime, "error", err)
		return
	}
	ids := strings.Fields(string(out))
	if len(ids) == 0 {
		return
	}
	slog.Info("removing orphaned containers", "count", len(ids))
	args := append([]string{"rm", "-f"}, ids...)
	if out, err := exec.Command(runtime, args...).CombinedOutput(); err != nil {
		slog.Warn("failed to remove orphaned containers", "error", err, "output", string(bytes.TrimSpace(out)))
	}
}

func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
