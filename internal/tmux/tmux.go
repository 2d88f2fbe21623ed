// Package tmux wraps the tmux CLI for managing agent terminal sessions.
// Every operation shells out to tmux with a bounded context; no state is
// kept beyond what tmux itself reports.
package tmux

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentforge/agentforge/internal/common/logger"
)

const (
	// DefaultExecTimeout bounds every tmux subprocess invocation.
	DefaultExecTimeout = 5 * time.Second

	// sessionPrefix namespaces forge-managed sessions so recovery can find
	// them among unrelated tmux sessions.
	sessionPrefix = "forge__"

	// maxChunk is the largest payload sent in a single send-keys call.
	// tmux rejects very long argument strings on some platforms.
	maxChunk = 2048
)

// Session describes one tmux session as reported by list-sessions.
type Session struct {
	Name     string
	Created  time.Time
	Attached bool
	Width    int
	Height   int
}

// ControlKey is a named key understood by tmux send-keys.
type ControlKey string

const (
	KeyUp     ControlKey = "Up"
	KeyDown   ControlKey = "Down"
	KeyLeft   ControlKey = "Left"
	KeyRight  ControlKey = "Right"
	KeyEnter  ControlKey = "Enter"
	KeyEscape ControlKey = "Escape"
	KeyTab    ControlKey = "Tab"
	KeyCtrlC  ControlKey = "C-c"
	KeyCtrlD  ControlKey = "C-d"
	KeyCtrlT  ControlKey = "C-t"
)

// SessionName builds the canonical session name for an agent.
func SessionName(project, agentID string) string {
	return sessionPrefix + project + "__" + agentID
}

// ParseSessionName splits a forge session name into project and agent id.
// Returns ok=false for sessions not managed by forge.
func ParseSessionName(name string) (project, agentID string, ok bool) {
	if !strings.HasPrefix(name, sessionPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(name, sessionPrefix)
	idx := strings.LastIndex(rest, "__")
	if idx <= 0 || idx+2 >= len(rest) {
		return "", "", false
	}
	return rest[:idx], rest[idx+2:], true
}

// IsManagedSession reports whether a session name belongs to forge.
func IsManagedSession(name string) bool {
	_, _, ok := ParseSessionName(name)
	return ok
}

// Client executes tmux commands.
type Client struct {
	ExecTimeout time.Duration
	logger      *logger.Logger
}

// NewClient returns a Client with the default exec timeout.
func NewClient(log *logger.Logger) *Client {
	return &Client{
		ExecTimeout: DefaultExecTimeout,
		logger:      log,
	}
}

// run executes a tmux command, bounding it with the client timeout on top of
// whatever deadline the caller context carries.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.ExecTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "tmux", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("%w: tmux %s", ErrTimeout, args[0])
		}
		return "", fmt.Errorf("%w: tmux %s: %s", ErrCommandFailed, args[0], strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// CreateSession creates a detached session running command in workingDir.
func (c *Client) CreateSession(ctx context.Context, name, workingDir, command string) error {
	_, err := c.run(ctx, "new-session", "-d", "-s", name, "-c", workingDir, command)
	if err != nil {
		c.logger.Error("Failed to create tmux session",
			zap.String("session", name), zap.Error(err))
		return err
	}
	return nil
}

// HasSession reports whether a session exists. A non-zero exit from
// has-session means absent, not failed.
func (c *Client) HasSession(ctx context.Context, name string) bool {
	_, err := c.run(ctx, "has-session", "-t", name)
	return err == nil
}

// KillSession kills a session. Killing an already-dead session is not an
// error; teardown paths must be repeatable.
func (c *Client) KillSession(ctx context.Context, name string) error {
	if !c.HasSession(ctx, name) {
		return nil
	}
	_, err := c.run(ctx, "kill-session", "-t", name)
	return err
}

// ListSessions lists all tmux sessions with metadata. An empty server
// (tmux exits non-zero) yields an empty slice.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	format := "#{session_name}|#{session_created}|#{session_attached}|#{session_width}|#{session_height}"
	out, err := c.run(ctx, "list-sessions", "-F", format)
	if err != nil {
		if strings.Contains(err.Error(), "no server running") || strings.Contains(err.Error(), "No such file") {
			return nil, nil
		}
		return nil, err
	}

	var sessions []Session
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		parts := strings.Split(line, "|")
		if len(parts) != 5 {
			continue
		}
		s := Session{Name: parts[0], Attached: parts[2] == "1", Width: 80, Height: 24}
		if sec, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
			s.Created = time.Unix(sec, 0)
		}
		if w, err := strconv.Atoi(parts[3]); err == nil {
			s.Width = w
		}
		if h, err := strconv.Atoi(parts[4]); err == nil {
			s.Height = h
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// ListManagedSessions returns only forge-owned sessions.
func (c *Client) ListManagedSessions(ctx context.Context) ([]Session, error) {
	all, err := c.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	var managed []Session
	for _, s := range all {
		if IsManagedSession(s.Name) {
			managed = append(managed, s)
		}
	}
	return managed, nil
}

// SendText sends literal text to a session, splitting oversized payloads.
// The text is not submitted; call SendEnter afterwards.
func (c *Client) SendText(ctx context.Context, name, text string) error {
	for len(text) > 0 {
		chunk := text
		if len(chunk) > maxChunk {
			chunk = chunk[:maxChunk]
		}
		text = text[len(chunk):]
		if _, err := c.run(ctx, "send-keys", "-t", name, "-l", chunk); err != nil {
			return err
		}
	}
	return nil
}

// SendEnter presses Enter twice. Claude Code needs the second press to
// actually submit the prompt; the first just finalises the text line.
func (c *Client) SendEnter(ctx context.Context, name string) error {
	for i := 0; i < 2; i++ {
		if _, err := c.run(ctx, "send-keys", "-t", name, string(KeyEnter)); err != nil {
			return err
		}
	}
	return nil
}

// SendKeys sends named key presses without any extra Enter. Used for
// interactive prompts (menu selection, y/n) and interrupts.
func (c *Client) SendKeys(ctx context.Context, name string, keys ...ControlKey) error {
	for _, key := range keys {
		if _, err := c.run(ctx, "send-keys", "-t", name, string(key)); err != nil {
			return err
		}
	}
	return nil
}

// SendLiteralKey sends a single literal character without submitting it.
func (c *Client) SendLiteralKey(ctx context.Context, name, key string) error {
	_, err := c.run(ctx, "send-keys", "-t", name, "-l", key)
	return err
}

// SendHexByte sends one raw byte as a hex keystroke. Used by the terminal
// bridge for control bytes that have no printable form.
func (c *Client) SendHexByte(ctx context.Context, name string, b byte) error {
	_, err := c.run(ctx, "send-keys", "-t", name, "-H", fmt.Sprintf("%02x", b))
	return err
}

// Capture returns the last lines of pane output with ANSI escapes preserved.
func (c *Client) Capture(ctx context.Context, name string, lines int) (string, error) {
	out, err := c.run(ctx, "capture-pane", "-t", name, "-p", "-e", "-S", strconv.Itoa(-lines))
	if err != nil {
		return "", err
	}
	return out, nil
}

// PipePane starts appending all pane output to logPath.
func (c *Client) PipePane(ctx context.Context, name, logPath string) error {
	_, err := c.run(ctx, "pipe-pane", "-t", name, "-o", "cat >> "+logPath)
	return err
}

// ClosePipePane stops piping pane output.
func (c *Client) ClosePipePane(ctx context.Context, name string) error {
	_, err := c.run(ctx, "pipe-pane", "-t", name)
	return err
}

// ResizeWindow resizes the session's window.
func (c *Client) ResizeWindow(ctx context.Context, name string, cols, rows int) error {
	_, err := c.run(ctx, "resize-window", "-t", name,
		"-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows))
	return err
}

// CursorY returns the cursor row, or -1 when it cannot be determined.
func (c *Client) CursorY(ctx context.Context, name string) int {
	out, err := c.run(ctx, "display-message", "-t", name, "-p", "#{cursor_y}")
	if err != nil {
		return -1
	}
	y, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return -1
	}
	return y
}
