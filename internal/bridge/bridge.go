// Package bridge streams live terminal output from tmux sessions to any
// number of subscribers, using one control-mode tmux client per session.
package bridge

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentforge/agentforge/internal/common/logger"
	"github.com/agentforge/agentforge/internal/tmux"
)

const (
	// subscriberBuffer is each subscriber's channel capacity. On overflow
	// the oldest chunk is dropped; terminal streams are lossy by design.
	subscriberBuffer = 256

	minBackoff = 1 * time.Second
	maxBackoff = 30 * time.Second

	// linger keeps the control-mode client alive briefly after the last
	// subscriber leaves, so a page reload does not thrash the subprocess.
	linger = 5 * time.Second
)

// Subscriber receives output chunks for one session.
type Subscriber struct {
	C  chan []byte
	id int
}

// Bridge owns the control-mode client for one tmux session and fans its
// output out to subscribers.
type Bridge struct {
	session string
	client  *tmux.Client
	logger  *logger.Logger

	mu     sync.Mutex
	subs   map[int]*Subscriber
	nextID int
	cancel context.CancelFunc
	done   chan struct{}

	onIdle func() // invoked after the last unsubscribe linger
}

func newBridge(session string, client *tmux.Client, log *logger.Logger) *Bridge {
	return &Bridge{
		session: session,
		client:  client,
		logger:  log.WithFields(zap.String("session", session)),
		subs:    make(map[int]*Subscriber),
	}
}

// Subscribe registers a new output consumer. The first subscriber starts
// the control-mode client; every subscriber gets an initial pane snapshot
// so late joiners see the current screen.
func (b *Bridge) Subscribe(ctx context.Context) (*Subscriber, error) {
	snapshot, err := b.client.Capture(ctx, b.session, 0)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.nextID++
	sub := &Subscriber{C: make(chan []byte, subscriberBuffer), id: b.nextID}
	b.subs[sub.id] = sub
	if b.cancel == nil {
		runCtx, cancel := context.WithCancel(context.Background())
		b.cancel = cancel
		b.done = make(chan struct{})
		go b.run(runCtx)
	}
	// Terminals expect CRLF; capture-pane emits bare LF. Delivered under
	// the lock so a concurrent Close cannot slip between registration and
	// the snapshot.
	sub.deliver([]byte(strings.ReplaceAll(snapshot, "\n", "\r\n")))
	b.mu.Unlock()

	return sub, nil
}

// Unsubscribe removes a consumer. When the last one leaves the client is
// torn down after a short linger, unless someone re-subscribes meanwhile.
func (b *Bridge) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subs, sub.id)
	empty := len(b.subs) == 0
	b.mu.Unlock()

	if !empty {
		return
	}
	go func() {
		time.Sleep(linger)
		b.mu.Lock()
		defer b.mu.Unlock()
		if len(b.subs) > 0 || b.cancel == nil {
			return
		}
		b.cancel()
		b.cancel = nil
		if b.onIdle != nil {
			b.onIdle()
		}
	}()
}

// SendInput forwards raw keystrokes to the session. Printable runs go as
// literal text; control bytes go one at a time as hex key codes.
func (b *Bridge) SendInput(ctx context.Context, data []byte) error {
	start := 0
	for i := 0; i <= len(data); i++ {
		if i < len(data) && data[i] >= 0x20 && data[i] != 0x7f {
			continue
		}
		if i > start {
			if err := b.client.SendLiteralKey(ctx, b.session, string(data[start:i])); err != nil {
				return err
			}
		}
		if i < len(data) {
			if err := b.client.SendHexByte(ctx, b.session, data[i]); err != nil {
				return err
			}
		}
		start = i + 1
	}
	return nil
}

// Resize adjusts the session's window to the viewer's terminal size.
func (b *Bridge) Resize(ctx context.Context, cols, rows int) error {
	return b.client.ResizeWindow(ctx, b.session, cols, rows)
}

// Close tears the control-mode client down regardless of subscribers.
func (b *Bridge) Close() {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	done := b.done
	for id, sub := range b.subs {
		close(sub.C)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if cancel != nil {
		cancel()
		if done != nil {
			<-done
		}
	}
}

// run keeps one control-mode client attached, reconnecting with exponential
// backoff while subscribers remain.
func (b *Bridge) run(ctx context.Context) {
	defer close(b.done)
	backoff := minBackoff

	for {
		start := time.Now()
		err := b.attach(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			b.logger.Warn("Control-mode client exited", zap.Error(err))
		}

		// A client that stayed up a while earns a fresh backoff.
		if time.Since(start) > time.Minute {
			backoff = minBackoff
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// attach runs one tmux control-mode process until it exits.
func (b *Bridge) attach(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "tmux", "-C", "attach-session", "-t", b.session)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	// Control mode quits when stdin closes; hold it open until we exit.
	defer stdin.Close()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if chunk, ok := parseOutputLine(scanner.Text()); ok {
			b.broadcast(chunk)
		}
	}
	if err := cmd.Wait(); err != nil {
		return err
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func (b *Bridge) broadcast(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		sub.deliver(chunk)
	}
}

// deliver enqueues a chunk, dropping the oldest queued chunk on overflow.
func (s *Subscriber) deliver(chunk []byte) {
	for {
		select {
		case s.C <- chunk:
			return
		default:
			select {
			case <-s.C:
			default:
			}
		}
	}
}

// parseOutputLine extracts pane output from a control-mode notification:
// "%output %<pane-id> <escaped data>". Everything else is ignored.
func parseOutputLine(line string) ([]byte, bool) {
	if !strings.HasPrefix(line, "%output ") {
		return nil, false
	}
	rest := line[len("%output "):]
	idx := strings.IndexByte(rest, ' ')
	if idx < 0 {
		return nil, false
	}
	return unescapeOctal(rest[idx+1:]), true
}

// unescapeOctal decodes tmux's \ooo escapes for non-printable bytes.
func unescapeOctal(s string) []byte {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) && isOctal(s[i+1]) && isOctal(s[i+2]) && isOctal(s[i+3]) {
			out = append(out, (s[i+1]-'0')<<6|(s[i+2]-'0')<<3|(s[i+3]-'0'))
			i += 3
			continue
		}
		if s[i] == '\\' && i+1 < len(s) && s[i+1] == '\\' {
			out = append(out, '\\')
			i++
			continue
		}
		out = append(out, s[i])
	}
	return out
}

func isOctal(c byte) bool { return c >= '0' && c <= '7' }
