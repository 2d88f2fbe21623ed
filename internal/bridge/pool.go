package bridge

import (
	"sync"

	"github.com/agentforge/agentforge/internal/common/logger"
	"github.com/agentforge/agentforge/internal/tmux"
)

// Pool hands out one Bridge per session, creating them on demand and
// discarding them once they go idle.
type Pool struct {
	client *tmux.Client
	logger *logger.Logger

	mu      sync.Mutex
	bridges map[string]*Bridge
}

// NewPool wires a Pool over the given tmux client.
func NewPool(client *tmux.Client, log *logger.Logger) *Pool {
	return &Pool{
		client:  client,
		logger:  log,
		bridges: make(map[string]*Bridge),
	}
}

// Get returns the bridge for a session, creating it if needed.
func (p *Pool) Get(session string) *Bridge {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.bridges[session]
	if !ok {
		b = newBridge(session, p.client, p.logger)
		b.onIdle = func() { p.remove(session, b) }
		p.bridges[session] = b
	}
	return b
}

func (p *Pool) remove(session string, b *Bridge) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bridges[session] == b {
		delete(p.bridges, session)
	}
}

// Close tears down every active bridge. Called during shutdown.
func (p *Pool) Close() {
	p.mu.Lock()
	bridges := make([]*Bridge, 0, len(p.bridges))
	for _, b := range p.bridges {
		bridges = append(bridges, b)
	}
	p.bridges = make(map[string]*Bridge)
	p.mu.Unlock()

	for _, b := range bridges {
		b.Close()
	}
}
