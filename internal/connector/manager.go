package connector

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"

	"github.com/agentforge/agentforge/internal/common/config"
	"github.com/agentforge/agentforge/internal/common/logger"
)

// Factory builds a connector from its config section.
type Factory func(id string, cfg config.ConnectorConfig, reg *config.Registry, log *logger.Logger) (Connector, error)

// builtinFactories maps the `type` field to a constructor.
func builtinFactories() map[string]Factory {
	return map[string]Factory{
		"telegram":  newTelegram,
		"slackhook": newSlackHook,
	}
}

// StateListener receives state transitions from a running connector.
type StateListener func(State)

// stateReporting is implemented by connectors that report reconnects.
type stateReporting interface {
	SetStateListener(StateListener)
}

// Instance pairs a connector with its lifecycle state. A disabled instance
// has no connector at all, only the reason it could not be built.
type Instance struct {
	ID     string
	Conn   Connector
	cfg    config.ConnectorConfig
	reason error

	mu    sync.Mutex
	state State
}

// State returns the instance's current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *Instance) setState(s State) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

// Manager owns every configured connector instance and keeps them in step
// with the live configuration.
type Manager struct {
	reg       *config.Registry
	factories map[string]Factory
	logger    *logger.Logger

	mu        sync.Mutex
	handler   InboundHandler
	instances map[string]*Instance
}

// NewManager wires a connector manager over the built-in platform types.
func NewManager(reg *config.Registry, log *logger.Logger) *Manager {
	return &Manager{
		reg:       reg,
		factories: builtinFactories(),
		logger:    log.WithFields(zap.String("component", "connectors")),
		instances: make(map[string]*Instance),
	}
}

// SetInboundHandler routes every instance's inbound traffic through h.
// Must be called before StartAll.
func (m *Manager) SetInboundHandler(h InboundHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// build constructs one instance. Unknown types and missing credentials give
// a disabled instance rather than an error: one bad connector section must
// not take the daemon down.
func (m *Manager) build(id string, cfg config.ConnectorConfig) *Instance {
	inst := &Instance{ID: id, cfg: cfg, state: StateDisabled}
	if !cfg.Enabled {
		inst.reason = ErrDisabled
		return inst
	}

	factory, ok := m.factories[cfg.Type]
	if !ok {
		inst.reason = fmt.Errorf("%w: %q", ErrUnknownType, cfg.Type)
		m.logger.Warn("Connector disabled", zap.String("connector_id", id), zap.Error(inst.reason))
		return inst
	}

	conn, err := factory(id, cfg, m.reg, m.logger)
	if err != nil {
		inst.reason = err
		m.logger.Warn("Connector disabled", zap.String("connector_id", id), zap.Error(err))
		return inst
	}

	conn.SetInboundHandler(m.handler)
	if sr, ok := conn.(stateReporting); ok {
		sr.SetStateListener(inst.setState)
	}
	inst.Conn = conn
	inst.state = StateStopped
	return inst
}

// StartAll builds and starts every configured connector.
func (m *Manager) StartAll(ctx context.Context) {
	cfg := m.reg.Current()
	for id, ccfg := range cfg.Connectors {
		m.startOne(ctx, id, ccfg)
	}
}

func (m *Manager) startOne(ctx context.Context, id string, ccfg config.ConnectorConfig) {
	inst := m.build(id, ccfg)
	m.mu.Lock()
	m.instances[id] = inst
	m.mu.Unlock()

	if inst.Conn == nil {
		return
	}

	inst.setState(StateStarting)
	if err := inst.Conn.Start(ctx); err != nil {
		m.logger.Error("Connector failed to start",
			zap.String("connector_id", id), zap.Error(err))
		inst.setState(StateStopped)
		return
	}
	inst.setState(StateRunning)
	m.logger.Info("Connector started",
		zap.String("connector_id", id), zap.String("type", inst.Conn.Type()))
}

// StopAll stops every running connector.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	instances := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		instances = append(instances, inst)
	}
	m.mu.Unlock()

	for _, inst := range instances {
		m.stopInstance(ctx, inst)
	}
}

func (m *Manager) stopInstance(ctx context.Context, inst *Instance) {
	if inst.Conn == nil || inst.State() == StateStopped {
		return
	}
	inst.setState(StateStopping)
	if err := inst.Conn.Stop(ctx); err != nil {
		m.logger.Warn("Connector stop failed",
			zap.String("connector_id", inst.ID), zap.Error(err))
	}
	inst.setState(StateStopped)
}

// Reconcile brings running instances in line with a reloaded configuration:
// new ids start, removed ids stop, and changed sections restart.
func (m *Manager) Reconcile(ctx context.Context, cfg *config.Config) {
	m.mu.Lock()
	existing := make(map[string]*Instance, len(m.instances))
	for id, inst := range m.instances {
		existing[id] = inst
	}
	m.mu.Unlock()

	for id, inst := range existing {
		next, stillThere := cfg.Connectors[id]
		if stillThere && reflect.DeepEqual(inst.cfg, next) {
			continue
		}
		m.stopInstance(ctx, inst)
		m.mu.Lock()
		delete(m.instances, id)
		m.mu.Unlock()
		if !stillThere {
			m.logger.Info("Connector removed", zap.String("connector_id", id))
		}
	}

	m.mu.Lock()
	current := make(map[string]bool, len(m.instances))
	for id := range m.instances {
		current[id] = true
	}
	m.mu.Unlock()

	for id, ccfg := range cfg.Connectors {
		if !current[id] {
			m.startOne(ctx, id, ccfg)
		}
	}
}

// Get returns a running connector by id.
func (m *Manager) Get(id string) (Connector, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok || inst.Conn == nil {
		return nil, false
	}
	return inst.Conn, true
}

// Instances returns a snapshot of all instances for status reporting.
func (m *Manager) Instances() []*Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst)
	}
	return out
}
