// Package scheduler drives the poll loop that keeps agent status current.
package scheduler

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentforge/agentforge/internal/agent"
	"github.com/agentforge/agentforge/internal/common/config"
	"github.com/agentforge/agentforge/internal/common/logger"
	"github.com/agentforge/agentforge/internal/events"
	"github.com/agentforge/agentforge/internal/events/bus"
	"github.com/agentforge/agentforge/internal/monitor"
	"github.com/agentforge/agentforge/internal/store"
)

// captureLines bounds each poll capture. Zero means the visible pane only;
// the detector only inspects the tail anyway.
const captureLines = 200

// Notifier receives attention-worthy transitions. Implemented by the
// connector router; a nil Notifier turns the side effects off.
type Notifier interface {
	AgentWaitingInput(ctx context.Context, a *agent.Agent, prompt string)
	AgentIdle(ctx context.Context, a *agent.Agent, response string)
	AgentError(ctx context.Context, a *agent.Agent, excerpt string)
	AgentStopped(ctx context.Context, a *agent.Agent)
}

// Scheduler polls every managed session on a fixed interval, classifies the
// output, and fans state changes out to the store, the event bus, and chat
// notifications.
type Scheduler struct {
	manager  *agent.Manager
	sessions agent.Sessions
	engine   *monitor.Engine
	cfg      *config.Registry
	bus      bus.EventBus
	notifier Notifier
	logger   *logger.Logger

	// lastNotified suppresses repeat notifications while an agent sits in
	// the same attention-worthy state.
	mu           sync.Mutex
	lastNotified map[string]monitor.Status
}

// New wires a Scheduler. notifier may be nil.
func New(manager *agent.Manager, sessions agent.Sessions, engine *monitor.Engine, cfg *config.Registry, eb bus.EventBus, notifier Notifier, log *logger.Logger) *Scheduler {
	return &Scheduler{
		manager:      manager,
		sessions:     sessions,
		engine:       engine,
		cfg:          cfg,
		bus:          eb,
		notifier:     notifier,
		logger:       log,
		lastNotified: make(map[string]monitor.Status),
	}
}

// Run polls until ctx is cancelled. The interval is re-read from config each
// tick so a reload takes effect without a restart.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.cfg.Current().Defaults.PollInterval()
	timer := time.NewTimer(interval)
	defer timer.Stop()

	s.logger.Info("Scheduler started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return ctx.Err()
		case <-timer.C:
			s.PollAll(ctx)
			timer.Reset(s.cfg.Current().Defaults.PollInterval())
		}
	}
}

// PollAll runs one poll pass over every tracked agent.
func (s *Scheduler) PollAll(ctx context.Context) {
	for _, a := range s.manager.List() {
		if a.Status == monitor.StatusStopped {
			continue
		}
		s.pollOne(ctx, a)
	}
}

// pollOne inspects one agent. A panic in here must not take the loop down
// with it.
func (s *Scheduler) pollOne(ctx context.Context, a *agent.Agent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Poll panicked",
				zap.String("agent_id", a.ID), zap.Any("panic", r))
		}
	}()

	if !s.sessions.HasSession(ctx, a.SessionName) {
		s.markStopped(ctx, a)
		return
	}

	output, err := s.sessions.Capture(ctx, a.SessionName, captureLines)
	if err != nil {
		s.logger.Warn("Capture failed", zap.String("agent_id", a.ID), zap.Error(err))
		return
	}

	prev := a.Status
	status := s.engine.Detect(output, a.LastOutput, prev)

	changed := status != prev
	_ = s.manager.Mutate(a.ID, func(live *agent.Agent) {
		live.LastOutput = output
		live.Status = status
		if changed {
			live.LastActivity = time.Now().UTC()
		}
		switch {
		case status == monitor.StatusWorking:
			live.NeedsAttention = false
		case status.NeedsAttention() && changed && !live.Parked:
			live.NeedsAttention = true
		}
	})

	if changed {
		a.Status = status
		a.LastOutput = output
		// Entering a new state re-arms the notification gate for the one
		// left behind, so a state revisited later notifies again.
		s.clearNotified(a.ID, status)
		s.onTransition(ctx, a, prev, status, output)
	}

	s.manager.SaveSnapshot(ctx, a.ID)
	s.publishUpdate(ctx, a.ID, string(status))
}

func (s *Scheduler) onTransition(ctx context.Context, a *agent.Agent, prev, status monitor.Status, output string) {
	s.logger.Info("Agent status changed",
		zap.String("agent_id", a.ID),
		zap.String("from", string(prev)),
		zap.String("to", string(status)))

	s.logEvent(ctx, a, store.EventStatusChange, map[string]string{
		"from": string(prev), "to": string(status),
	})

	switch status {
	case monitor.StatusWaitingInput:
		prompt := s.engine.ExtractPromptText(output)
		s.logEvent(ctx, a, store.EventWaitingInput, map[string]string{"prompt": prompt})
		if s.shouldNotify(a, monitor.StatusWaitingInput) {
			s.notifier.AgentWaitingInput(ctx, a, prompt)
		}

	case monitor.StatusIdle:
		if prev == monitor.StatusWorking || prev == monitor.StatusStarting {
			response := s.extractResponse(a, output)
			if response != "" {
				_ = s.manager.Mutate(a.ID, func(live *agent.Agent) {
					live.LastResponse = response
				})
				s.logEvent(ctx, a, store.EventAgentResponse, map[string]string{"response": response})
				if s.bus != nil {
					_ = s.bus.Publish(ctx, events.AgentResponse, bus.NewEvent(events.AgentResponse, "scheduler", map[string]any{
						"agent_id": a.ID,
						"project":  a.Project,
						"response": response,
					}))
				}
			}
			if s.shouldNotify(a, monitor.StatusIdle) {
				s.notifier.AgentIdle(ctx, a, response)
			}
		}

	case monitor.StatusError:
		excerpt := monitor.ExtractActivitySummary(output)
		s.logEvent(ctx, a, store.EventError, map[string]string{"excerpt": excerpt})
		if s.shouldNotify(a, monitor.StatusError) {
			s.notifier.AgentError(ctx, a, excerpt)
		}
	}
}

// extractResponse prefers the pipe-pane log past the last relay offset, so
// long responses that scrolled out of the pane still come through whole.
// Falls back to the captured pane.
func (s *Scheduler) extractResponse(a *agent.Agent, output string) string {
	if a.OutputLogPath != "" {
		if chunk, newOffset, err := readFrom(a.OutputLogPath, a.LastRelayOffset); err == nil && chunk != "" {
			_ = s.manager.Mutate(a.ID, func(live *agent.Agent) {
				live.LastRelayOffset = newOffset
			})
			if resp := monitor.ExtractResponse(chunk); resp != "" {
				return resp
			}
		}
	}
	return monitor.ExtractResponse(output)
}

func readFrom(path string, offset int64) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", offset, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", offset, err
	}
	if offset > info.Size() {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", offset, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", offset, err
	}
	return string(data), offset + int64(len(data)), nil
}

// markStopped handles a session that vanished outside Kill. The snapshot is
// kept, as stopped, so the disappearance stays visible until an explicit
// kill clears it.
func (s *Scheduler) markStopped(ctx context.Context, a *agent.Agent) {
	_ = s.manager.Mutate(a.ID, func(live *agent.Agent) {
		live.Status = monitor.StatusStopped
		live.LastActivity = time.Now().UTC()
	})

	s.logger.Warn("Agent session vanished",
		zap.String("agent_id", a.ID), zap.String("project", a.Project))
	s.logEvent(ctx, a, store.EventCrash, map[string]string{"last_status": string(a.Status)})

	s.manager.SaveSnapshot(ctx, a.ID)
	s.publishUpdate(ctx, a.ID, string(monitor.StatusStopped))

	if s.notifier != nil {
		s.notifier.AgentStopped(ctx, a)
	}
	s.clearNotified(a.ID, monitor.StatusStopped)
}

// shouldNotify reports whether this state is newly notification-worthy for
// the agent and records it as notified.
func (s *Scheduler) shouldNotify(a *agent.Agent, status monitor.Status) bool {
	if s.notifier == nil || a.Parked {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastNotified[a.ID] == status {
		return false
	}
	s.lastNotified[a.ID] = status
	return true
}

func (s *Scheduler) clearNotified(id string, current monitor.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastNotified[id] != current {
		delete(s.lastNotified, id)
	}
}

func (s *Scheduler) publishUpdate(ctx context.Context, agentID, status string) {
	if s.bus == nil {
		return
	}
	data := map[string]any{"agent_id": agentID, "status": status}
	if err := s.bus.Publish(ctx, events.AgentUpdate, bus.NewEvent(events.AgentUpdate, "scheduler", data)); err != nil {
		s.logger.Warn("Failed to publish agent update", zap.String("agent_id", agentID), zap.Error(err))
	}
	subject := events.AgentStatusSubject(agentID)
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(subject, "scheduler", data)); err != nil {
		s.logger.Warn("Failed to publish agent status", zap.String("agent_id", agentID), zap.Error(err))
	}
}

func (s *Scheduler) logEvent(ctx context.Context, a *agent.Agent, kind string, payload any) {
	if err := s.manager.LogEvent(ctx, a, kind, payload); err != nil {
		s.logger.Warn("Failed to log event",
			zap.String("agent_id", a.ID), zap.String("kind", kind), zap.Error(err))
	}
}
