package agent

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentforge/agentforge/internal/common/config"
	"github.com/agentforge/agentforge/internal/monitor"
)

const (
	defaultIdleWait  = 120 * time.Second
	idlePollInterval = 2 * time.Second
)

// defaultStartSequence is used when the profile has none and a task was
// given: wait for the CLI to settle, then submit the task.
func defaultStartSequence() []config.StartStep {
	return []config.StartStep{
		{Action: "wait_for_idle", Value: "60"},
		{Action: "send", Value: "{task}"},
	}
}

// runStartSequence replays the profile's boot steps against a freshly
// spawned session. Failures downgrade to warnings; an agent that missed a
// step is still usable by hand.
func (m *Manager) runStartSequence(ctx context.Context, id string, profile *config.AgentProfile, task string) {
	steps := defaultStartSequence()
	if profile != nil && len(profile.StartSequence) > 0 {
		steps = profile.StartSequence
	} else if strings.TrimSpace(task) == "" {
		return
	}

	m.mu.RLock()
	a, ok := m.agents[id]
	var session string
	if ok {
		session = a.SessionName
	}
	m.mu.RUnlock()
	if !ok {
		return
	}

	for i, step := range steps {
		switch step.Action {
		case "wait":
			secs, err := strconv.ParseFloat(step.Value, 64)
			if err != nil || secs <= 0 {
				m.logger.Warn("Skipping wait step with bad value",
					zap.String("agent_id", id), zap.Int("step", i), zap.String("value", step.Value))
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(secs * float64(time.Second))):
			}

		case "send":
			text := strings.ReplaceAll(step.Value, "{task}", task)
			if strings.TrimSpace(text) == "" {
				continue
			}
			if err := m.sessions.SendText(ctx, session, text); err != nil {
				m.logger.Warn("Start sequence send failed",
					zap.String("agent_id", id), zap.Int("step", i), zap.Error(err))
				continue
			}
			if err := m.sessions.SendEnter(ctx, session); err != nil {
				m.logger.Warn("Start sequence submit failed",
					zap.String("agent_id", id), zap.Int("step", i), zap.Error(err))
			}

		case "wait_for_idle":
			timeout := defaultIdleWait
			if secs, err := strconv.ParseFloat(step.Value, 64); err == nil && secs > 0 {
				timeout = time.Duration(secs * float64(time.Second))
			}
			if !m.waitForIdle(ctx, id, session, timeout) {
				m.logger.Warn("Agent did not reach idle within start sequence timeout",
					zap.String("agent_id", id), zap.Duration("timeout", timeout))
			}
		}
	}

	// A successful boot leaves the agent past "starting" even before the
	// next poll runs.
	_ = m.Mutate(id, func(a *Agent) {
		if a.Status == monitor.StatusStarting {
			a.Status = monitor.StatusWorking
			a.LastActivity = time.Now().UTC()
		}
	})
}

// waitForIdle polls the session until the detector reports idle or
// waiting_input, or the timeout expires.
func (m *Manager) waitForIdle(ctx context.Context, id, session string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	previous := ""
	prior := monitor.StatusStarting

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(idlePollInterval):
		}

		output, err := m.sessions.Capture(ctx, session, 0)
		if err != nil {
			m.logger.Debug("Capture failed while waiting for idle",
				zap.String("agent_id", id), zap.Error(err))
			continue
		}

		status := m.engine.Detect(output, previous, prior)
		previous = output
		prior = status
		if status == monitor.StatusIdle || status == monitor.StatusWaitingInput {
			return true
		}
	}
	return false
}
