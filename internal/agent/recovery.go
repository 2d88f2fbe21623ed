package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentforge/agentforge/internal/common/config"
	"github.com/agentforge/agentforge/internal/monitor"
	"github.com/agentforge/agentforge/internal/store"
	"github.com/agentforge/agentforge/internal/workspace"
)

// Recover rebuilds the in-memory agent table from persisted snapshots after
// a daemon restart. Three cases per snapshot:
//
//   - session still alive: readopt it as-is
//   - session gone but worktree intact: restart the session in place
//     (machine reboot; the branch and its work survive)
//   - neither: mark the agent stopped and record a crash
func (m *Manager) Recover(ctx context.Context) error {
	snaps, err := m.store.LoadActiveSnapshots(ctx)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		return nil
	}

	m.logger.Info("Recovering agents from snapshots", zap.Int("count", len(snaps)))

	for i := range snaps {
		snap := &snaps[i]
		switch {
		case m.sessions.HasSession(ctx, snap.SessionName):
			m.readopt(ctx, snap)
		case m.worktreeIntact(snap):
			m.recreate(ctx, snap)
		default:
			m.markCrashed(ctx, snap)
		}
	}
	return nil
}

func (m *Manager) worktreeIntact(snap *store.Snapshot) bool {
	if snap.WorktreePath == "" {
		return false
	}
	info, err := os.Stat(snap.WorktreePath)
	return err == nil && info.IsDir()
}

// readopt registers a still-running session. Status is re-derived from the
// current screen with a self-compare so "unchanged output" cannot mask an
// idle prompt.
func (m *Manager) readopt(ctx context.Context, snap *store.Snapshot) {
	a := agentFromSnapshot(snap)

	output, err := m.sessions.Capture(ctx, snap.SessionName, 0)
	if err != nil {
		m.logger.Warn("Capture failed during readopt",
			zap.String("agent_id", snap.AgentID), zap.Error(err))
		a.Status = monitor.StatusIdle
	} else {
		a.Status = m.engine.Detect(output, output, monitor.Status(snap.Status))
		a.LastOutput = output
	}

	if err := m.sessions.PipePane(ctx, snap.SessionName, a.OutputLogPath); err != nil {
		m.logger.Warn("Failed to re-enable output log",
			zap.String("agent_id", snap.AgentID), zap.Error(err))
	}

	m.mu.Lock()
	m.agents[a.ID] = a
	m.mu.Unlock()
	m.saveSnapshot(ctx, a)

	m.logger.Info("Readopted running agent",
		zap.String("agent_id", a.ID),
		zap.String("project", a.Project),
		zap.String("status", string(a.Status)))
}

// recreate restarts a session whose worktree survived a machine reboot. The
// agent comes back needing attention: its conversation context is gone.
func (m *Manager) recreate(ctx context.Context, snap *store.Snapshot) {
	cfg := m.cfg.Current()
	if _, ok := cfg.Projects[snap.Project]; !ok {
		m.logger.Warn("Cannot recreate agent for unconfigured project",
			zap.String("agent_id", snap.AgentID), zap.String("project", snap.Project))
		m.markCrashed(ctx, snap)
		return
	}

	var profile *config.AgentProfile
	if snap.Profile != "" {
		if profile = cfg.Profile(snap.Profile); profile == nil {
			m.logger.Warn("Snapshot references unknown profile; recreating without it",
				zap.String("agent_id", snap.AgentID), zap.String("profile", snap.Profile))
		}
	}

	command := m.buildCommand(cfg, snap.Project, snap.WorktreePath, profile)
	if err := m.sessions.CreateSession(ctx, snap.SessionName, snap.WorktreePath, command); err != nil {
		m.logger.Error("Failed to recreate session",
			zap.String("agent_id", snap.AgentID), zap.Error(err))
		m.markCrashed(ctx, snap)
		return
	}

	a := agentFromSnapshot(snap)
	a.Status = monitor.StatusStarting
	a.NeedsAttention = true
	a.LastActivity = time.Now().UTC()

	if err := m.sessions.PipePane(ctx, snap.SessionName, a.OutputLogPath); err != nil {
		m.logger.Warn("Failed to re-enable output log",
			zap.String("agent_id", snap.AgentID), zap.Error(err))
	}

	m.mu.Lock()
	m.agents[a.ID] = a
	m.mu.Unlock()

	m.logEvent(ctx, a, store.EventPowerRecovery, map[string]string{
		"worktree": snap.WorktreePath,
	})
	m.saveSnapshot(ctx, a)

	go m.sendRecoveryContext(context.Background(), a.ID, a.SessionName, snap.Task)

	m.logger.Info("Recreated agent session after reboot",
		zap.String("agent_id", a.ID), zap.String("project", a.Project))
}

// sendRecoveryContext tells a recreated agent what it was doing. The old
// conversation is gone with the old process, so the task and a pointer at
// the surviving worktree state are all it gets.
func (m *Manager) sendRecoveryContext(ctx context.Context, id, session, task string) {
	if !m.waitForIdle(ctx, id, session, defaultIdleWait) {
		m.logger.Warn("Recreated agent never settled; skipping recovery message",
			zap.String("agent_id", id))
		return
	}

	msg := "This session was recreated after a restart and your previous conversation is gone. " +
		"The worktree and branch are intact. Run git status and git diff to see where you left off, then continue."
	if strings.TrimSpace(task) != "" {
		msg += " Your task: " + task
	}
	if err := m.SendMessage(ctx, id, msg); err != nil {
		m.logger.Warn("Failed to deliver recovery message",
			zap.String("agent_id", id), zap.Error(err))
	}
}

// markCrashed records that an agent vanished while the daemon was down.
func (m *Manager) markCrashed(ctx context.Context, snap *store.Snapshot) {
	a := agentFromSnapshot(snap)
	a.Status = monitor.StatusStopped

	m.logEvent(ctx, a, store.EventCrash, map[string]string{
		"last_status": snap.Status,
	})

	snap.Status = string(monitor.StatusStopped)
	if err := m.store.SaveSnapshot(ctx, snap); err != nil {
		m.logger.Warn("Failed to persist crashed snapshot",
			zap.String("agent_id", snap.AgentID), zap.Error(err))
	}

	m.logger.Warn("Agent lost while daemon was down",
		zap.String("agent_id", snap.AgentID), zap.String("project", snap.Project))
}

func agentFromSnapshot(snap *store.Snapshot) *Agent {
	return &Agent{
		ID:              snap.AgentID,
		Project:         snap.Project,
		SessionName:     snap.SessionName,
		WorktreePath:    snap.WorktreePath,
		BranchName:      snap.BranchName,
		Status:          monitor.Status(snap.Status),
		CreatedAt:       snap.CreatedAt,
		LastActivity:    snap.LastActivity,
		Task:            snap.Task,
		Profile:         snap.Profile,
		LastOutput:      snap.LastOutput,
		LastResponse:    snap.LastResponse,
		LastUserMessage: snap.LastUserMessage,
		SubAgentCount:   snap.SubAgentCount,
		Parked:          snap.Parked,
		OutputLogPath:   filepath.Join(snap.WorktreePath, workspace.OutputLogName),
	}
}
