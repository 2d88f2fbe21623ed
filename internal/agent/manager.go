package agent

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentforge/agentforge/internal/common/config"
	"github.com/agentforge/agentforge/internal/common/logger"
	"github.com/agentforge/agentforge/internal/monitor"
	"github.com/agentforge/agentforge/internal/store"
	"github.com/agentforge/agentforge/internal/tmux"
	"github.com/agentforge/agentforge/internal/workspace"
)

// Sessions is the slice of the tmux client the manager needs.
type Sessions interface {
	CreateSession(ctx context.Context, name, workingDir, command string) error
	HasSession(ctx context.Context, name string) bool
	KillSession(ctx context.Context, name string) error
	ListManagedSessions(ctx context.Context) ([]tmux.Session, error)
	SendText(ctx context.Context, name, text string) error
	SendEnter(ctx context.Context, name string) error
	SendKeys(ctx context.Context, name string, keys ...tmux.ControlKey) error
	SendLiteralKey(ctx context.Context, name, key string) error
	Capture(ctx context.Context, name string, lines int) (string, error)
	PipePane(ctx context.Context, name, logPath string) error
	ClosePipePane(ctx context.Context, name string) error
}

// Workspaces provisions and tears down agent worktrees.
type Workspaces interface {
	Provision(ctx context.Context, req workspace.Request) (*workspace.Workspace, error)
	Teardown(ctx context.Context, projectPath string, ws *workspace.Workspace) error
}

// Store is the persistence surface the manager writes through.
type Store interface {
	LogEvent(ctx context.Context, agentID, project, kind string, payload any) error
	SaveSnapshot(ctx context.Context, snap *store.Snapshot) error
	LoadActiveSnapshots(ctx context.Context) ([]store.Snapshot, error)
	DeleteSnapshot(ctx context.Context, agentID string) error
}

// Manager is the lifecycle authority for agents.
type Manager struct {
	cfg      *config.Registry
	sessions Sessions
	spaces   Workspaces
	store    Store
	engine   *monitor.Engine
	logger   *logger.Logger

	// ServerURL is advertised to workspace hooks.
	ServerURL string

	mu     sync.RWMutex
	agents map[string]*Agent

	// Per-agent locks serialize mutations of one agent; per-project locks
	// cover the spawn cap re-check.
	locksMu      sync.Mutex
	agentLocks   map[string]*sync.Mutex
	projectLocks map[string]*sync.Mutex
}

// NewManager wires a Manager.
func NewManager(cfg *config.Registry, sessions Sessions, spaces Workspaces, st Store, engine *monitor.Engine, log *logger.Logger) *Manager {
	return &Manager{
		cfg:          cfg,
		sessions:     sessions,
		spaces:       spaces,
		store:        st,
		engine:       engine,
		logger:       log,
		agents:       make(map[string]*Agent),
		agentLocks:   make(map[string]*sync.Mutex),
		projectLocks: make(map[string]*sync.Mutex),
	}
}

func (m *Manager) agentLock(id string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.agentLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.agentLocks[id] = l
	}
	return l
}

func (m *Manager) projectLock(name string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.projectLocks[name]
	if !ok {
		l = &sync.Mutex{}
		m.projectLocks[name] = l
	}
	return l
}

// newAgentID returns a fresh 6-hex id, re-rolling on the unlikely collision.
func (m *Manager) newAgentID() string {
	for {
		u := uuid.New()
		id := hex.EncodeToString(u[:])[:6]
		m.mu.RLock()
		_, taken := m.agents[id]
		m.mu.RUnlock()
		if !taken {
			return id
		}
	}
}

// SpawnOptions tune a spawn beyond project and task.
type SpawnOptions struct {
	BranchPrefix string
	Profile      string
}

// Spawn provisions a workspace, starts a terminal session running the agent
// command, and registers the new agent. The project cap is re-checked under
// the project lock so concurrent spawns cannot exceed it.
func (m *Manager) Spawn(ctx context.Context, project, task string, opts SpawnOptions) (*Agent, error) {
	cfg := m.cfg.Current()
	proj, ok := cfg.Projects[project]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, project)
	}

	var profile *config.AgentProfile
	if opts.Profile != "" {
		if profile = cfg.Profile(opts.Profile); profile == nil {
			return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, opts.Profile)
		}
	}

	prefix := opts.BranchPrefix
	if prefix == "" {
		prefix = cfg.Defaults.BranchPrefix
	}

	plock := m.projectLock(project)
	plock.Lock()
	defer plock.Unlock()

	if n := m.countActive(project); n >= cfg.MaxAgents(project) {
		return nil, fmt.Errorf("%w: %s: %d/%d", ErrAgentLimit, project, n, cfg.MaxAgents(project))
	}

	id := m.newAgentID()
	req := workspace.RequestFromConfig(cfg, project, id, task, prefix, profile, m.ServerURL)

	ws, err := m.spaces.Provision(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("provision workspace: %w", err)
	}

	sessionName := tmux.SessionName(project, id)
	command := m.buildCommand(cfg, project, ws.Path, profile)

	if err := m.sessions.CreateSession(ctx, sessionName, ws.Path, command); err != nil {
		if tderr := m.spaces.Teardown(ctx, proj.Path, ws); tderr != nil {
			m.logger.Warn("Cleanup after failed session create also failed",
				zap.String("agent_id", id), zap.Error(tderr))
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	if err := m.sessions.PipePane(ctx, sessionName, ws.OutputLog); err != nil {
		m.logger.Warn("Failed to enable output log", zap.String("agent_id", id), zap.Error(err))
	}

	now := time.Now().UTC()
	a := &Agent{
		ID:            id,
		Project:       project,
		SessionName:   sessionName,
		WorktreePath:  ws.Path,
		BranchName:    ws.BranchName,
		Status:        monitor.StatusStarting,
		CreatedAt:     now,
		LastActivity:  now,
		Task:          task,
		Profile:       opts.Profile,
		OutputLogPath: ws.OutputLog,
	}

	m.mu.Lock()
	m.agents[id] = a
	m.mu.Unlock()

	m.logEvent(ctx, a, store.EventSpawned, map[string]string{
		"task": task, "branch": ws.BranchName, "profile": opts.Profile,
	})
	m.saveSnapshot(ctx, a)

	go m.runStartSequence(context.Background(), id, profile, task)

	m.logger.Info("Spawned agent",
		zap.String("agent_id", id),
		zap.String("project", project),
		zap.String("branch", ws.BranchName),
		zap.String("profile", opts.Profile))
	return a.clone(), nil
}

// SpawnComparison starts several agents on the same task, cycling the given
// profiles, on `compare/` branches.
func (m *Manager) SpawnComparison(ctx context.Context, project, task string, profiles []string, count int) ([]*Agent, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("%w: comparison spawn needs at least one profile", ErrProfileNotFound)
	}
	if count <= 0 {
		count = len(profiles)
	}

	var agents []*Agent
	for i := 0; i < count; i++ {
		a, err := m.Spawn(ctx, project, task, SpawnOptions{
			BranchPrefix: "compare",
			Profile:      profiles[i%len(profiles)],
		})
		if err != nil {
			return agents, err
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// buildCommand composes the shell command launched inside the session.
func (m *Manager) buildCommand(cfg *config.Config, project, worktreeDir string, profile *config.AgentProfile) string {
	var b strings.Builder
	b.WriteString("cd " + shellQuote(worktreeDir) + " && ")

	keys := make([]string, 0, len(cfg.Defaults.ClaudeEnv))
	for k := range cfg.Defaults.ClaudeEnv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("export " + k + "=" + shellQuote(cfg.Defaults.ClaudeEnv[k]) + " && ")
	}

	cmd := cfg.Defaults.ClaudeCommand
	if profile != nil && strings.TrimSpace(profile.SystemPrompt) != "" {
		cmd += " --append-system-prompt " + shellQuote(strings.TrimSpace(profile.SystemPrompt))
	}
	if cfg.SandboxEnabled(project) && cfg.Defaults.SandboxCommand != "" {
		cmd = cfg.Defaults.SandboxCommand + " " + cmd
	}
	b.WriteString(cmd)
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// countActive counts non-stopped agents for a project. Callers hold locks as
// appropriate.
func (m *Manager) countActive(project string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, a := range m.agents {
		if a.Project == project && a.Status != monitor.StatusStopped {
			n++
		}
	}
	return n
}

// Kill terminates an agent: session ended, worktree removed, branch pruned,
// snapshot deleted. Killing an unknown id returns ErrNotFound; the caller,
// not the poller, is the authority on intentional termination.
func (m *Manager) Kill(ctx context.Context, id string) error {
	lock := m.agentLock(id)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	a, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.agents, id)
	m.mu.Unlock()

	_ = m.sessions.ClosePipePane(ctx, a.SessionName)
	if a.OutputLogPath != "" {
		_ = os.Remove(a.OutputLogPath)
	}

	if err := m.sessions.KillSession(ctx, a.SessionName); err != nil {
		m.logger.Warn("Failed to kill session", zap.String("agent_id", id), zap.Error(err))
	}

	cfg := m.cfg.Current()
	if proj, ok := cfg.Projects[a.Project]; ok && a.WorktreePath != "" {
		ws := &workspace.Workspace{Path: a.WorktreePath, BranchName: a.BranchName}
		if err := m.spaces.Teardown(ctx, proj.Path, ws); err != nil {
			m.logger.Warn("Workspace teardown failed", zap.String("agent_id", id), zap.Error(err))
		}
	}

	a.Status = monitor.StatusStopped
	m.logEvent(ctx, a, store.EventKilled, nil)
	// An intentional kill removes the snapshot outright; stopped snapshots
	// are reserved for crashes, so recovery never resurrects a killed agent.
	if err := m.store.DeleteSnapshot(ctx, id); err != nil {
		m.logger.Warn("Failed to delete snapshot", zap.String("agent_id", id), zap.Error(err))
	}

	m.logger.Info("Killed agent", zap.String("agent_id", id), zap.String("project", a.Project))
	return nil
}

// Restart kills an agent and spawns a replacement with the same project,
// task, and profile. The replacement gets a new id; sub-agent count starts
// at zero.
func (m *Manager) Restart(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	a, ok := m.agents[id]
	if !ok {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	project, task, profile := a.Project, a.Task, a.Profile
	m.mu.RUnlock()

	if err := m.Kill(ctx, id); err != nil {
		return nil, err
	}

	replacement, err := m.Spawn(ctx, project, task, SpawnOptions{Profile: profile})
	if err != nil {
		return nil, err
	}
	m.logEvent(ctx, replacement, store.EventRestarted, map[string]string{"previous_id": id})
	return replacement, nil
}

// SendMessage types a message into the agent's session and submits it.
func (m *Manager) SendMessage(ctx context.Context, id, message string) error {
	lock := m.agentLock(id)
	lock.Lock()
	defer lock.Unlock()

	a, err := m.liveAgent(id)
	if err != nil {
		return err
	}

	if err := m.sessions.SendText(ctx, a.SessionName, message); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	if err := m.sessions.SendEnter(ctx, a.SessionName); err != nil {
		return fmt.Errorf("submit message: %w", err)
	}

	m.mu.Lock()
	a.LastActivity = time.Now().UTC()
	a.LastUserMessage = message
	// Remember how much of the output log predates this message so the
	// response relay only reads what comes after.
	if a.OutputLogPath != "" {
		if info, err := os.Stat(a.OutputLogPath); err == nil {
			a.LastRelayOffset = info.Size()
		}
	}
	m.mu.Unlock()

	m.logEvent(ctx, a, store.EventUserMessage, map[string]string{"message": truncate(message, 500)})
	return nil
}

// SendControl translates a control verb into key sequences for the agent's
// permission prompts and menus.
func (m *Manager) SendControl(ctx context.Context, id string, action ControlAction) error {
	if action == ControlRestart {
		_, err := m.Restart(ctx, id)
		return err
	}

	lock := m.agentLock(id)
	lock.Lock()
	defer lock.Unlock()

	a, err := m.liveAgent(id)
	if err != nil {
		return err
	}

	switch action {
	case ControlApprove:
		// Claude Code numbers its permission options; "1" selects Yes.
		if err := m.sessions.SendLiteralKey(ctx, a.SessionName, "1"); err != nil {
			return err
		}
		err = m.sessions.SendKeys(ctx, a.SessionName, tmux.KeyEnter)
	case ControlAlwaysAllow:
		// "2" selects the don't-ask-again variant when the prompt offers it.
		if err := m.sessions.SendLiteralKey(ctx, a.SessionName, "2"); err != nil {
			return err
		}
		err = m.sessions.SendKeys(ctx, a.SessionName, tmux.KeyEnter)
	case ControlReject:
		err = m.sessions.SendKeys(ctx, a.SessionName, tmux.KeyEscape)
	case ControlInterrupt:
		err = m.sessions.SendKeys(ctx, a.SessionName, tmux.KeyCtrlC)
	case ControlUp:
		err = m.sessions.SendKeys(ctx, a.SessionName, tmux.KeyUp)
	case ControlDown:
		err = m.sessions.SendKeys(ctx, a.SessionName, tmux.KeyDown)
	case ControlLeft:
		err = m.sessions.SendKeys(ctx, a.SessionName, tmux.KeyLeft)
	case ControlRight:
		err = m.sessions.SendKeys(ctx, a.SessionName, tmux.KeyRight)
	case ControlEnter:
		err = m.sessions.SendKeys(ctx, a.SessionName, tmux.KeyEnter)
	case ControlEscape:
		err = m.sessions.SendKeys(ctx, a.SessionName, tmux.KeyEscape)
	case ControlTab:
		err = m.sessions.SendKeys(ctx, a.SessionName, tmux.KeyTab)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownControl, action)
	}
	if err != nil {
		return fmt.Errorf("send control %s: %w", action, err)
	}

	m.mu.Lock()
	a.LastActivity = time.Now().UTC()
	m.mu.Unlock()

	m.logger.Info("Sent control", zap.String("agent_id", id), zap.String("action", string(action)))
	return nil
}

// ClearContext sends /clear to reset the agent's conversation. Intended for
// idle agents before re-tasking them.
func (m *Manager) ClearContext(ctx context.Context, id string) error {
	lock := m.agentLock(id)
	lock.Lock()
	defer lock.Unlock()

	a, err := m.liveAgent(id)
	if err != nil {
		return err
	}
	if err := m.sessions.SendText(ctx, a.SessionName, "/clear"); err != nil {
		return err
	}
	if err := m.sessions.SendEnter(ctx, a.SessionName); err != nil {
		return err
	}

	m.mu.Lock()
	a.LastActivity = time.Now().UTC()
	m.mu.Unlock()
	return nil
}

// HandleHookEvent adjusts the sub-agent counter from workspace hook
// callbacks. The counter never goes below zero.
func (m *Manager) HandleHookEvent(ctx context.Context, id string, event HookEvent) error {
	m.mu.Lock()
	a, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var kind string
	switch event {
	case HookSubagentStart:
		a.SubAgentCount++
		kind = store.EventSubagentStart
	case HookSubagentStop:
		if a.SubAgentCount > 0 {
			a.SubAgentCount--
		}
		kind = store.EventSubagentStop
	default:
		m.mu.Unlock()
		return fmt.Errorf("unknown hook event: %s", event)
	}
	count := a.SubAgentCount
	m.mu.Unlock()

	m.logEvent(ctx, a, kind, map[string]int{"sub_agent_count": count})
	return nil
}

// Park mutes the attention flag until the next attention-worthy transition.
func (m *Manager) Park(id string, parked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	a.Parked = parked
	if parked {
		a.NeedsAttention = false
	}
	return nil
}

// Get returns a copy of one agent.
func (m *Manager) Get(id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a.clone(), nil
}

// List returns copies of all agents, stable by creation time.
func (m *Manager) List() []*Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ByProject returns copies of a project's agents.
func (m *Manager) ByProject(project string) []*Agent {
	var out []*Agent
	for _, a := range m.List() {
		if a.Project == project {
			out = append(out, a)
		}
	}
	return out
}

// Mutate applies fn to an agent under the table lock. Used by the scheduler
// to fold poll results back into the table.
func (m *Manager) Mutate(id string, fn func(*Agent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	fn(a)
	return nil
}

func (m *Manager) liveAgent(id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if a.Status == monitor.StatusStopped {
		return nil, fmt.Errorf("%w: %s", ErrTerminated, id)
	}
	return a, nil
}

// LogEvent records an event for an agent through the store.
func (m *Manager) LogEvent(ctx context.Context, a *Agent, kind string, payload any) error {
	return m.store.LogEvent(ctx, a.ID, a.Project, kind, payload)
}

// logEvent writes an event, logging and dropping on failure; persistence
// problems must not break lifecycle operations.
func (m *Manager) logEvent(ctx context.Context, a *Agent, kind string, payload any) {
	if err := m.store.LogEvent(ctx, a.ID, a.Project, kind, payload); err != nil {
		m.logger.Warn("Failed to log event",
			zap.String("agent_id", a.ID), zap.String("kind", kind), zap.Error(err))
	}
}

// saveSnapshot persists agent state, logging and dropping on failure.
func (m *Manager) saveSnapshot(ctx context.Context, a *Agent) {
	m.mu.RLock()
	snap := &store.Snapshot{
		AgentID:         a.ID,
		Project:         a.Project,
		SessionName:     a.SessionName,
		WorktreePath:    a.WorktreePath,
		BranchName:      a.BranchName,
		Status:          string(a.Status),
		Task:            a.Task,
		Profile:         a.Profile,
		CreatedAt:       a.CreatedAt,
		LastActivity:    a.LastActivity,
		LastOutput:      a.LastOutput,
		LastResponse:    a.LastResponse,
		LastUserMessage: a.LastUserMessage,
		SubAgentCount:   a.SubAgentCount,
		Parked:          a.Parked,
	}
	m.mu.RUnlock()

	if err := m.store.SaveSnapshot(ctx, snap); err != nil {
		m.logger.Warn("Failed to save snapshot", zap.String("agent_id", a.ID), zap.Error(err))
	}
}

// SaveSnapshot persists the current state of one agent.
func (m *Manager) SaveSnapshot(ctx context.Context, id string) {
	m.mu.RLock()
	a, ok := m.agents[id]
	m.mu.RUnlock()
	if ok {
		m.saveSnapshot(ctx, a)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
