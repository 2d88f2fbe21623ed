package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/agentforge/internal/agent"
	"github.com/agentforge/agentforge/internal/common/config"
	"github.com/agentforge/agentforge/internal/common/logger"
	"github.com/agentforge/agentforge/internal/events/bus"
	"github.com/agentforge/agentforge/internal/monitor"
	"github.com/agentforge/agentforge/internal/store"
	"github.com/agentforge/agentforge/internal/tmux"
	"github.com/agentforge/agentforge/internal/workspace"
)

type fakeSessions struct {
	mu      sync.Mutex
	live    map[string]bool
	screens map[string]string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{live: make(map[string]bool), screens: make(map[string]string)}
}

func (f *fakeSessions) setScreen(name, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.screens[name] = content
}

func (f *fakeSessions) CreateSession(_ context.Context, name, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[name] = true
	return nil
}

func (f *fakeSessions) HasSession(_ context.Context, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[name]
}

func (f *fakeSessions) KillSession(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, name)
	return nil
}

func (f *fakeSessions) ListManagedSessions(context.Context) ([]tmux.Session, error) {
	return nil, nil
}

func (f *fakeSessions) SendText(_ context.Context, name, _ string) error {
	if !f.HasSession(context.Background(), name) {
		return fmt.Errorf("no session %s", name)
	}
	return nil
}

func (f *fakeSessions) SendEnter(context.Context, string) error { return nil }

func (f *fakeSessions) SendKeys(context.Context, string, ...tmux.ControlKey) error { return nil }

func (f *fakeSessions) SendLiteralKey(context.Context, string, string) error { return nil }

func (f *fakeSessions) Capture(_ context.Context, name string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.screens[name], nil
}

func (f *fakeSessions) PipePane(context.Context, string, string) error { return nil }

func (f *fakeSessions) ClosePipePane(context.Context, string) error { return nil }

type fakeWorkspaces struct{}

func (fakeWorkspaces) Provision(_ context.Context, req workspace.Request) (*workspace.Workspace, error) {
	return &workspace.Workspace{
		Path:       "/tmp/sched/" + req.AgentID,
		BranchName: workspace.BranchName(req.BranchPrefix, req.AgentID, req.Task),
	}, nil
}

func (fakeWorkspaces) Teardown(context.Context, string, *workspace.Workspace) error { return nil }

type fakeStore struct {
	mu        sync.Mutex
	events    []store.Event
	snapshots map[string]store.Snapshot
}

func newFakeStore() *fakeStore {
	return &fakeStore{snapshots: make(map[string]store.Snapshot)}
}

func (f *fakeStore) LogEvent(_ context.Context, agentID, project, kind string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, store.Event{AgentID: agentID, Project: project, Kind: kind})
	return nil
}

func (f *fakeStore) SaveSnapshot(_ context.Context, snap *store.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[snap.AgentID] = *snap
	return nil
}

func (f *fakeStore) LoadActiveSnapshots(context.Context) ([]store.Snapshot, error) {
	return nil, nil
}

func (f *fakeStore) DeleteSnapshot(_ context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.snapshots, agentID)
	return nil
}

func (f *fakeStore) kinds(agentID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.events {
		if e.AgentID == agentID {
			out = append(out, e.Kind)
		}
	}
	return out
}

type notification struct {
	kind    string
	agentID string
	detail  string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notification
}

func (f *fakeNotifier) record(kind, id, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, notification{kind, id, detail})
}

func (f *fakeNotifier) AgentWaitingInput(_ context.Context, a *agent.Agent, prompt string) {
	f.record("waiting_input", a.ID, prompt)
}

func (f *fakeNotifier) AgentIdle(_ context.Context, a *agent.Agent, response string) {
	f.record("idle", a.ID, response)
}

func (f *fakeNotifier) AgentError(_ context.Context, a *agent.Agent, excerpt string) {
	f.record("error", a.ID, excerpt)
}

func (f *fakeNotifier) AgentStopped(_ context.Context, a *agent.Agent) {
	f.record("stopped", a.ID, "")
}

func (f *fakeNotifier) ofKind(kind string) []notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []notification
	for _, n := range f.calls {
		if n.kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		Defaults: config.DefaultsConfig{
			MaxAgentsPerProject: 5,
			ClaudeCommand:       "claude",
			BranchPrefix:        "agent",
			PollIntervalSeconds: 0.01,
		},
		Projects: map[string]config.ProjectConfig{
			"webapp": {Path: "/tmp/webapp", DefaultBranch: "main"},
		},
	}
}

type harness struct {
	sched    *Scheduler
	manager  *agent.Manager
	sessions *fakeSessions
	store    *fakeStore
	notifier *fakeNotifier
	bus      bus.EventBus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	sessions := newFakeSessions()
	st := newFakeStore()
	notifier := &fakeNotifier{}
	eb := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eb.Close)

	reg := config.NewStaticRegistry(testConfig())
	m := agent.NewManager(reg, sessions, fakeWorkspaces{}, st,
		monitor.MustDefaultEngine(), logger.Default())
	s := New(m, sessions, monitor.MustDefaultEngine(), reg, eb, notifier, logger.Default())
	return &harness{sched: s, manager: m, sessions: sessions, store: st, notifier: notifier, bus: eb}
}

func (h *harness) spawn(t *testing.T) *agent.Agent {
	t.Helper()
	a, err := h.manager.Spawn(context.Background(), "webapp", "fix the bug", agent.SpawnOptions{})
	require.NoError(t, err)
	return a
}

func TestPollDetectsWorking(t *testing.T) {
	h := newHarness(t)
	a := h.spawn(t)
	h.sessions.setScreen(a.SessionName, "Compiling module...\nrunning step 2\n")

	h.sched.PollAll(context.Background())

	got, err := h.manager.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, monitor.StatusWorking, got.Status)
	assert.Contains(t, h.store.kinds(a.ID), store.EventStatusChange)
}

func TestPollNotifiesOnWaitingInput(t *testing.T) {
	h := newHarness(t)
	a := h.spawn(t)
	ctx := context.Background()

	h.sessions.setScreen(a.SessionName, "working away\n")
	h.sched.PollAll(ctx)

	h.sessions.setScreen(a.SessionName, "Bash(rm -rf build)\nDo you want to proceed? (y/n)\n")
	h.sched.PollAll(ctx)

	got, err := h.manager.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, monitor.StatusWaitingInput, got.Status)
	assert.True(t, got.NeedsAttention)

	notes := h.notifier.ofKind("waiting_input")
	require.Len(t, notes, 1)
	assert.Equal(t, a.ID, notes[0].agentID)
	assert.Contains(t, notes[0].detail, "Do you want to proceed?")
}

func TestPollSuppressesDuplicateNotifications(t *testing.T) {
	h := newHarness(t)
	a := h.spawn(t)
	ctx := context.Background()

	h.sessions.setScreen(a.SessionName, "working away\n")
	h.sched.PollAll(ctx)
	h.sessions.setScreen(a.SessionName, "Do you want to proceed? (y/n)\n")

	for i := 0; i < 5; i++ {
		h.sched.PollAll(ctx)
	}
	assert.Len(t, h.notifier.ofKind("waiting_input"), 1)
}

func TestPollNotifiesAgainAfterLeavingAndRevisitingState(t *testing.T) {
	h := newHarness(t)
	a := h.spawn(t)
	ctx := context.Background()

	h.sessions.setScreen(a.SessionName, "working away\n")
	h.sched.PollAll(ctx)
	h.sessions.setScreen(a.SessionName, "Do you want to proceed? (y/n)\n")
	h.sched.PollAll(ctx)
	require.Len(t, h.notifier.ofKind("waiting_input"), 1)

	// Approval resumes work, then a second prompt appears. Each prompt is a
	// separate question and must notify separately.
	h.sessions.setScreen(a.SessionName, "approved, continuing the refactor\n")
	h.sched.PollAll(ctx)
	h.sessions.setScreen(a.SessionName, "Bash(git push)\nDo you want to proceed? (y/n)\n")
	h.sched.PollAll(ctx)

	assert.Len(t, h.notifier.ofKind("waiting_input"), 2)
}

func TestPollRelaysResponseOnIdle(t *testing.T) {
	h := newHarness(t)
	a := h.spawn(t)
	ctx := context.Background()

	h.sessions.setScreen(a.SessionName, "thinking hard about the fix\n")
	h.sched.PollAll(ctx)

	h.sessions.setScreen(a.SessionName, "⏺ I fixed the login bug by renewing the session token.\n\n> ")
	h.sched.PollAll(ctx)

	got, err := h.manager.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, monitor.StatusIdle, got.Status)
	assert.Contains(t, got.LastResponse, "renewing the session token")

	notes := h.notifier.ofKind("idle")
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].detail, "renewing the session token")
	assert.Contains(t, h.store.kinds(a.ID), store.EventAgentResponse)
}

func TestPollNotifiesOnError(t *testing.T) {
	h := newHarness(t)
	a := h.spawn(t)
	ctx := context.Background()

	h.sessions.setScreen(a.SessionName, "building\n")
	h.sched.PollAll(ctx)
	h.sessions.setScreen(a.SessionName, "Error: connection refused while pushing\n")
	h.sched.PollAll(ctx)

	got, err := h.manager.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, monitor.StatusError, got.Status)
	assert.True(t, got.NeedsAttention)
	require.Len(t, h.notifier.ofKind("error"), 1)
	assert.Contains(t, h.store.kinds(a.ID), store.EventError)
}

func TestPollMarksVanishedSessionStopped(t *testing.T) {
	h := newHarness(t)
	a := h.spawn(t)
	ctx := context.Background()

	require.NoError(t, h.sessions.KillSession(ctx, a.SessionName))
	h.sched.PollAll(ctx)

	got, err := h.manager.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, monitor.StatusStopped, got.Status)
	assert.Contains(t, h.store.kinds(a.ID), store.EventCrash)
	require.Len(t, h.notifier.ofKind("stopped"), 1)

	// Stopped agents stay out of later polls.
	h.sched.PollAll(ctx)
	assert.Len(t, h.notifier.ofKind("stopped"), 1)
}

func TestPollClearsAttentionWhenWorkingResumes(t *testing.T) {
	h := newHarness(t)
	a := h.spawn(t)
	ctx := context.Background()

	h.sessions.setScreen(a.SessionName, "Do you want to proceed? (y/n)\n")
	h.sched.PollAll(ctx)
	got, err := h.manager.Get(a.ID)
	require.NoError(t, err)
	require.True(t, got.NeedsAttention)

	h.sessions.setScreen(a.SessionName, "tool approved, resuming the refactor\n")
	h.sched.PollAll(ctx)
	got, err = h.manager.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, monitor.StatusWorking, got.Status)
	assert.False(t, got.NeedsAttention)
}

func TestParkedAgentIsNotNotified(t *testing.T) {
	h := newHarness(t)
	a := h.spawn(t)
	ctx := context.Background()

	require.NoError(t, h.manager.Park(a.ID, true))
	h.sessions.setScreen(a.SessionName, "working\n")
	h.sched.PollAll(ctx)
	h.sessions.setScreen(a.SessionName, "Do you want to proceed? (y/n)\n")
	h.sched.PollAll(ctx)

	got, err := h.manager.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, monitor.StatusWaitingInput, got.Status)
	assert.False(t, got.NeedsAttention)
	assert.Empty(t, h.notifier.ofKind("waiting_input"))
}

func TestPollAlwaysSavesSnapshot(t *testing.T) {
	h := newHarness(t)
	a := h.spawn(t)
	ctx := context.Background()

	h.sessions.setScreen(a.SessionName, "steady output\n")
	h.sched.PollAll(ctx)
	h.sched.PollAll(ctx)

	h.store.mu.Lock()
	snap, ok := h.store.snapshots[a.ID]
	h.store.mu.Unlock()
	require.True(t, ok)
	assert.NotEmpty(t, snap.Status)
}
