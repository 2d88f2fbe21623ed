package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "forge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLogEventAndQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.LogEvent(ctx, "a1b2c3", "webapp", EventSpawned, map[string]string{"task": "fix login"}))
	require.NoError(t, s.LogEvent(ctx, "a1b2c3", "webapp", EventStatusChange, "working"))
	require.NoError(t, s.LogEvent(ctx, "d4e5f6", "api", EventSpawned, nil))

	events, err := s.RecentEvents(ctx, EventFilter{AgentID: "a1b2c3"}, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	// Newest first
	assert.Equal(t, EventStatusChange, events[0].Kind)
	assert.Equal(t, EventSpawned, events[1].Kind)
	assert.Contains(t, events[1].Payload, "fix login")

	events, err = s.RecentEvents(ctx, EventFilter{Project: "api"}, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "d4e5f6", events[0].AgentID)

	events, err = s.RecentEvents(ctx, EventFilter{Kind: EventSpawned}, 10)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestRecentEventsLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.LogEvent(ctx, "a1b2c3", "webapp", EventStatusChange, nil))
	}

	events, err := s.RecentEvents(ctx, EventFilter{}, 3)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	snap := &Snapshot{
		AgentID:      "a1b2c3",
		Project:      "webapp",
		SessionName:  "forge__webapp__a1b2c3",
		WorktreePath: "/work/webapp/.worktrees/a1b2c3",
		BranchName:   "agent/a1b2c3/fix-login",
		Status:       "working",
		Task:         "fix login",
		CreatedAt:    now,
		LastActivity: now,
		LastOutput:   "some output",
	}
	require.NoError(t, s.SaveSnapshot(ctx, snap))

	snaps, err := s.LoadSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "a1b2c3", snaps[0].AgentID)
	assert.Equal(t, "working", snaps[0].Status)
	assert.Equal(t, "some output", snaps[0].LastOutput)
}

func TestSnapshotSchemaHasRecoveryColumns(t *testing.T) {
	s := newTestStore(t)

	var cols []string
	require.NoError(t, s.db.Select(&cols, `SELECT name FROM pragma_table_info('agent_snapshots')`))
	for _, want := range []string{"profile", "last_response", "last_user_message", "sub_agent_count", "parked"} {
		assert.Contains(t, cols, want)
	}
}

func TestSnapshotPersistsRecoveryFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	snap := &Snapshot{
		AgentID:         "a1b2c3",
		Project:         "webapp",
		SessionName:     "forge__webapp__a1b2c3",
		WorktreePath:    "/work/webapp/.worktrees/a1b2c3",
		BranchName:      "agent/a1b2c3/fix-login",
		Status:          "idle",
		Task:            "fix login",
		Profile:         "reviewer",
		CreatedAt:       now,
		LastActivity:    now,
		LastResponse:    "done, see the diff",
		LastUserMessage: "fix the login page",
		SubAgentCount:   2,
		Parked:          true,
	}
	require.NoError(t, s.SaveSnapshot(ctx, snap))

	snaps, err := s.LoadActiveSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "reviewer", snaps[0].Profile)
	assert.Equal(t, "done, see the diff", snaps[0].LastResponse)
	assert.Equal(t, "fix the login page", snaps[0].LastUserMessage)
	assert.Equal(t, 2, snaps[0].SubAgentCount)
	assert.True(t, snaps[0].Parked)
}

func TestSaveSnapshotUpsertsAndTruncates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	snap := &Snapshot{
		AgentID:      "a1b2c3",
		Project:      "webapp",
		SessionName:  "forge__webapp__a1b2c3",
		WorktreePath: "/w",
		BranchName:   "agent/a1b2c3/t",
		Status:       "working",
		CreatedAt:    now,
		LastActivity: now,
		LastOutput:   strings.Repeat("x", snapshotOutputCap+1000),
	}
	require.NoError(t, s.SaveSnapshot(ctx, snap))

	snap.Status = "idle"
	require.NoError(t, s.SaveSnapshot(ctx, snap))

	snaps, err := s.LoadSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "idle", snaps[0].Status)
	assert.Len(t, snaps[0].LastOutput, snapshotOutputCap)
}

func TestLoadActiveSnapshotsExcludesStopped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for id, status := range map[string]string{"a1b2c3": "working", "d4e5f6": "stopped"} {
		require.NoError(t, s.SaveSnapshot(ctx, &Snapshot{
			AgentID: id, Project: "webapp", SessionName: "forge__webapp__" + id,
			WorktreePath: "/w", BranchName: "b", Status: status,
			CreatedAt: now, LastActivity: now,
		}))
	}

	snaps, err := s.LoadActiveSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "a1b2c3", snaps[0].AgentID)
}

func TestDeleteSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.SaveSnapshot(ctx, &Snapshot{
		AgentID: "a1b2c3", Project: "webapp", SessionName: "s",
		WorktreePath: "/w", BranchName: "b", Status: "idle",
		CreatedAt: now, LastActivity: now,
	}))
	require.NoError(t, s.DeleteSnapshot(context.Background(), "a1b2c3"))

	snaps, err := s.LoadSnapshots(ctx)
	require.NoError(t, err)
	assert.Empty(t, snaps)

	// Deleting again is a no-op
	require.NoError(t, s.DeleteSnapshot(ctx, "a1b2c3"))
}
