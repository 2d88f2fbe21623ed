package store

import "time"

// Event kinds recorded in the events log.
const (
	EventSpawned       = "spawned"
	EventKilled        = "killed"
	EventRestarted     = "restarted"
	EventStatusChange  = "status_change"
	EventUserMessage   = "user_message"
	EventAgentResponse = "agent_response"
	EventWaitingInput  = "waiting_input"
	EventSubagentStart = "subagent_start"
	EventSubagentStop  = "subagent_stop"
	EventError         = "error"
	EventCrash         = "crash"
	EventPowerRecovery = "power_recovery"
)

// Event is one append-only row in the events log.
type Event struct {
	ID        int64     `db:"id" json:"id"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
	AgentID   string    `db:"agent_id" json:"agent_id"`
	Project   string    `db:"project_name" json:"project"`
	Kind      string    `db:"event_type" json:"event_type"`
	Payload   string    `db:"payload" json:"payload,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Snapshot is the durable per-agent state used for recovery after restarts.
type Snapshot struct {
	AgentID         string    `db:"agent_id" json:"agent_id"`
	Project         string    `db:"project_name" json:"project"`
	SessionName     string    `db:"session_name" json:"session_name"`
	WorktreePath    string    `db:"worktree_path" json:"worktree_path"`
	BranchName      string    `db:"branch_name" json:"branch_name"`
	Status          string    `db:"status" json:"status"`
	Task            string    `db:"task_description" json:"task"`
	Profile         string    `db:"profile" json:"profile,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	LastActivity    time.Time `db:"last_activity" json:"last_activity"`
	LastOutput      string    `db:"last_output" json:"last_output,omitempty"`
	LastResponse    string    `db:"last_response" json:"last_response,omitempty"`
	LastUserMessage string    `db:"last_user_message" json:"last_user_message,omitempty"`
	SubAgentCount   int       `db:"sub_agent_count" json:"sub_agent_count"`
	Parked          bool      `db:"parked" json:"parked"`
}

// EventFilter narrows RecentEvents queries. Zero values mean "any".
type EventFilter struct {
	AgentID string
	Project string
	Kind    string
}
