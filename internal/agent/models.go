// Package agent owns the in-memory agent table and the lifecycle
// operations over it: spawn, kill, restart, messaging, and control.
package agent

import (
	"time"

	"github.com/agentforge/agentforge/internal/monitor"
)

// Agent is one live (or recently stopped) Claude Code instance.
type Agent struct {
	ID           string         `json:"id"`
	Project      string         `json:"project"`
	SessionName  string         `json:"session_name"`
	WorktreePath string         `json:"worktree_path"`
	BranchName   string         `json:"branch_name"`
	Status       monitor.Status `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActivity time.Time      `json:"last_activity"`
	Task         string         `json:"task"`
	Profile      string         `json:"profile,omitempty"`

	// SubAgentCount tracks nested Task-tool agents via workspace hooks.
	SubAgentCount int `json:"sub_agent_count"`

	// NeedsAttention flags states a human should look at; Parked mutes that
	// flag until the next attention-worthy transition.
	NeedsAttention bool `json:"needs_attention"`
	Parked         bool `json:"parked"`

	LastOutput      string `json:"-"`
	LastResponse    string `json:"last_response,omitempty"`
	LastUserMessage string `json:"last_user_message,omitempty"`

	// OutputLogPath is the pipe-pane log; LastRelayOffset is how far of it
	// has already been relayed to chat channels.
	OutputLogPath   string `json:"-"`
	LastRelayOffset int64  `json:"-"`
}

// clone returns a copy safe to hand outside the manager's lock.
func (a *Agent) clone() *Agent {
	c := *a
	return &c
}

// ControlAction is the closed set of control verbs accepted by SendControl.
type ControlAction string

const (
	ControlApprove     ControlAction = "approve"
	ControlAlwaysAllow ControlAction = "always_allow"
	ControlReject      ControlAction = "reject"
	ControlInterrupt   ControlAction = "interrupt"
	ControlRestart     ControlAction = "restart"
	ControlUp          ControlAction = "up"
	ControlDown        ControlAction = "down"
	ControlLeft        ControlAction = "left"
	ControlRight       ControlAction = "right"
	ControlEnter       ControlAction = "enter"
	ControlEscape      ControlAction = "escape"
	ControlTab         ControlAction = "tab"
)

// HookEvent is a sub-agent lifecycle callback from a workspace hook.
type HookEvent string

const (
	HookSubagentStart HookEvent = "SubagentStart"
	HookSubagentStop  HookEvent = "SubagentStop"
)
