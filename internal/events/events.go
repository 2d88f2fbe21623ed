// Package events defines the bus subjects shared by producers and consumers.
package events

// Subjects published by the scheduler and agent manager. Per-agent status
// changes go to agent.status.{id}; consumers that want everything subscribe
// with a wildcard.
const (
	AgentUpdate       = "agent.update"
	AgentStatusPrefix = "agent.status."
	AgentResponse     = "agent.response"
	MetricsUpdate     = "metrics.update"
)

// AgentStatusSubject returns the per-agent status subject.
func AgentStatusSubject(agentID string) string {
	return AgentStatusPrefix + agentID
}
