// Package monitor infers agent status from terminal output and extracts
// human-readable excerpts (prompts, activity summaries, responses) from it.
package monitor

// Status is the closed set of agent states.
type Status string

const (
	StatusStarting     Status = "starting"
	StatusWorking      Status = "working"
	StatusIdle         Status = "idle"
	StatusWaitingInput Status = "waiting_input"
	StatusError        Status = "error"
	StatusStopped      Status = "stopped"
)

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusStarting, StatusWorking, StatusIdle, StatusWaitingInput, StatusError, StatusStopped:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusStopped
}

// NeedsAttention reports whether the state should flag the agent for a human.
func (s Status) NeedsAttention() bool {
	switch s {
	case StatusIdle, StatusWaitingInput, StatusError:
		return true
	}
	return false
}
