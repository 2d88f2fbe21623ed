package agent

import "errors"

var (
	// ErrNotFound indicates no agent with the given id exists.
	ErrNotFound = errors.New("agent not found")

	// ErrTerminated indicates the agent has already stopped.
	ErrTerminated = errors.New("agent is stopped")

	// ErrAgentLimit indicates the project's agent cap is reached.
	ErrAgentLimit = errors.New("agent limit reached for project")

	// ErrProjectNotFound indicates the project is not configured.
	ErrProjectNotFound = errors.New("project not found")

	// ErrProfileNotFound indicates the requested profile is not configured.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrUnknownControl indicates an unrecognized control action.
	ErrUnknownControl = errors.New("unknown control action")
)
