package tmux

import "errors"

var (
	// ErrCommandFailed indicates tmux exited non-zero.
	ErrCommandFailed = errors.New("tmux command failed")

	// ErrTimeout indicates a tmux invocation exceeded its deadline.
	ErrTimeout = errors.New("tmux command timed out")
)
