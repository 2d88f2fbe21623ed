package workspace

import "errors"

var (
	// ErrNotGitRepo indicates the project path is not a git repository.
	ErrNotGitRepo = errors.New("project path is not a git repository")

	// ErrGitCommandFailed indicates a git subprocess exited non-zero.
	ErrGitCommandFailed = errors.New("git command failed")
)
