package workspace

import (
	"regexp"
	"strings"
)

var (
	nonBranchChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)
	dashRuns       = regexp.MustCompile(`-+`)
)

// maxSlugLen caps the task slug used in branch names.
const maxSlugLen = 50

// Slug sanitizes free text for use in a git branch name: lower-cased,
// non-alphanumerics replaced with dashes, runs collapsed, length-capped.
// Empty input yields "task".
func Slug(text string) string {
	s := nonBranchChars.ReplaceAllString(strings.ToLower(text), "-")
	s = dashRuns.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > maxSlugLen {
		s = strings.Trim(s[:maxSlugLen], "-")
	}
	if s == "" {
		return "task"
	}
	return s
}

// BranchName builds the canonical agent branch name.
func BranchName(prefix, agentID, task string) string {
	if prefix == "" {
		prefix = "agent"
	}
	return prefix + "/" + agentID + "/" + Slug(task)
}
