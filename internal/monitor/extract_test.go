package monitor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripANSI(t *testing.T) {
	assert.Equal(t, "hello world", StripANSI("\x1b[1;32mhello\x1b[0m world"))
	assert.Equal(t, "plain", StripANSI("plain"))
	assert.Equal(t, "title", StripANSI("\x1b]0;ignored\x07title"))
}

func TestExtractPromptText(t *testing.T) {
	e := MustDefaultEngine()

	out := strings.Join([]string{
		"Running task",
		"About to edit src/auth.go",
		"This will change the login flow",
		"Do you want to make this edit? [y/n]",
		"",
	}, "\n")

	got := e.ExtractPromptText(out)
	require.NotEmpty(t, got)
	assert.Contains(t, got, "Do you want to make this edit?")
	assert.Contains(t, got, "About to edit src/auth.go")
}

func TestExtractPromptTextNoMatch(t *testing.T) {
	e := MustDefaultEngine()
	assert.Empty(t, e.ExtractPromptText("just some build output\nmore output"))
	assert.Empty(t, e.ExtractPromptText(""))
}

func TestExtractActivitySummary(t *testing.T) {
	out := strings.Join([]string{
		"⠋ spinner line",
		"────────────────",
		"Compiled package internal/store",
		"Ran 14 tests, all passing",
		"> ",
	}, "\n")

	got := ExtractActivitySummary(out)
	assert.Contains(t, got, "Compiled package internal/store")
	assert.Contains(t, got, "Ran 14 tests, all passing")
	assert.NotContains(t, got, "spinner")
	assert.NotContains(t, got, "────")
}

func TestExtractActivitySummaryEmpty(t *testing.T) {
	assert.Empty(t, ExtractActivitySummary(""))
	assert.Empty(t, ExtractActivitySummary("   \n  \n"))
}

func TestExtractActivitySummaryTruncatesLines(t *testing.T) {
	long := strings.Repeat("abcdefghij", 30)
	got := ExtractActivitySummary(long)
	require.NotEmpty(t, got)
	assert.LessOrEqual(t, len(got), 120)
}

func TestExtractResponseBlock(t *testing.T) {
	out := strings.Join([]string{
		"Bash(go test ./...)",
		"⎿ ok github.com/example/pkg 0.31s",
		"⏺ I fixed the login bug by correcting the session",
		"expiry check in auth.go. All tests pass now.",
		"",
	}, "\n")

	got := ExtractResponse(out)
	assert.Contains(t, got, "I fixed the login bug")
	assert.Contains(t, got, "All tests pass now.")
	assert.NotContains(t, got, "go test")
	assert.NotContains(t, got, "⎿")
}

func TestExtractResponseStopsAtNextToolCall(t *testing.T) {
	out := strings.Join([]string{
		"⏺ Here is my summary of the change.",
		"It touches two files.",
		"Bash(git status)",
		"⎿ clean",
	}, "\n")

	got := ExtractResponse(out)
	assert.Contains(t, got, "Here is my summary")
	assert.Contains(t, got, "It touches two files.")
	assert.NotContains(t, got, "git status")
}

func TestExtractResponseFallbackTail(t *testing.T) {
	out := strings.Join([]string{
		"Edit(src/main.go)",
		"⎿ applied",
		"Finished applying the requested refactor across the module.",
		"The public API is unchanged and callers need no updates at all.",
	}, "\n")

	got := ExtractResponse(out)
	assert.Contains(t, got, "Finished applying the requested refactor")
	assert.NotContains(t, got, "applied")
}

func TestExtractResponseEmpty(t *testing.T) {
	assert.Empty(t, ExtractResponse(""))
	assert.Empty(t, ExtractResponse("⠋\n────────\n> "))
}

func TestDedupConsecutive(t *testing.T) {
	in := []string{"a line here", "a line here", "next line now", "a line here"}
	out := dedupConsecutive(in)
	assert.Equal(t, []string{"a line here", "next line now", "a line here"}, out)
}

func TestStripToolBlocks(t *testing.T) {
	in := []string{
		"intro text before",
		"Bash(ls -la)",
		"⎿ total 12",
		"⎿ drwxr-xr-x",
		"conclusion text after",
	}
	out := stripToolBlocks(in)
	assert.Equal(t, []string{"intro text before", "conclusion text after"}, out)
}
