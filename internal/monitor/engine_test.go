package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectInputPrompt(t *testing.T) {
	e := MustDefaultEngine()

	tests := []struct {
		name   string
		output string
	}{
		{"do you want", "Editing main.go\nDo you want to make this edit?\n1. Yes\n2. No"},
		{"bracket yn", "Overwrite file? [y/n]"},
		{"allow", "Allow Bash(git push) for this session?"},
		{"yes no", "Continue? (y/n)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, StatusWaitingInput, e.Detect(tt.output, "", StatusWorking))
		})
	}
}

func TestDetectInputBeatsError(t *testing.T) {
	e := MustDefaultEngine()
	out := "Error: push rejected\nDo you want to force push? [y/n]"
	assert.Equal(t, StatusWaitingInput, e.Detect(out, "", StatusWorking))
}

func TestDetectError(t *testing.T) {
	e := MustDefaultEngine()
	assert.Equal(t, StatusError, e.Detect("fatal: not a git repository", "", StatusWorking))
	assert.Equal(t, StatusError, e.Detect("Error: cannot resolve module", "", StatusWorking))
	assert.Equal(t, StatusError, e.Detect("3 tests FAILED", "", StatusWorking))
}

func TestDetectIdlePromptOnChangedOutput(t *testing.T) {
	// A capture that changed but settled at the prompt is idle, not working.
	e := MustDefaultEngine()
	out := "Done. All tests pass.\n\n> "
	assert.Equal(t, StatusIdle, e.Detect(out, "compiling...", StatusWorking))
}

func TestDetectShellPromptIdle(t *testing.T) {
	e := MustDefaultEngine()
	assert.Equal(t, StatusIdle, e.Detect("make: done\nuser@host:~/src$ ", "", StatusWorking))
}

func TestDetectChangedOutputWorking(t *testing.T) {
	e := MustDefaultEngine()
	assert.Equal(t, StatusWorking, e.Detect("compiling pkg/foo...", "compiling pkg/bar...", StatusIdle))
}

func TestDetectUnchangedRetainsPrior(t *testing.T) {
	e := MustDefaultEngine()
	out := "still running the build"
	assert.Equal(t, StatusWorking, e.Detect(out, out, StatusWorking))
}

func TestDetectUnchangedNoPriorIsIdle(t *testing.T) {
	e := MustDefaultEngine()
	out := "no prompt here"
	assert.Equal(t, StatusIdle, e.Detect(out, out, ""))
	assert.Equal(t, StatusIdle, e.Detect(out, out, StatusStarting))
}

func TestDetectEmptyOutputIdle(t *testing.T) {
	e := MustDefaultEngine()
	assert.Equal(t, StatusIdle, e.Detect("", "previous", StatusWorking))
}

func TestDetectTrailingBlankLinesNotAChange(t *testing.T) {
	e := MustDefaultEngine()
	assert.Equal(t, StatusWorking, e.Detect("building\n\n\n", "building", StatusWorking))
}

func TestDetectOnlyInspectsTail(t *testing.T) {
	e := MustDefaultEngine()
	// An old error scrolled far back should not pin the agent in error state.
	old := "Error: transient\n"
	padding := ""
	for i := 0; i < 300; i++ {
		padding += "progress line with ordinary text\n"
	}
	out := old + padding
	assert.Equal(t, StatusWorking, e.Detect(out, "different", StatusIdle))
}

func TestNewEngineRejectsBadPattern(t *testing.T) {
	_, err := NewEngine(Rules{InputPatterns: []string{"(unclosed"}})
	require.Error(t, err)
}

func TestNewEngineOverrides(t *testing.T) {
	e, err := NewEngine(Rules{ErrorPatterns: []string{`\bpanic:`}})
	require.NoError(t, err)
	assert.Equal(t, StatusError, e.Detect("panic: nil deref", "", StatusWorking))
	// Default error patterns are replaced, not merged.
	assert.Equal(t, StatusWorking, e.Detect("Error: ignored now", "x", StatusIdle))
}

func TestStatusHelpers(t *testing.T) {
	assert.True(t, StatusWaitingInput.NeedsAttention())
	assert.True(t, StatusError.NeedsAttention())
	assert.True(t, StatusIdle.NeedsAttention())
	assert.False(t, StatusWorking.NeedsAttention())
	assert.True(t, StatusStopped.Terminal())
	assert.False(t, StatusWorking.Terminal())
	assert.True(t, StatusWorking.Valid())
	assert.False(t, Status("zombie").Valid())
}
