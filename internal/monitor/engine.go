package monitor

import (
	"regexp"
	"strings"
)

// detectTail bounds how much trailing output the pattern rules inspect.
const detectTail = 2000

// Default rule patterns. Tuned against Claude Code's permission prompts and
// shell prompts; overridable through the monitor config section.
var (
	defaultInputPatterns = []string{
		`(?i)\bAllow\b`,
		`\bY/n\b`,
		`\by/N\b`,
		`(?i)\byes/no\b`,
		`(?i)\bDo you want\b`,
		`(?i)\[y/n\]`,
		`(?i)\(y/n\)`,
	}
	defaultErrorPatterns = []string{
		`(?i)\bError:`,
		`(?i)\bfatal:`,
		`\bFAILED\b`,
	}
	defaultIdlePatterns = []string{
		`[>❯]\s*$`,
		`\$\s*$`,
	}
)

// Engine classifies terminal output into a Status by running ordered rule
// lists. Detection is pure: the same inputs always yield the same answer.
type Engine struct {
	inputRules []*regexp.Regexp
	errorRules []*regexp.Regexp
	idleRules  []*regexp.Regexp
}

// Rules carries pattern overrides. Empty lists keep the defaults.
type Rules struct {
	InputPatterns []string
	ErrorPatterns []string
	IdlePatterns  []string
}

// NewEngine compiles the rule lists. Invalid override patterns are reported
// rather than silently skipped so a bad config is caught at load time.
func NewEngine(rules Rules) (*Engine, error) {
	e := &Engine{}
	var err error
	if e.inputRules, err = compileAll(pick(rules.InputPatterns, defaultInputPatterns)); err != nil {
		return nil, err
	}
	if e.errorRules, err = compileAll(pick(rules.ErrorPatterns, defaultErrorPatterns)); err != nil {
		return nil, err
	}
	if e.idleRules, err = compileAll(pick(rules.IdlePatterns, defaultIdlePatterns)); err != nil {
		return nil, err
	}
	return e, nil
}

// MustDefaultEngine returns an engine with the built-in rules.
func MustDefaultEngine() *Engine {
	e, err := NewEngine(Rules{})
	if err != nil {
		panic(err)
	}
	return e
}

func pick(override, fallback []string) []string {
	if len(override) > 0 {
		return override
	}
	return fallback
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// Detect classifies a capture. Rules run in priority order:
//
//  1. input prompt anywhere in the tail     -> waiting_input
//  2. error indicator anywhere in the tail  -> error
//  3. idle prompt on the last non-blank line -> idle
//  4. output changed since last poll        -> working
//  5. unchanged                             -> prior status (idle when unknown)
//
// An idle prompt wins over a change so a fresh capture that settled at the
// prompt does not flap through working first.
func (e *Engine) Detect(output, previous string, prior Status) Status {
	if output == "" {
		return StatusIdle
	}

	tail := output
	if len(tail) > detectTail {
		tail = tail[len(tail)-detectTail:]
	}

	for _, re := range e.inputRules {
		if re.MatchString(tail) {
			return StatusWaitingInput
		}
	}

	for _, re := range e.errorRules {
		if re.MatchString(tail) {
			return StatusError
		}
	}

	if last := lastNonBlankLine(tail); last != "" {
		for _, re := range e.idleRules {
			if re.MatchString(last) {
				return StatusIdle
			}
		}
	}

	if normalizeCapture(output) != normalizeCapture(previous) {
		return StatusWorking
	}

	if prior == "" || prior == StatusStarting || !prior.Valid() {
		return StatusIdle
	}
	return prior
}

// lastNonBlankLine returns the final line of s that has visible content.
func lastNonBlankLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return lines[i]
		}
	}
	return ""
}

// normalizeCapture trims trailing blank lines so pane height differences do
// not register as output changes.
func normalizeCapture(s string) string {
	return strings.TrimRight(s, " \t\n")
}
