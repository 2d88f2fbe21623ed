package monitor

import (
	"regexp"
	"strings"
)

var ansiRe = regexp.MustCompile(
	"\x1b" +
		`(?:` +
		`\[[0-9;?]*[a-zA-Z]` + // CSI sequences (including DEC private modes)
		"|\\][^\x07]*\x07" + // OSC terminated by BEL
		"|\\][^\x1b]*\x1b\\\\" + // OSC terminated by ST
		`|[()#][0-9a-zA-Z]` + // character set / line attrs
		`|[a-zA-Z><=]` + // simple ESC sequences
		`)`,
)

// noiseRe drops prompt chrome, spinners, separators, and Claude Code UI
// lines before summarising or relaying output.
var noiseRe = regexp.MustCompile(
	`^\s*[>❯$#]\s*$` +
		`|^\s*[⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏⣾⣽⣻⢿⡿⣟⣯⣷]` +
		`|^\s*[|/\-\\]\s\S.{0,30}$` +
		`|^[\s─━=~_*]{6,}$` +
		`|^[\s\-]{6,}$` +
		`|^\s*⏵` +
		`|^\s*[❯>]\s+\S` +
		`|^\s*[✢-✿]` +
		`|^.*\bChannelling\b` +
		`|^\s*⏺\s*$` +
		`|^\s*[·.…↑↓←→]+\s*$` +
		`|^\s*·\s+\S+…\s*$` +
		`|^\s*\S{1,4}\s*$` +
		`|^\s*\w+…\s*$` +
		`|^\s*\w*\(thinking\)\s*$` +
		`|^\s*Thinking\.*\s*$` +
		`|^\s*claude-\S+\s*$` +
		`|^\s*\d+[,.]?\d*\s*tokens?\s*$` +
		`|^\s*⎿` +
		`|^\s*…\s*\+\d+\s+lines?\s*\(ctrl\+o` +
		`|^(?:Bash|Read|Edit|Write|Grep|Glob|Task|MultiEdit|NotebookEdit|WebFetch|WebSearch|AskUser|Skill|EnterPlan|ExitPlan)\(` +
		`|^(?:diff --git |index [0-9a-f]+\.\.[0-9a-f]+|--- a/|\+\+\+ b/)` +
		`|^\s*remote:\s` +
		`|^\s*\[[\w/.:-]+\s+[0-9a-f]{7,}\]`,
)

var (
	blockMarkerRe = regexp.MustCompile(`^\s*⏺\s?`)
	toolHeaderRe  = regexp.MustCompile(`^(?:Bash|Read|Edit|Write|Grep|Glob|Task|MultiEdit|NotebookEdit|WebFetch|WebSearch|AskUser|Skill|EnterPlan|ExitPlan)\(`)
	toolOutputRe  = regexp.MustCompile(`^\s*⎿`)
	expandHintRe  = regexp.MustCompile(`^…\s*\+\d+\s+lines.*ctrl\+o`)
)

// StripANSI removes terminal escape sequences.
func StripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

// ExtractPromptText pulls the question an agent is asking out of raw
// terminal output: the last line matching an input rule plus up to three
// lines of context before it.
func (e *Engine) ExtractPromptText(output string) string {
	if output == "" {
		return ""
	}

	cleaned := StripANSI(output)
	lines := strings.Split(strings.TrimRight(cleaned, " \t\n"), "\n")
	if len(lines) == 0 {
		return ""
	}

	if len(lines) > 30 {
		lines = lines[len(lines)-30:]
	}

	matchIdx := -1
search:
	for i := len(lines) - 1; i >= 0; i-- {
		for _, re := range e.inputRules {
			if re.MatchString(lines[i]) {
				matchIdx = i
				break search
			}
		}
	}
	if matchIdx < 0 {
		return ""
	}

	start := matchIdx - 3
	if start < 0 {
		start = 0
	}
	context := lines[start : matchIdx+1]
	for len(context) > 0 && strings.TrimSpace(context[0]) == "" {
		context = context[1:]
	}
	return strings.Join(context, "\n")
}

// ExtractActivitySummary returns the last few meaningful lines of output,
// stripped of ANSI codes and terminal noise, for status notifications.
func ExtractActivitySummary(output string) string {
	if strings.TrimSpace(output) == "" {
		return ""
	}

	cleaned := StripANSI(output)
	var lines []string
	for _, ln := range strings.Split(cleaned, "\n") {
		if strings.TrimSpace(ln) != "" {
			lines = append(lines, ln)
		}
	}
	if len(lines) > 40 {
		lines = lines[len(lines)-40:]
	}

	var meaningful []string
	for _, ln := range lines {
		if !noiseRe.MatchString(ln) {
			meaningful = append(meaningful, ln)
		}
	}
	if len(meaningful) == 0 {
		return ""
	}
	if len(meaningful) > 15 {
		meaningful = meaningful[len(meaningful)-15:]
	}
	for i, ln := range meaningful {
		meaningful[i] = truncateLine(ln, 120)
	}
	return strings.Join(meaningful, "\n")
}

// ExtractResponse recovers the agent's final message to the user from raw
// terminal output. It looks for the last ⏺-marked text block that is not a
// tool call; failing that, it falls back to the last 30 meaningful lines.
func ExtractResponse(raw string) string {
	cleaned := StripANSI(raw)
	var lines []string
	for _, ln := range strings.Split(cleaned, "\n") {
		if strings.TrimSpace(ln) != "" {
			lines = append(lines, ln)
		}
	}

	// Block-based extraction: find the last ⏺ text block that is not a
	// tool invocation.
	lastStart := -1
	for i := len(lines) - 1; i >= 0; i-- {
		stripped := strings.TrimSpace(lines[i])
		if blockMarkerRe.MatchString(stripped) {
			after := strings.TrimSpace(blockMarkerRe.ReplaceAllString(stripped, ""))
			if after != "" && !toolHeaderRe.MatchString(after) {
				lastStart = i
				break
			}
		}
	}

	if lastStart >= 0 {
		var block []string
	collect:
		for j := lastStart; j < len(lines); j++ {
			line := lines[j]
			stripped := strings.TrimSpace(line)
			if j == lastStart {
				line = blockMarkerRe.ReplaceAllString(line, "")
				if strings.TrimSpace(line) == "" {
					continue
				}
			} else if blockMarkerRe.MatchString(stripped) {
				after := strings.TrimSpace(blockMarkerRe.ReplaceAllString(stripped, ""))
				if after != "" {
					break collect // another block or tool call starts here
				}
				continue // bare marker
			} else if toolHeaderRe.MatchString(stripped) || toolOutputRe.MatchString(stripped) {
				break collect
			}
			if noiseRe.MatchString(line) {
				continue
			}
			block = append(block, truncateLine(line, 200))
		}
		if len(block) > 0 {
			return strings.Join(block, "\n")
		}
	}

	// Fallback: strip markers and tool blocks, take the tail.
	var stripped []string
	for _, ln := range lines {
		ln = blockMarkerRe.ReplaceAllString(ln, "")
		if strings.TrimSpace(ln) == "" {
			continue
		}
		stripped = append(stripped, ln)
	}
	var meaningful []string
	for _, ln := range stripped {
		if !noiseRe.MatchString(ln) {
			meaningful = append(meaningful, ln)
		}
	}
	meaningful = dedupConsecutive(meaningful)
	meaningful = stripToolBlocks(meaningful)
	if len(meaningful) == 0 {
		return ""
	}
	if len(meaningful) > 30 {
		meaningful = meaningful[len(meaningful)-30:]
	}
	for i, ln := range meaningful {
		meaningful[i] = truncateLine(ln, 200)
	}
	return strings.Join(meaningful, "\n")
}

// stripToolBlocks removes tool invocation headers and their ⎿ output lines.
func stripToolBlocks(lines []string) []string {
	var result []string
	inToolBlock := false
	for _, line := range lines {
		if toolHeaderRe.MatchString(line) {
			inToolBlock = true
			continue
		}
		if inToolBlock {
			if toolOutputRe.MatchString(line) {
				continue
			}
			if expandHintRe.MatchString(strings.TrimSpace(line)) {
				continue
			}
			inToolBlock = false
		}
		result = append(result, line)
	}
	return result
}

// dedupConsecutive removes consecutive duplicate lines left by redraws.
func dedupConsecutive(lines []string) []string {
	if len(lines) == 0 {
		return lines
	}
	result := []string{lines[0]}
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) != strings.TrimSpace(result[len(result)-1]) {
			result = append(result, line)
		}
	}
	return result
}

func truncateLine(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
