package connector

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentforge/agentforge/internal/agent"
)

// targets resolves where an agent's notifications go: every outbound
// channel bound to its project, plus the channel that last addressed it.
func (r *Router) targets(a *agent.Agent) []channelKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[channelKey]bool)
	var out []channelKey
	for key, bindings := range r.bindings {
		for _, b := range bindings {
			if b.outbound && b.project == a.Project && !seen[key] {
				seen[key] = true
				out = append(out, key)
			}
		}
	}
	if key, ok := r.replyTo[a.ID]; ok && !seen[key] {
		out = append(out, key)
	}
	return out
}

func (r *Router) notifyAll(ctx context.Context, a *agent.Agent, text string, buttons ...Button) {
	for _, key := range r.targets(a) {
		r.reply(ctx, key, text, buttons...)
	}
}

// AgentWaitingInput announces a permission prompt with action buttons.
func (r *Router) AgentWaitingInput(ctx context.Context, a *agent.Agent, prompt string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent %s [%s] needs input", a.ID, a.Project)
	if prompt != "" {
		b.WriteString(":\n\n")
		b.WriteString(truncateText(prompt, 800))
	}
	r.notifyAll(ctx, a, b.String(),
		Button{Label: "Approve", Action: "approve:" + a.ID},
		Button{Label: "Always allow", Action: "always_allow:" + a.ID},
		Button{Label: "Reject", Action: "reject:" + a.ID},
		Button{Label: "Interrupt", Action: "interrupt:" + a.ID},
	)
}

// AgentIdle announces a finished turn with a response preview.
func (r *Router) AgentIdle(ctx context.Context, a *agent.Agent, response string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent %s [%s] is done", a.ID, a.Project)
	if response != "" {
		b.WriteString(":\n\n")
		b.WriteString(truncateText(response, responsePreviewCap))
	}
	r.notifyAll(ctx, a, b.String())
}

// AgentError announces an error state with an output excerpt.
func (r *Router) AgentError(ctx context.Context, a *agent.Agent, excerpt string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent %s [%s] hit an error", a.ID, a.Project)
	if excerpt != "" {
		b.WriteString(":\n\n")
		b.WriteString(truncateText(excerpt, 800))
	}
	r.notifyAll(ctx, a, b.String(),
		Button{Label: "Restart", Action: "restart:" + a.ID},
		Button{Label: "Interrupt", Action: "interrupt:" + a.ID},
	)
}

// AgentStopped announces that an agent's session vanished.
func (r *Router) AgentStopped(ctx context.Context, a *agent.Agent) {
	r.notifyAll(ctx, a, fmt.Sprintf("Agent %s [%s] stopped unexpectedly.", a.ID, a.Project))
}

func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n[truncated]"
}
