package connector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentforge/agentforge/internal/agent"
	"github.com/agentforge/agentforge/internal/common/config"
	"github.com/agentforge/agentforge/internal/common/logger"
	"github.com/agentforge/agentforge/internal/monitor"
	"github.com/agentforge/agentforge/internal/workspace"
)

// responsePreviewCap bounds how much of an agent response goes to chat.
const responsePreviewCap = 1500

// targetRe matches an explicit "@project" or "@project:a1b2c3" prefix.
var targetRe = regexp.MustCompile(`^@([\w.-]+?)(?::([0-9a-f]{6}))?\s+(.+)$`)

type channelKey struct {
	connectorID string
	channelID   string
}

type binding struct {
	project  string
	inbound  bool
	outbound bool
}

// Router turns chat traffic into agent operations and agent state changes
// into chat notifications.
type Router struct {
	agents *agent.Manager
	reg    *config.Registry
	conns  *Manager
	logger *logger.Logger

	mu       sync.Mutex
	bindings map[channelKey][]binding
	// sticky remembers which agent a channel last talked to, so bare
	// follow-up messages keep flowing to the same conversation.
	sticky map[channelKey]string
	// replyTo remembers which channel last addressed an agent, so its
	// notifications reach whoever is waiting on it.
	replyTo map[string]channelKey
}

// NewRouter wires a Router and builds the initial binding table.
func NewRouter(agents *agent.Manager, reg *config.Registry, conns *Manager, log *logger.Logger) *Router {
	r := &Router{
		agents:   agents,
		reg:      reg,
		conns:    conns,
		logger:   log.WithFields(zap.String("component", "router")),
		bindings: make(map[channelKey][]binding),
		sticky:   make(map[channelKey]string),
		replyTo:  make(map[string]channelKey),
	}
	r.Rebuild(reg.Current())
	return r
}

// Rebuild replaces the binding table from a configuration snapshot.
func (r *Router) Rebuild(cfg *config.Config) {
	bindings := make(map[channelKey][]binding)
	for project, proj := range cfg.Projects {
		for _, ch := range proj.Channels {
			key := channelKey{connectorID: ch.ConnectorID, channelID: ch.ChannelID}
			bindings[key] = append(bindings[key], binding{
				project:  project,
				inbound:  ch.Inbound,
				outbound: ch.Outbound,
			})
		}
	}

	r.mu.Lock()
	r.bindings = bindings
	r.mu.Unlock()
	r.logger.Info("Channel bindings rebuilt", zap.Int("channels", len(bindings)))
}

// HandleInbound is the entry point every connector pushes messages into.
func (r *Router) HandleInbound(ctx context.Context, msg Inbound) {
	key := channelKey{connectorID: msg.ConnectorID, channelID: msg.ChannelID}

	if msg.Callback != "" {
		r.handleCallback(ctx, key, msg.Callback)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" && len(msg.Attachments) == 0 {
		return
	}

	if strings.HasPrefix(text, "/") {
		r.handleCommand(ctx, key, text)
		return
	}

	if m := targetRe.FindStringSubmatch(text); m != nil {
		r.routeTargeted(ctx, key, m[1], m[2], m[3], msg.Attachments)
		return
	}

	r.routeBare(ctx, key, text, msg.Attachments)
}

// handleCallback reacts to a button press ("approve:a1b2c3").
func (r *Router) handleCallback(ctx context.Context, key channelKey, callback string) {
	action, id, ok := strings.Cut(callback, ":")
	if !ok {
		return
	}
	if err := r.agents.SendControl(ctx, id, agent.ControlAction(action)); err != nil {
		r.reply(ctx, key, fmt.Sprintf("Could not send %s to agent %s: %v", action, id, err))
		return
	}
	r.rememberChannel(key, id)
	r.reply(ctx, key, fmt.Sprintf("Sent %s to agent %s", action, id))
}

func (r *Router) handleCommand(ctx context.Context, key channelKey, text string) {
	fields := strings.Fields(text)
	verb := strings.ToLower(fields[0])
	args := fields[1:]

	switch verb {
	case "/help":
		r.reply(ctx, key, helpText)
	case "/status":
		r.reply(ctx, key, r.statusText(key))
	case "/projects":
		r.reply(ctx, key, r.projectsText())
	case "/spawn":
		r.commandSpawn(ctx, key, args)
	case "/kill":
		r.commandControl(ctx, key, args, "", func(id string) error {
			return r.agents.Kill(ctx, id)
		})
	case "/approve":
		r.commandControl(ctx, key, args, string(agent.ControlApprove), nil)
	case "/approve_all":
		r.commandControl(ctx, key, args, string(agent.ControlAlwaysAllow), nil)
	case "/reject":
		r.commandControl(ctx, key, args, string(agent.ControlReject), nil)
	case "/interrupt":
		r.commandControl(ctx, key, args, string(agent.ControlInterrupt), nil)
	default:
		r.reply(ctx, key, "Unknown command "+verb+". Try /help.")
	}
}

const helpText = `Commands:
/status - list agents on this channel's projects
/projects - list configured projects
/spawn [project] <task> - start a new agent
/kill <id> - terminate an agent
/approve [id], /approve_all [id], /reject [id], /interrupt [id]
@project message - send to a project's agent
@project:id message - send to a specific agent`

func (r *Router) statusText(key channelKey) string {
	projects := r.boundProjects(key)
	agents := r.agents.List()

	var b strings.Builder
	for _, a := range agents {
		if len(projects) > 0 && !contains(projects, a.Project) {
			continue
		}
		fmt.Fprintf(&b, "%s [%s] %s — %s\n", a.ID, a.Project, a.Status, firstLine(a.Task))
	}
	if b.Len() == 0 {
		return "No agents running."
	}
	return b.String()
}

func (r *Router) projectsText() string {
	cfg := r.reg.Current()
	names := make([]string, 0, len(cfg.Projects))
	for name := range cfg.Projects {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		n := len(r.agents.ByProject(name))
		fmt.Fprintf(&b, "%s — %d/%d agents\n", name, n, cfg.MaxAgents(name))
	}
	if b.Len() == 0 {
		return "No projects configured."
	}
	return b.String()
}

func (r *Router) commandSpawn(ctx context.Context, key channelKey, args []string) {
	if len(args) == 0 {
		r.reply(ctx, key, "Usage: /spawn [project] <task>")
		return
	}

	cfg := r.reg.Current()
	project := ""
	task := strings.Join(args, " ")
	if _, ok := cfg.Projects[args[0]]; ok {
		project = args[0]
		task = strings.Join(args[1:], " ")
	} else if bound := r.boundProjects(key); len(bound) == 1 {
		project = bound[0]
	}
	if project == "" {
		r.reply(ctx, key, "Which project? Usage: /spawn <project> <task>")
		return
	}
	if strings.TrimSpace(task) == "" {
		r.reply(ctx, key, "What should the agent do? Usage: /spawn [project] <task>")
		return
	}

	a, err := r.agents.Spawn(ctx, project, task, agent.SpawnOptions{})
	if err != nil {
		r.reply(ctx, key, fmt.Sprintf("Spawn failed: %v", err))
		return
	}
	r.rememberChannel(key, a.ID)
	r.reply(ctx, key, fmt.Sprintf("Started agent %s on %s (branch %s)", a.ID, project, a.BranchName))
}

// commandControl resolves the target id (explicit arg or sticky context)
// and applies either a control action or a custom operation.
func (r *Router) commandControl(ctx context.Context, key channelKey, args []string, action string, op func(id string) error) {
	id := ""
	if len(args) > 0 {
		id = args[0]
	} else {
		r.mu.Lock()
		id = r.sticky[key]
		r.mu.Unlock()
	}
	if id == "" {
		r.reply(ctx, key, "Which agent? Give an id, or message one first.")
		return
	}

	var err error
	if op != nil {
		err = op(id)
	} else {
		err = r.agents.SendControl(ctx, id, agent.ControlAction(action))
	}
	if err != nil {
		r.reply(ctx, key, fmt.Sprintf("Failed: %v", err))
		return
	}
	r.rememberChannel(key, id)
	r.reply(ctx, key, "Done.")
}

// routeTargeted handles "@project message" and "@project:id message".
func (r *Router) routeTargeted(ctx context.Context, key channelKey, project, id, text string, atts []Attachment) {
	cfg := r.reg.Current()
	if _, ok := cfg.Projects[project]; !ok {
		r.reply(ctx, key, "Unknown project "+project+". Try /projects.")
		return
	}

	if id != "" {
		a, err := r.agents.Get(id)
		if err != nil || a.Project != project {
			r.reply(ctx, key, fmt.Sprintf("No agent %s on %s.", id, project))
			return
		}
		r.deliver(ctx, key, a, text, atts)
		return
	}

	r.routeToProject(ctx, key, project, text, atts)
}

// routeBare handles untargeted messages: sticky context first, then the
// channel's single bound project.
func (r *Router) routeBare(ctx context.Context, key channelKey, text string, atts []Attachment) {
	r.mu.Lock()
	stickyID := r.sticky[key]
	r.mu.Unlock()

	if stickyID != "" {
		if a, err := r.agents.Get(stickyID); err == nil && a.Status != monitor.StatusStopped {
			r.deliver(ctx, key, a, text, atts)
			return
		}
	}

	bound := r.boundProjects(key)
	switch len(bound) {
	case 1:
		r.routeToProject(ctx, key, bound[0], text, atts)
	case 0:
		r.reply(ctx, key, "This channel is not bound to a project. Use @project message.")
	default:
		r.reply(ctx, key, "Multiple projects here. Use @project message.")
	}
}

// routeToProject picks an agent for the project: an idle one if available,
// a fresh one if there is headroom, otherwise report busy.
func (r *Router) routeToProject(ctx context.Context, key channelKey, project, text string, atts []Attachment) {
	agents := r.agents.ByProject(project)

	var idle, live *agent.Agent
	for _, a := range agents {
		switch a.Status {
		case monitor.StatusIdle:
			if idle == nil {
				idle = a
			}
		case monitor.StatusStopped:
		default:
			if live == nil {
				live = a
			}
		}
	}

	if idle != nil {
		// Re-tasking an idle agent starts a fresh conversation.
		if err := r.agents.ClearContext(ctx, idle.ID); err != nil {
			r.logger.Warn("Failed to clear context before re-task",
				zap.String("agent_id", idle.ID), zap.Error(err))
		}
		r.deliver(ctx, key, idle, text, atts)
		return
	}

	a, err := r.agents.Spawn(ctx, project, text, agent.SpawnOptions{})
	if err == nil {
		r.rememberChannel(key, a.ID)
		r.reply(ctx, key, fmt.Sprintf("Started agent %s on %s for this.", a.ID, project))
		return
	}
	if live != nil {
		r.deliver(ctx, key, live, text, atts)
		return
	}
	r.reply(ctx, key, fmt.Sprintf("Could not route message: %v", err))
}

// deliver stages attachments into the agent's workspace and forwards the
// message text.
func (r *Router) deliver(ctx context.Context, key channelKey, a *agent.Agent, text string, atts []Attachment) {
	staged := r.stageAttachments(a, atts)
	if len(staged) > 0 {
		var b strings.Builder
		b.WriteString(text)
		for _, path := range staged {
			b.WriteString("\nAttached file: " + path)
		}
		text = b.String()
	}
	if strings.TrimSpace(text) == "" {
		return
	}

	if err := r.agents.SendMessage(ctx, a.ID, text); err != nil {
		r.reply(ctx, key, fmt.Sprintf("Could not reach agent %s: %v", a.ID, err))
		return
	}
	r.rememberChannel(key, a.ID)
}

// stageAttachments copies received files into the workspace media dir so
// the agent can open them by path.
func (r *Router) stageAttachments(a *agent.Agent, atts []Attachment) []string {
	if len(atts) == 0 || a.WorktreePath == "" {
		return nil
	}
	mediaDir := filepath.Join(a.WorktreePath, workspace.MediaDirName)
	if err := os.MkdirAll(mediaDir, 0755); err != nil {
		r.logger.Warn("Failed to create media dir", zap.String("agent_id", a.ID), zap.Error(err))
		return nil
	}

	var staged []string
	for _, att := range atts {
		name := filepath.Base(att.Filename)
		if name == "" || name == "." {
			continue
		}
		path := filepath.Join(mediaDir, name)
		if err := os.WriteFile(path, att.Data, 0644); err != nil {
			r.logger.Warn("Failed to stage attachment",
				zap.String("agent_id", a.ID), zap.String("file", name), zap.Error(err))
			continue
		}
		staged = append(staged, path)
	}
	return staged
}

func (r *Router) rememberChannel(key channelKey, agentID string) {
	r.mu.Lock()
	r.sticky[key] = agentID
	r.replyTo[agentID] = key
	r.mu.Unlock()
}

func (r *Router) boundProjects(key channelKey) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, b := range r.bindings[key] {
		if b.inbound && !contains(out, b.project) {
			out = append(out, b.project)
		}
	}
	return out
}

// reply sends text back on the channel a message arrived on.
func (r *Router) reply(ctx context.Context, key channelKey, text string, buttons ...Button) {
	conn, ok := r.conns.Get(key.connectorID)
	if !ok {
		return
	}
	if err := conn.SendText(ctx, key.channelID, text, buttons...); err != nil {
		r.logger.Warn("Failed to send reply",
			zap.String("connector_id", key.connectorID), zap.Error(err))
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}
