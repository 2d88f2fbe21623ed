// Package workspace provisions isolated git worktrees for agents and
// writes the files each agent needs before launch.
package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentforge/agentforge/internal/common/config"
	"github.com/agentforge/agentforge/internal/common/logger"
)

const (
	// worktreesDir is where agent worktrees live inside a project.
	worktreesDir = ".worktrees"

	// gitTimeout bounds each git subprocess.
	gitTimeout = 30 * time.Second

	// contextFileCap bounds how much of a declared context file gets
	// inlined into the generated instructions document.
	contextFileCap = 16 * 1024

	// MediaDirName and OutputLogName are the well-known workspace entries
	// other packages need to locate without a Workspace value in hand.
	MediaDirName  = ".media"
	OutputLogName = ".agent_output.log"
)

// Request carries everything needed to provision one agent workspace.
type Request struct {
	Project       string
	ProjectPath   string
	DefaultBranch string
	AgentID       string
	Task          string
	BranchPrefix  string

	// Instruction layers for the generated CLAUDE.md.
	GlobalInstructions  string
	ProjectInstructions string
	ProfileInstructions string
	ContextFiles        []string

	// ServerURL is where workspace hooks report sub-agent events.
	ServerURL string

	// SkillsDir, when set, is copied wholesale into .claude/agents.
	SkillsDir string
}

// Workspace describes a provisioned working copy.
type Workspace struct {
	Path       string
	BranchName string
	MediaDir   string
	OutputLog  string
}

// Provisioner creates and tears down agent worktrees. Worktree mutations on
// the same repository are serialized; git worktree metadata updates race
// otherwise.
type Provisioner struct {
	logger *logger.Logger

	mu        sync.Mutex
	repoLocks map[string]*sync.Mutex
}

// NewProvisioner returns a Provisioner.
func NewProvisioner(log *logger.Logger) *Provisioner {
	return &Provisioner{
		logger:    log,
		repoLocks: make(map[string]*sync.Mutex),
	}
}

func (p *Provisioner) repoLock(repoPath string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.repoLocks[repoPath]
	if !ok {
		lock = &sync.Mutex{}
		p.repoLocks[repoPath] = lock
	}
	return lock
}

// git runs a git command against a repository with a bounded context.
func (p *Provisioner) git(ctx context.Context, repoPath string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	fullArgs := append([]string{"-C", repoPath}, args...)
	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: git %s: %s", ErrGitCommandFailed, args[0], strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// WorktreePath returns where an agent's worktree lives for a project.
func WorktreePath(projectPath, agentID string) string {
	return filepath.Join(projectPath, worktreesDir, agentID)
}

// Provision creates the worktree and its pre-launch files. It is idempotent
// against a previously interrupted attempt: stale directories and branches
// left behind are cleaned up before retrying.
func (p *Provisioner) Provision(ctx context.Context, req Request) (*Workspace, error) {
	if _, err := os.Stat(filepath.Join(req.ProjectPath, ".git")); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotGitRepo, req.ProjectPath)
	}

	lock := p.repoLock(req.ProjectPath)
	lock.Lock()
	defer lock.Unlock()

	branch := BranchName(req.BranchPrefix, req.AgentID, req.Task)
	worktreeDir := WorktreePath(req.ProjectPath, req.AgentID)

	if err := os.MkdirAll(filepath.Dir(worktreeDir), 0o755); err != nil {
		return nil, fmt.Errorf("create worktrees dir: %w", err)
	}

	// Clean up leftovers from an interrupted earlier attempt.
	if _, err := os.Stat(worktreeDir); err == nil {
		p.logger.Warn("Removing stale worktree before provisioning",
			zap.String("path", worktreeDir))
		p.removeWorktree(ctx, req.ProjectPath, worktreeDir)
	}
	_, _ = p.git(ctx, req.ProjectPath, "branch", "-D", branch)

	if _, err := p.git(ctx, req.ProjectPath,
		"worktree", "add", "-b", branch, worktreeDir, req.DefaultBranch); err != nil {
		return nil, fmt.Errorf("create worktree: %w", err)
	}

	ws := &Workspace{
		Path:       worktreeDir,
		BranchName: branch,
		MediaDir:   filepath.Join(worktreeDir, MediaDirName),
		OutputLog:  filepath.Join(worktreeDir, OutputLogName),
	}

	if err := p.writeThrough(ws, req); err != nil {
		// Spawn must not proceed with a half-prepared workspace.
		p.removeWorktree(ctx, req.ProjectPath, worktreeDir)
		_, _ = p.git(ctx, req.ProjectPath, "branch", "-D", branch)
		return nil, err
	}

	p.logger.Info("Provisioned workspace",
		zap.String("agent_id", req.AgentID),
		zap.String("branch", branch),
		zap.String("path", worktreeDir))
	return ws, nil
}

// writeThrough creates the pre-launch files inside a fresh worktree.
func (p *Provisioner) writeThrough(ws *Workspace, req Request) error {
	if err := os.MkdirAll(ws.MediaDir, 0o755); err != nil {
		return fmt.Errorf("create media dir: %w", err)
	}

	// .env files are gitignored, so worktrees never inherit them.
	if err := p.copyEnvFiles(req.ProjectPath, ws.Path); err != nil {
		p.logger.Warn("Failed to copy env files", zap.Error(err))
	}

	if err := p.installHooks(ws.Path, req.AgentID, req.ServerURL); err != nil {
		return err
	}

	if req.SkillsDir != "" {
		if err := copyDir(req.SkillsDir, filepath.Join(ws.Path, ".claude", "agents")); err != nil {
			p.logger.Warn("Failed to copy skill catalog", zap.Error(err))
		}
	}

	return p.generateInstructions(ws.Path, req)
}

// installHooks writes .claude/settings.local.json so the spawned agent
// reports sub-agent start/stop back to the core's hook endpoint.
func (p *Provisioner) installHooks(worktreeDir, agentID, serverURL string) error {
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}
	endpoint := serverURL + "/api/hooks/event"

	hookCmd := func(event string) string {
		payload := fmt.Sprintf(`{"agent_id":"%s","event":"%s"}`, agentID, event)
		return fmt.Sprintf(`curl -s -X POST -H 'Content-Type: application/json' -d '%s' %s`, payload, endpoint)
	}

	type hookEntry struct {
		Type    string `json:"type"`
		Command string `json:"command"`
	}
	type hookMatcher struct {
		Matcher string      `json:"matcher"`
		Hooks   []hookEntry `json:"hooks"`
	}

	settings := map[string]any{
		"hooks": map[string][]hookMatcher{
			"SubagentStart": {{
				Matcher: "",
				Hooks:   []hookEntry{{Type: "command", Command: hookCmd("SubagentStart")}},
			}},
			"SubagentStop": {{
				Matcher: "",
				Hooks:   []hookEntry{{Type: "command", Command: hookCmd("SubagentStop")}},
			}},
		},
	}

	claudeDir := filepath.Join(worktreeDir, ".claude")
	if err := os.MkdirAll(claudeDir, 0o755); err != nil {
		return fmt.Errorf("create .claude dir: %w", err)
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal hook settings: %w", err)
	}
	if err := os.WriteFile(filepath.Join(claudeDir, "settings.local.json"), data, 0o644); err != nil {
		return fmt.Errorf("write hook settings: %w", err)
	}
	return nil
}

// generateInstructions merges the instruction layers into the workspace's
// CLAUDE.md: global defaults, project text, profile text, then declared
// context files inlined (capped). When every layer is empty the file is
// left as the repository provides it.
func (p *Provisioner) generateInstructions(worktreeDir string, req Request) error {
	var sections []string
	for _, layer := range []string{req.GlobalInstructions, req.ProjectInstructions, req.ProfileInstructions} {
		if s := strings.TrimSpace(layer); s != "" {
			sections = append(sections, s)
		}
	}

	for _, ctxFile := range req.ContextFiles {
		path := filepath.Join(req.ProjectPath, ctxFile)
		data, err := os.ReadFile(path)
		if err != nil {
			p.logger.Warn("Context file not found",
				zap.String("project", req.Project),
				zap.String("file", ctxFile))
			continue
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			continue
		}
		if len(content) > contextFileCap {
			content = content[:contextFileCap]
		}
		sections = append(sections, fmt.Sprintf("## %s\n\n%s", ctxFile, content))
	}

	if len(sections) == 0 {
		return nil
	}

	generated := strings.Join(sections, "\n\n") + "\n"
	if err := os.WriteFile(filepath.Join(worktreeDir, "CLAUDE.md"), []byte(generated), 0o644); err != nil {
		return fmt.Errorf("write instructions: %w", err)
	}
	return nil
}

func (p *Provisioner) copyEnvFiles(projectPath, worktreeDir string) error {
	matches, err := filepath.Glob(filepath.Join(projectPath, ".env*"))
	if err != nil {
		return err
	}
	for _, src := range matches {
		info, err := os.Stat(src)
		if err != nil || info.IsDir() {
			continue
		}
		if err := copyFile(src, filepath.Join(worktreeDir, filepath.Base(src))); err != nil {
			return err
		}
	}
	return nil
}

// Teardown removes the worktree and deletes its branch. Every step is
// idempotent; tearing down an already-removed workspace succeeds.
func (p *Provisioner) Teardown(ctx context.Context, projectPath string, ws *Workspace) error {
	lock := p.repoLock(projectPath)
	lock.Lock()
	defer lock.Unlock()

	p.removeWorktree(ctx, projectPath, ws.Path)

	if ws.BranchName != "" {
		_, _ = p.git(ctx, projectPath, "branch", "-D", ws.BranchName)
	}
	return nil
}

// removeWorktree tries git worktree remove, falling back to deleting the
// directory and pruning stale worktree metadata.
func (p *Provisioner) removeWorktree(ctx context.Context, projectPath, worktreeDir string) {
	if _, err := p.git(ctx, projectPath, "worktree", "remove", worktreeDir, "--force"); err != nil {
		p.logger.Debug("git worktree remove failed, falling back to rmdir",
			zap.String("path", worktreeDir), zap.Error(err))
		if rmErr := os.RemoveAll(worktreeDir); rmErr != nil {
			p.logger.Warn("Failed to remove worktree directory",
				zap.String("path", worktreeDir), zap.Error(rmErr))
		}
		_, _ = p.git(ctx, projectPath, "worktree", "prune")
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

// RequestFromConfig assembles a Request's instruction layers from config.
func RequestFromConfig(cfg *config.Config, project, agentID, task, branchPrefix string, profile *config.AgentProfile, serverURL string) Request {
	req := Request{
		Project:            project,
		AgentID:            agentID,
		Task:               task,
		BranchPrefix:       branchPrefix,
		GlobalInstructions: cfg.Defaults.AgentInstructions,
		ServerURL:          serverURL,
	}
	if p, ok := cfg.Projects[project]; ok {
		req.ProjectPath = p.Path
		req.DefaultBranch = p.DefaultBranch
		req.ProjectInstructions = p.AgentInstructions
		req.ContextFiles = p.ContextFiles
	}
	if profile != nil {
		req.ProfileInstructions = profile.Instructions
	}
	return req
}
