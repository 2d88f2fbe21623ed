package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))
	return path
}

func TestLoadWithPathAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
projects:
  webapp:
    path: /tmp/webapp
`)
	cfg, err := LoadWithPath(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "forge.db", cfg.Database.Path)
	assert.Equal(t, "", cfg.NATS.URL)
	assert.Equal(t, 5, cfg.Defaults.MaxAgentsPerProject)
	assert.Equal(t, "claude", cfg.Defaults.ClaudeCommand)
	assert.Equal(t, "agent", cfg.Defaults.BranchPrefix)
	assert.InDelta(t, 3.0, cfg.Defaults.PollIntervalSeconds, 0.001)
}

func TestLoadNormalizesProjects(t *testing.T) {
	path := writeConfig(t, `
projects:
  webapp:
    path: /tmp/webapp
`)
	cfg, err := LoadWithPath(path)
	require.NoError(t, err)

	p := cfg.Projects["webapp"]
	assert.Equal(t, "/tmp/webapp", p.Path)
	assert.Equal(t, "main", p.DefaultBranch, "defaultBranch should fall back to main")
}

func TestLoadExpandsHomeRelativePaths(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	path := writeConfig(t, `
projects:
  webapp:
    path: ~/code/webapp
`)
	cfg, err := LoadWithPath(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "code/webapp"), cfg.Projects["webapp"].Path)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing project path",
			yaml: "projects:\n  webapp:\n    defaultBranch: main\n",
			want: "projects.webapp.path is required",
		},
		{
			name: "zero maxAgents",
			yaml: "projects:\n  webapp:\n    path: /tmp/w\n    maxAgents: 0\n",
			want: "maxAgents must be positive",
		},
		{
			name: "bad start action",
			yaml: "profiles:\n  reviewer:\n    startSequence:\n      - action: reboot\n",
			want: "startSequence[0].action",
		},
		{
			name: "bad log level",
			yaml: "logging:\n  level: loud\n",
			want: "logging.level",
		},
		{
			name: "connector without type",
			yaml: "connectors:\n  tg:\n    enabled: true\n",
			want: "connectors.tg.type is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadWithPath(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMaxAgentsFallsBackToDefaults(t *testing.T) {
	two := 2
	cfg := &Config{
		Defaults: DefaultsConfig{MaxAgentsPerProject: 5},
		Projects: map[string]ProjectConfig{
			"webapp": {},
			"tiny":   {MaxAgents: &two},
		},
	}
	assert.Equal(t, 5, cfg.MaxAgents("webapp"))
	assert.Equal(t, 2, cfg.MaxAgents("tiny"))
	assert.Equal(t, 5, cfg.MaxAgents("unknown"))
}

func TestSandboxEnabled(t *testing.T) {
	cfg := &Config{
		Defaults: DefaultsConfig{Sandbox: false},
		Projects: map[string]ProjectConfig{
			"open":    {},
			"guarded": {Sandbox: &SandboxConfig{AllowedHosts: []string{"github.com"}}},
		},
	}
	assert.False(t, cfg.SandboxEnabled("open"))
	assert.True(t, cfg.SandboxEnabled("guarded"), "project-level sandbox section opts in")
}

func TestProfileLookup(t *testing.T) {
	cfg := &Config{Profiles: map[string]AgentProfile{
		"reviewer": {SystemPrompt: "review carefully"},
	}}
	p := cfg.Profile("reviewer")
	require.NotNil(t, p)
	assert.Equal(t, "review carefully", p.SystemPrompt)
	assert.Nil(t, cfg.Profile("nope"))
}

func TestRegistryReloadSwapsConfig(t *testing.T) {
	path := writeConfig(t, `
projects:
  webapp:
    path: /tmp/webapp
`)
	reg, err := NewRegistry(path)
	require.NoError(t, err)
	require.Len(t, reg.Current().Projects, 1)

	require.NoError(t, os.WriteFile(path, []byte(`
projects:
  webapp:
    path: /tmp/webapp
  api:
    path: /tmp/api
`), 0644))

	cfg, err := reg.Reload()
	require.NoError(t, err)
	assert.Len(t, cfg.Projects, 2)
	assert.Len(t, reg.Current().Projects, 2)
}

func TestRegistryReloadKeepsOldConfigOnError(t *testing.T) {
	path := writeConfig(t, `
projects:
  webapp:
    path: /tmp/webapp
`)
	reg, err := NewRegistry(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("projects:\n  webapp:\n    maxAgents: 0\n"), 0644))

	_, err = reg.Reload()
	require.Error(t, err)
	assert.Len(t, reg.Current().Projects, 1, "active config must survive a failed reload")
}

func TestRegistrySaveRoundTrips(t *testing.T) {
	path := writeConfig(t, `
projects:
  webapp:
    path: /tmp/webapp
`)
	reg, err := NewRegistry(path)
	require.NoError(t, err)

	reg.Update(func(c *Config) {
		conns := make(map[string]ConnectorConfig, len(c.Connectors)+1)
		for k, v := range c.Connectors {
			conns[k] = v
		}
		conns["tg"] = ConnectorConfig{Type: "telegram", Enabled: true}
		c.Connectors = conns
	})
	require.NoError(t, reg.Save())

	reloaded, err := NewRegistry(path)
	require.NoError(t, err)
	assert.Equal(t, "telegram", reloaded.Current().Connectors["tg"].Type)
}

func TestStaticRegistrySaveIsNoop(t *testing.T) {
	reg := NewStaticRegistry(&Config{})
	assert.NoError(t, reg.Save())
}
