package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kiautoagent/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/jsonc"
)

func withTempHome(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	oldHome := os.Getenv("APP_HOME")
	os.Setenv("APP_HOME", tmpDir)
	t.Cleanup(func() { os.Setenv("APP_HOME", oldHome) })
	return tmpDir
}

func TestLoad_GlobalConfig(t *testing.T) {
	home := withTempHome(t)

	raw := `{
		"socketAddr": ":7171",
		"defaultAgent": "responder",
		"agents": {
			"architect": {
				"name": "architect",
				"launchSpec": {"command": ["./agents/architect"]},
				"capabilitySet": ["read_file", "search"],
				"maxConcurrency": 2,
				"restartPolicy": "on-crash"
			}
		}
	}`

	configDir := filepath.Join(home, "config")
	require.NoError(t, os.MkdirAll(configDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "orchestrator.json"), []byte(raw), 0644))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7171", cfg.SocketAddr)
	assert.Equal(t, "responder", cfg.DefaultAgent)
	arch := cfg.Agents["architect"]
	assert.Equal(t, 2, arch.MaxConcurrency)
	assert.Equal(t, types.RestartOnCrash, arch.RestartPolicy)
}

func TestLoad_JSONCComments(t *testing.T) {
	home := withTempHome(t)

	raw := `{
		// socket address for the client gateway
		"socketAddr": ":9090",
		/* default agent
		   used on fallback */
		"defaultAgent": "codesmith"
	}`

	configDir := filepath.Join(home, "config")
	require.NoError(t, os.MkdirAll(configDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "orchestrator.jsonc"), []byte(raw), 0644))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.SocketAddr)
	assert.Equal(t, "codesmith", cfg.DefaultAgent)
}

func TestLoad_ProjectOverridesGlobal(t *testing.T) {
	home := withTempHome(t)
	project := t.TempDir()

	globalConfigDir := filepath.Join(home, "config")
	require.NoError(t, os.MkdirAll(globalConfigDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(globalConfigDir, "orchestrator.json"),
		[]byte(`{"socketAddr": ":7171", "defaultAgent": "responder"}`), 0644))

	projectConfigDir := filepath.Join(project, ".kiautoagent")
	require.NoError(t, os.MkdirAll(projectConfigDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(projectConfigDir, "orchestrator.json"),
		[]byte(`{"socketAddr": ":8080"}`), 0644))

	cfg, err := Load(project)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.SocketAddr, "project config should override global")
	assert.Equal(t, "responder", cfg.DefaultAgent, "global-only fields should be preserved")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	withTempHome(t)

	os.Setenv("APP_SOCKET_ADDR", ":9999")
	defer os.Unsetenv("APP_SOCKET_ADDR")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.SocketAddr)
}

func TestLoad_Defaults(t *testing.T) {
	withTempHome(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 0.6, cfg.ClassifierThreshold)
	assert.Equal(t, 10000, cfg.MaxMemories)
	assert.Equal(t, 500, cfg.MaxMessagesPerSession)
	assert.Equal(t, 100, cfg.MaxSessions)
	assert.Equal(t, 120, cfg.StepTimeoutSeconds)
}

func TestMergeConfig_AgentsMergedByKey(t *testing.T) {
	target := &types.Config{
		Agents: map[string]types.AgentDescriptor{
			"architect": {Name: "architect"},
		},
	}
	source := &types.Config{
		Agents: map[string]types.AgentDescriptor{
			"codesmith": {Name: "codesmith"},
		},
	}

	mergeConfig(target, source)

	assert.Len(t, target.Agents, 2)
	assert.Contains(t, target.Agents, "architect")
	assert.Contains(t, target.Agents, "codesmith")
}

func TestStripJSONComments(t *testing.T) {
	in := []byte("{\n  // comment\n  \"a\": 1 /* inline */\n}")
	out := jsonc.ToJSON(in)
	assert.Contains(t, string(out), `"a": 1`)
	assert.NotContains(t, string(out), "comment")
}
