package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"

	"github.com/kiautoagent/orchestrator/pkg/types"
)

// Load loads configuration from multiple sources (priority order):
// 1. Global config (config/)
// 2. Project config (<directory>/.kiautoagent/)
// 3. Environment variables
func Load(directory string) (*types.Config, error) {
	cfg := &types.Config{
		Agents:              make(map[string]types.AgentDescriptor),
		Credentials:         make(map[string]types.CredentialSpec),
		ClassifierThreshold: 0.6,
		MaxMemories:         10000,
		MaxMessagesPerSession: 500,
		MaxSessions:           100,
		StepTimeoutSeconds:    120,
	}

	globalPath := GetPaths().Config
	loadConfigFile(filepath.Join(globalPath, "orchestrator.json"), cfg)
	loadConfigFile(filepath.Join(globalPath, "orchestrator.jsonc"), cfg)

	if directory != "" {
		loadConfigFile(filepath.Join(directory, ".kiautoagent", "orchestrator.json"), cfg)
		loadConfigFile(filepath.Join(directory, ".kiautoagent", "orchestrator.jsonc"), cfg)
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// loadConfigFile loads a single config file, skipping silently if absent.
func loadConfigFile(path string, cfg *types.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = jsonc.ToJSON(data)

	var fileConfig types.Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(cfg, &fileConfig)
	return nil
}

// mergeConfig merges source config into target.
func mergeConfig(target, source *types.Config) {
	if source.SocketAddr != "" {
		target.SocketAddr = source.SocketAddr
	}
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}
	if source.DefaultAgent != "" {
		target.DefaultAgent = source.DefaultAgent
	}
	if source.ClassifierAgent != "" {
		target.ClassifierAgent = source.ClassifierAgent
	}
	if source.ClassifierThreshold != 0 {
		target.ClassifierThreshold = source.ClassifierThreshold
	}
	if source.MaxMemories != 0 {
		target.MaxMemories = source.MaxMemories
	}
	if source.MaxMessagesPerSession != 0 {
		target.MaxMessagesPerSession = source.MaxMessagesPerSession
	}
	if source.MaxSessions != 0 {
		target.MaxSessions = source.MaxSessions
	}
	if source.StepTimeoutSeconds != 0 {
		target.StepTimeoutSeconds = source.StepTimeoutSeconds
	}

	if source.Agents != nil {
		if target.Agents == nil {
			target.Agents = make(map[string]types.AgentDescriptor)
		}
		for k, v := range source.Agents {
			target.Agents[k] = v
		}
	}

	if source.Credentials != nil {
		if target.Credentials == nil {
			target.Credentials = make(map[string]types.CredentialSpec)
		}
		for k, v := range source.Credentials {
			target.Credentials[k] = v
		}
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(cfg *types.Config) {
	if addr := os.Getenv("APP_SOCKET_ADDR"); addr != "" {
		cfg.SocketAddr = addr
	}
	if level := os.Getenv("APP_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
}

// Save saves the configuration to a file.
func Save(cfg *types.Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
