// Package config provides configuration loading and path management.
package config

import (
	"os"
	"path/filepath"
)

// appDirName is the root directory name under $HOME, and the workspace-local
// directory suffix (".<app>_ws").
const appDirName = ".kiautoagent"

// Paths contains the standard paths for the orchestrator's persisted state:
// a root directory (default $HOME/.kiautoagent, overridable via APP_HOME)
// holding config/, memory/, sessions/, and cache/.
type Paths struct {
	Root     string
	Config   string // credentials and agent descriptors
	Memory   string // serialized Vector Store journal + snapshots
	Sessions string // per-session conversation logs (JSON lines)
	Cache    string // checkpoints keyed by workflow id
}

// GetPaths returns the standard paths for the orchestrator's persisted state.
func GetPaths() *Paths {
	root := getEnvOrDefault("APP_HOME", defaultHome())
	return &Paths{
		Root:     root,
		Config:   filepath.Join(root, "config"),
		Memory:   filepath.Join(root, "memory"),
		Sessions: filepath.Join(root, "sessions"),
		Cache:    filepath.Join(root, "cache"),
	}
}

// EnsurePaths creates all required directories.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Root, p.Config, p.Memory, p.Sessions, p.Cache} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// EnvPath returns the path to the credential .env file.
func (p *Paths) EnvPath() string {
	return filepath.Join(p.Config, ".env")
}

// AgentsPath returns the path to the agent descriptor config file.
func (p *Paths) AgentsPath() string {
	return filepath.Join(p.Config, "agents.json")
}

// CredentialsSpecPath returns the path to the credential requirements file.
func (p *Paths) CredentialsSpecPath() string {
	return filepath.Join(p.Config, "credentials.json")
}

// WorkspacePath returns the project-local state directory for a workspace
// directory: instructions, checkpoints, and context local to that project.
func WorkspacePath(directory string) string {
	return filepath.Join(directory, appDirName+"_ws")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func defaultHome() string {
	return filepath.Join(os.Getenv("HOME"), appDirName)
}
