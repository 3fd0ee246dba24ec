package types

import "errors"

// Error taxonomy from the error handling design. ConfigError and
// CredentialError are fatal at startup; the rest are recoverable and are
// surfaced to the immediate caller without bringing the server down.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrAgentUnavailable = errors.New("agent unavailable")
	ErrAgentTimeout     = errors.New("agent timeout")
	ErrAgentCrashed     = errors.New("agent crashed")
	ErrCancelled        = errors.New("cancelled")
	ErrTransport        = errors.New("transport error")
	ErrStore            = errors.New("store error")
	ErrAgentDisabled    = errors.New("agent disabled")
)

// ConfigError wraps a malformed-configuration failure. Exit code 2.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "config error: " + e.Reason }

// CredentialError wraps a missing/invalid credential failure. Exit code 3.
type CredentialError struct {
	Credential string
	Reason     string
}

func (e *CredentialError) Error() string {
	return "credential error (" + e.Credential + "): " + e.Reason
}

// AgentError is a structured error returned by an agent's RPC response.
type AgentError struct {
	Agent   string
	Code    int
	Message string
}

func (e *AgentError) Error() string { return e.Agent + ": " + e.Message }
