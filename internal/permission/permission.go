package permission

import (
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/kiautoagent/orchestrator/pkg/types"
)

// Decision is the outcome recorded for one enforcement call.
type Decision string

const (
	DecisionAllowed Decision = "allowed"
	DecisionDenied  Decision = "denied"
)

// DeniedError is returned by Enforce when an agent attempts a tool call
// outside its capability set. It wraps types.ErrPermissionDenied so callers
// can match it with errors.Is.
type DeniedError struct {
	Agent string
	Tool  string
}

func (e *DeniedError) Error() string {
	return "agent " + e.Agent + " is not permitted to call tool " + e.Tool
}

func (e *DeniedError) Unwrap() error { return types.ErrPermissionDenied }

const auditCapacity = 10000

// Registry is the static agent -> allowed-tool capability map. It is built
// once from config at startup and never mutated; only the audit log and
// doom-loop state change at runtime.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string][]string

	audit    *AuditLog
	doomLoop *DoomLoopDetector
}

// New builds a Registry from a set of agent descriptors.
func New(agents map[string]types.AgentDescriptor) *Registry {
	caps := make(map[string][]string, len(agents))
	for name, desc := range agents {
		caps[name] = desc.CapabilitySet
	}
	return &Registry{
		capabilities: caps,
		audit:        NewAuditLog(auditCapacity),
		doomLoop:     NewDoomLoopDetector(),
	}
}

// Check reports whether agent is permitted to invoke tool, without
// recording an audit entry. tool may be a bare tool name ("read") or a
// bash invocation of the form "bash <command line>", in which case the
// command is parsed and matched against "bash ..." capability patterns.
func (r *Registry) Check(agent, tool string) bool {
	r.mu.RLock()
	patterns, ok := r.capabilities[agent]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	for _, pattern := range patterns {
		if matchCapability(pattern, tool) {
			return true
		}
	}
	return false
}

// Enforce checks the call and records an audit entry regardless of
// outcome. It returns a *DeniedError (matching types.ErrPermissionDenied
// via errors.Is) when the call is not allowed.
func (r *Registry) Enforce(agent, tool string) error {
	allowed := r.Check(agent, tool)

	decision := DecisionDenied
	if allowed {
		decision = DecisionAllowed
	}
	r.audit.Record(AuditEntry{
		Timestamp: time.Now(),
		Agent:     agent,
		Tool:      tool,
		Decision:  decision,
	})

	if !allowed {
		return &DeniedError{Agent: agent, Tool: tool}
	}
	return nil
}

// DetectDoomLoop reports whether the given call repeats the agent's last
// two identical calls (tool + input), a signal the supervisor can use to
// abort a runaway step. It does not affect Enforce's allow/deny decision.
func (r *Registry) DetectDoomLoop(agent, tool string, input any) bool {
	return r.doomLoop.Check(agent, tool, input)
}

// Audit returns a snapshot of the most recent audit entries, oldest first.
func (r *Registry) Audit() []AuditEntry {
	return r.audit.Snapshot()
}

// matchCapability matches a single capability pattern against a tool
// invocation string. Patterns with no "bash " prefix are glob-matched
// against the bare tool name; patterns beginning with "bash " are matched
// against the parsed shell command hierarchy when tool itself begins with
// "bash ".
func matchCapability(pattern, tool string) bool {
	if pattern == "*" {
		return true
	}

	const bashPrefix = "bash "
	if len(pattern) >= len(bashPrefix) && pattern[:len(bashPrefix)] == bashPrefix {
		if len(tool) < len(bashPrefix) || tool[:len(bashPrefix)] != bashPrefix {
			return false
		}
		return matchBashCapability(pattern[len(bashPrefix):], tool[len(bashPrefix):])
	}

	if pattern == tool {
		return true
	}
	ok, err := doublestar.Match(pattern, tool)
	return err == nil && ok
}

// matchBashCapability parses commandLine and checks it against a bash
// sub-pattern (everything after the leading "bash " of the capability
// entry), using the same hierarchical matching as MatchPattern.
func matchBashCapability(subPattern, commandLine string) bool {
	commands, err := ParseBashCommand(commandLine)
	if err != nil || len(commands) == 0 {
		return false
	}
	for _, cmd := range commands {
		if MatchPattern(subPattern, cmd) {
			return true
		}
	}
	return false
}
