package credential

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kiautoagent/orchestrator/internal/logging"
	"github.com/kiautoagent/orchestrator/pkg/types"
)

const (
	fastProbeTimeout     = 3 * time.Second
	fallbackProbeTimeout = 8 * time.Second
)

// Validator checks presence and live connectivity of required credentials
// before the server opens any socket.
type Validator struct {
	specs  map[string]types.CredentialSpec
	client *http.Client
}

// New creates a Validator for the given credential specs (name -> spec).
func New(specs map[string]types.CredentialSpec) *Validator {
	return &Validator{
		specs:  specs,
		client: &http.Client{},
	}
}

// LoadEnv loads credential values from a .env file into the process
// environment, without overriding variables already set.
func LoadEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

// Validate checks every required credential. It returns the first fatal
// failure as a *types.CredentialError; non-fatal outcomes (timeout with a
// passing format check) are logged as warnings and do not fail validation.
func (v *Validator) Validate(ctx context.Context) error {
	// Deterministic order so failures are reproducible across runs.
	names := make([]string, 0, len(v.specs))
	for name := range v.specs {
		names = append(names, name)
	}
	sortStrings(names)

	for _, name := range names {
		spec := v.specs[name]
		value := os.Getenv(spec.EnvVar)

		if value == "" {
			if !spec.Required {
				continue
			}
			return &types.CredentialError{
				Credential: name,
				Reason:     remediate(spec, fmt.Sprintf("environment variable %s is not set", spec.EnvVar)),
			}
		}

		if spec.Strategy == types.ProbeNone || spec.ProbeURL == "" {
			continue
		}

		outcome, err := v.probe(ctx, spec, value)
		if err != nil {
			// Both probe attempts failed to even connect; treat as a format
			// check rather than a hard failure only if the value looks
			// well-formed, matching the timeout/warning rule.
			if formatLooksValid(value) {
				logging.Warn().Str("credential", name).Msg("credential probe unreachable, accepting on format check")
				continue
			}
			return &types.CredentialError{
				Credential: name,
				Reason:     remediate(spec, fmt.Sprintf("liveness probe failed: %v", err)),
			}
		}

		switch outcome {
		case outcomeValid:
			// ok
		case outcomeFatal:
			return &types.CredentialError{
				Credential: name,
				Reason:     remediate(spec, "credential rejected by the service (401/403)"),
			}
		case outcomeWarn:
			logging.Warn().Str("credential", name).Msg("credential probe returned an unexpected status, accepting")
		}
	}

	return nil
}

// remediate builds the multi-line what/why/how remediation message. No
// credential value ever appears in the returned string.
func remediate(spec types.CredentialSpec, reason string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", reason)
	fmt.Fprintf(&b, "  what: required credential for environment variable %s\n", spec.EnvVar)
	fmt.Fprintf(&b, "  why:  the orchestrator cannot start without it\n")
	if spec.RemediationHint != "" {
		fmt.Fprintf(&b, "  how:  %s\n", spec.RemediationHint)
	} else {
		fmt.Fprintf(&b, "  how:  set %s in config/.env or the process environment\n", spec.EnvVar)
	}
	return b.String()
}

// formatLooksValid is a minimal sanity check used only to decide whether an
// unreachable probe should be a warning instead of a hard failure.
func formatLooksValid(value string) bool {
	trimmed := strings.TrimSpace(value)
	return trimmed != "" && trimmed == value && len(trimmed) >= 8
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
