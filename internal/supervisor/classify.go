package supervisor

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/kiautoagent/orchestrator/internal/logging"
	"github.com/kiautoagent/orchestrator/pkg/types"
)

// keywordConfidence is the confidence assigned to a keyword-rule match;
// ruleless prompts get baseFallbackConfidence, which sits below any
// reasonable threshold and so always triggers the LLM fallback.
const (
	keywordConfidence      = 0.9
	baseFallbackConfidence = 0.3
	classifierFailureConf  = 0.5
	classifierCallTimeout  = 10 * time.Second
)

// keywordRule is one entry of the deterministic classification table.
// Rules are tried in declaration order and the first match wins — ties
// are broken by position in this slice, never by specificity or score.
type keywordRule struct {
	kind     types.IntentKind
	keywords []string
}

var keywordRules = []keywordRule{
	{types.IntentArchitecture, []string{"architecture", "design the", "system design", "schema for", "structure the"}},
	{types.IntentDebug, []string{"bug", "debug", "broken", "crash", "not working", "fix the error", "stack trace"}},
	{types.IntentReview, []string{"review", "critique", "look over", "check my code", "pr feedback"}},
	{types.IntentTrading, []string{"trade", "trading", "portfolio", "buy signal", "sell signal", "ticker"}},
	{types.IntentDocumentation, []string{"document", "documentation", "readme", "docstring", "write docs"}},
	{types.IntentResearch, []string{"research", "investigate", "compare options", "survey the"}},
	{types.IntentImplementation, []string{"implement", "build a", "create a", "add a feature", "write a function", "write code"}},
}

// classifierResult is the expected shape of the classifier agent's "run"
// response when keyword classification isn't confident enough.
type classifierResult struct {
	Kind       types.IntentKind `json:"kind"`
	Confidence float64          `json:"confidence"`
}

// classify produces an Intent for prompt. preferredAgent is an optional
// client hint and is always carried through untouched. call, when
// non-nil, is used for the LLM classifier fallback (registry.Registry.Call
// bound to the configured classifier agent) and is absent in tests that
// only exercise the keyword layer.
func (s *Supervisor) classify(ctx context.Context, prompt, preferredAgent string) types.Intent {
	lower := strings.ToLower(prompt)
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return types.Intent{Kind: rule.kind, Confidence: keywordConfidence, PreferredAgent: preferredAgent}
			}
		}
	}

	fallback := types.Intent{Kind: types.IntentQuery, Confidence: baseFallbackConfidence, PreferredAgent: preferredAgent}
	if fallback.Confidence >= s.classifierThreshold() {
		return fallback
	}
	return s.classifyFallback(ctx, prompt, preferredAgent)
}

// classifyFallback invokes the designated classifier agent. Any failure —
// no classifier configured, AgentUnavailable, timeout, or a malformed
// response — defaults to intent query at confidence 0.5, per the routing
// failure-mode rule.
func (s *Supervisor) classifyFallback(ctx context.Context, prompt, preferredAgent string) types.Intent {
	def := types.Intent{Kind: types.IntentQuery, Confidence: classifierFailureConf, PreferredAgent: preferredAgent}
	if s.registry == nil || s.classifierAgent == "" {
		return def
	}

	cctx, cancel := context.WithTimeout(ctx, classifierCallTimeout)
	defer cancel()

	raw, err := s.registry.Call(cctx, s.classifierAgent, "run", map[string]string{"prompt": prompt}, classifierCallTimeout)
	if err != nil {
		logging.Logger.Warn().Err(err).Msg("supervisor: classifier agent call failed, defaulting to query")
		return def
	}

	var result classifierResult
	if err := json.Unmarshal(raw, &result); err != nil || result.Kind == "" {
		logging.Logger.Warn().Err(err).Msg("supervisor: classifier agent returned a malformed response, defaulting to query")
		return def
	}
	return types.Intent{Kind: result.Kind, Confidence: result.Confidence, PreferredAgent: preferredAgent}
}

func (s *Supervisor) classifierThreshold() float64 {
	if s.classifierThresholdVal > 0 {
		return s.classifierThresholdVal
	}
	return defaultClassifierThreshold
}
