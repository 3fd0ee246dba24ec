package supervisor

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/kiautoagent/orchestrator/internal/memory"
	"github.com/kiautoagent/orchestrator/pkg/types"
)

const (
	recentHistoryLimit  = 5
	memorySearchK       = 5
	defaultMinSimilarity = 0.2
)

// hydrateMessages assembles the agent's system prompt, recent conversation
// history, relevant memories, and prior step results in this workflow into
// an eino message sequence, the same shape the teacher's provider layer
// sends upstream to an LLM. The Supervisor has no provider of its own (an
// agent is a subprocess, not an in-process model call), so the sequence is
// flattened to a single string via renderMessages before being handed to
// the agent as its "run" input.
func (s *Supervisor) hydrateMessages(ctx context.Context, workflow *types.Workflow, step *types.WorkflowStep, userPrompt, extraSystem string) []*schema.Message {
	var msgs []*schema.Message

	system := fmt.Sprintf("You are the %s agent. Task: %s", step.Agent, step.Description)
	if extraSystem != "" {
		system += "\n\n" + extraSystem
	}
	msgs = append(msgs, &schema.Message{Role: schema.System, Content: system})

	if s.history != nil {
		recent, err := s.history.GetCurrentMessages(ctx, workflow.SessionID, recentHistoryLimit)
		if err == nil {
			for _, m := range recent {
				msgs = append(msgs, &schema.Message{Role: conversationRole(m.Role), Content: m.Content})
			}
		}
	}

	if s.memory != nil {
		hits := s.memory.Search(ctx, userPrompt, memory.SearchOptions{K: memorySearchK, MinSimilarity: s.minSimilarity()})
		if len(hits) > 0 {
			var b strings.Builder
			b.WriteString("Relevant memories:\n")
			for _, hit := range hits {
				fmt.Fprintf(&b, "- (%s, similarity=%.2f) %v\n", hit.Entry.Type, hit.Similarity, hit.Entry.Content)
			}
			msgs = append(msgs, &schema.Message{Role: schema.System, Content: b.String()})
		}
	}

	for _, dep := range step.DependsOn {
		if depStep := workflow.StepByID(dep); depStep != nil && depStep.Result != "" {
			msgs = append(msgs, &schema.Message{
				Role:    schema.Assistant,
				Content: fmt.Sprintf("### %s\n%s", depStep.Description, depStep.Result),
			})
		}
	}

	msgs = append(msgs, &schema.Message{Role: schema.User, Content: userPrompt})
	return msgs
}

// conversationRole maps a persisted ConversationMessage role onto the
// matching eino schema role.
func conversationRole(r types.MessageRole) schema.RoleType {
	switch r {
	case types.RoleAssistant:
		return schema.Assistant
	case types.RoleSystem:
		return schema.System
	default:
		return schema.User
	}
}

// renderMessages flattens an eino message sequence into the plain-text
// form the agent subprocess's "run" RPC expects.
func renderMessages(msgs []*schema.Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s] %s", m.Role, m.Content)
	}
	return b.String()
}

// hydrateStep is the string-valued convenience wrapper callStep uses.
func (s *Supervisor) hydrateStep(ctx context.Context, workflow *types.Workflow, step *types.WorkflowStep, userPrompt, extraSystem string) string {
	return renderMessages(s.hydrateMessages(ctx, workflow, step, userPrompt, extraSystem))
}

func (s *Supervisor) minSimilarity() float64 {
	if s.minSimilarityVal > 0 {
		return s.minSimilarityVal
	}
	return defaultMinSimilarity
}
