package supervisor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiautoagent/orchestrator/internal/ctxbus"
	"github.com/kiautoagent/orchestrator/internal/history"
	"github.com/kiautoagent/orchestrator/internal/memory"
	"github.com/kiautoagent/orchestrator/internal/permission"
	"github.com/kiautoagent/orchestrator/internal/storage"
	"github.com/kiautoagent/orchestrator/pkg/types"
)

func newTestSupervisor(t *testing.T) (*Supervisor, *history.History) {
	t.Helper()
	store := storage.New(t.TempDir())
	hist, err := history.New(context.Background(), store, 0, 0)
	require.NoError(t, err)
	mem := memory.New(memory.NewHashEncoder(), 0)
	bus := ctxbus.New()

	cfg := types.Config{DefaultAgent: "orchestrator", ClassifierThreshold: 0.6}
	sup := New(cfg, nil, hist, mem, bus, nil, nil)
	return sup, hist
}

func TestClassify_KeywordMatchIsDeterministic(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	intent := sup.classify(context.Background(), "please review my code", "")
	assert.Equal(t, types.IntentReview, intent.Kind)
	assert.Equal(t, keywordConfidence, intent.Confidence)
}

func TestClassify_FirstRuleWinsOnOverlap(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	// "architecture" matches Architecture; the prompt also happens to
	// contain "review" later on. Architecture is declared first and must win.
	intent := sup.classify(context.Background(), "design the architecture, then review it", "")
	assert.Equal(t, types.IntentArchitecture, intent.Kind)
}

func TestClassify_RulelessPromptFallsBackToQueryWithoutClassifier(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	intent := sup.classify(context.Background(), "hello there", "")
	assert.Equal(t, types.IntentQuery, intent.Kind)
	assert.Equal(t, classifierFailureConf, intent.Confidence)
}

func TestBuildWorkflow_QueryIsSingleStep(t *testing.T) {
	steps := buildWorkflow(types.Intent{Kind: types.IntentQuery, PreferredAgent: "architect"}, "")
	require.Len(t, steps, 1)
	assert.Equal(t, "architect", steps[0].Agent)
	assert.Equal(t, types.StepPending, steps[0].Status)
}

func TestBuildWorkflow_ImplementationStepsAreOrderedAndDependent(t *testing.T) {
	steps := buildWorkflow(types.Intent{Kind: types.IntentImplementation}, "")
	require.Len(t, steps, 4)
	assert.Equal(t, []string{"plan", "implement", "test", "review"}, []string{steps[0].ID, steps[1].ID, steps[2].ID, steps[3].ID})
	assert.Equal(t, []string{"plan"}, steps[1].DependsOn)
}

func TestBuildWorkflow_ProjectStepAppendedOnce(t *testing.T) {
	steps := buildWorkflow(types.Intent{Kind: types.IntentImplementation}, "go")
	require.Len(t, steps, 5)
	last := steps[len(steps)-1]
	assert.Equal(t, "lint", last.ID)
	assert.Equal(t, []string{"review"}, last.DependsOn)

	// Unknown project type adds nothing.
	steps2 := buildWorkflow(types.Intent{Kind: types.IntentImplementation}, "rust")
	assert.Len(t, steps2, 4)
}

func TestAggregateStatus(t *testing.T) {
	all := []types.WorkflowStep{{Status: types.StepSuccess}, {Status: types.StepSuccess}}
	assert.Equal(t, types.WorkflowSuccess, aggregateStatus(all))

	mixed := []types.WorkflowStep{{Status: types.StepSuccess}, {Status: types.StepFailed}}
	assert.Equal(t, types.WorkflowPartialSuccess, aggregateStatus(mixed))

	none := []types.WorkflowStep{{Status: types.StepFailed}, {Status: types.StepSkipped}}
	assert.Equal(t, types.WorkflowFailed, aggregateStatus(none))
}

func TestAggregateContent(t *testing.T) {
	single := []types.WorkflowStep{{Description: "plan", Result: "the plan"}}
	assert.Equal(t, "the plan", aggregateContent(single))

	multi := []types.WorkflowStep{
		{Description: "plan", Result: "do X"},
		{Description: "implement", Result: "done X"},
		{Description: "review", Result: ""},
	}
	assert.Equal(t, "### plan\ndo X\n\n### implement\ndone X", aggregateContent(multi))
}

func TestHandle_NoRegistryFailsOrSkipsEveryStepButStillReportsWorkflow(t *testing.T) {
	sup, hist := newTestSupervisor(t)
	ctx := context.Background()

	sess, err := hist.CreateSession(ctx, "")
	require.NoError(t, err)

	var events []types.ServerEvent
	sink := func(_ string, e types.ServerEvent) { events = append(events, e) }

	workflow, err := sup.Handle(ctx, sess.ID, "implement a new widget", ChatOptions{}, sink)
	require.NoError(t, err)

	assert.Equal(t, types.WorkflowFailed, workflow.Status)
	for _, step := range workflow.Steps {
		// plan fails outright; every later step depends on a step that
		// did not succeed and is skipped.
		if step.ID == "plan" {
			assert.Equal(t, types.StepFailed, step.Status)
		} else {
			assert.Equal(t, types.StepSkipped, step.Status)
		}
		assert.NotEmpty(t, step.Error)
	}
	// one checkpoint per step
	assert.Len(t, workflow.Checkpoints, len(workflow.Steps))

	assert.Equal(t, "user_message", events[0].Type)
	assert.Equal(t, "complete", events[len(events)-1].Type)

	msgs, err := hist.GetCurrentMessages(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, types.RoleUser, msgs[0].Role)
}

func TestHandle_DependentStepSkippedWhenDependencyFails(t *testing.T) {
	sup, hist := newTestSupervisor(t)
	ctx := context.Background()
	sess, err := hist.CreateSession(ctx, "")
	require.NoError(t, err)

	workflow, err := sup.Handle(ctx, sess.ID, "implement a feature", ChatOptions{}, nil)
	require.NoError(t, err)

	plan := workflow.StepByID("plan")
	implement := workflow.StepByID("implement")
	require.NotNil(t, plan)
	require.NotNil(t, implement)
	assert.Equal(t, types.StepFailed, plan.Status)
	assert.Equal(t, types.StepSkipped, implement.Status)
	assert.Contains(t, implement.Error, "plan")
}

func TestTranslateNotification(t *testing.T) {
	event, ok := translateNotification("architect", types.Notification{Method: "thinking", Params: []byte(`{"content":"pondering"}`)})
	require.True(t, ok)
	assert.Equal(t, "agent_thinking", event.Type)

	_, ok = translateNotification("architect", types.Notification{Method: "log", Params: []byte(`{}`)})
	assert.False(t, ok)
}

func TestOnAgentNotify_RoutesToActiveSessionOnly(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	var got []types.ServerEvent
	sup.setActive("architect", "session-1", func(_ string, e types.ServerEvent) { got = append(got, e) })

	sup.OnAgentNotify("architect", types.Notification{Method: "progress", Params: []byte(`{"content":"working"}`)})
	require.Len(t, got, 1)
	assert.Equal(t, "progress", got[0].Type)

	sup.clearActive("architect")
	sup.OnAgentNotify("architect", types.Notification{Method: "progress", Params: []byte(`{"content":"ignored"}`)})
	assert.Len(t, got, 1)
}

func TestOnAgentNotify_DeniedToolUseSurfacesErrorInsteadOfProgress(t *testing.T) {
	store := storage.New(t.TempDir())
	hist, err := history.New(context.Background(), store, 0, 0)
	require.NoError(t, err)
	bus := ctxbus.New()
	t.Cleanup(func() { _ = bus.Close() })

	perm := permission.New(map[string]types.AgentDescriptor{
		"coder": {Name: "coder", CapabilitySet: []string{"read"}},
	})
	cfg := types.Config{DefaultAgent: "orchestrator", ClassifierThreshold: 0.6}
	sup := New(cfg, nil, hist, nil, bus, perm, nil)

	var got []types.ServerEvent
	sup.setActive("coder", "session-1", func(_ string, e types.ServerEvent) { got = append(got, e) })

	sup.OnAgentNotify("coder", types.Notification{Method: "tool_use", Params: []byte(`{"content":"rm -rf /","tool":"bash"}`)})

	require.Len(t, got, 1)
	assert.Equal(t, "error", got[0].Type)
	errEvent, ok := got[0].Data.(types.ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, "permission_denied", errEvent.Code)
}

func TestOnAgentNotify_AllowedToolUseForwardsProgress(t *testing.T) {
	store := storage.New(t.TempDir())
	hist, err := history.New(context.Background(), store, 0, 0)
	require.NoError(t, err)
	bus := ctxbus.New()
	t.Cleanup(func() { _ = bus.Close() })

	perm := permission.New(map[string]types.AgentDescriptor{
		"coder": {Name: "coder", CapabilitySet: []string{"read", "bash"}},
	})
	cfg := types.Config{DefaultAgent: "orchestrator", ClassifierThreshold: 0.6}
	sup := New(cfg, nil, hist, nil, bus, perm, nil)

	var got []types.ServerEvent
	sup.setActive("coder", "session-1", func(_ string, e types.ServerEvent) { got = append(got, e) })

	sup.OnAgentNotify("coder", types.Notification{Method: "tool_use", Params: []byte(`{"content":"ls","tool":"bash"}`)})

	require.Len(t, got, 1)
	assert.Equal(t, "progress", got[0].Type)
}
