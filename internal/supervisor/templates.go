package supervisor

import "github.com/kiautoagent/orchestrator/pkg/types"

// workflowTemplates maps an Intent kind to its ordered, static step list.
// Steps are declared in dependency order — a step's DependsOn only ever
// names an earlier entry — so building and executing a workflow never
// needs a general topological sort, just a single forward pass.
//
// query always yields exactly one step with no accumulation, per the
// build-workflow rule; every other kind may additionally gain
// project-specific steps appended by appendProjectSteps.
var workflowTemplates = map[types.IntentKind][]types.WorkflowStep{
	types.IntentQuery: {
		{ID: "respond", Agent: "orchestrator", Description: "Answer the user's query directly."},
	},
	types.IntentArchitecture: {
		{ID: "design", Agent: "architect", Description: "Design the architecture for the requested change."},
	},
	types.IntentImplementation: {
		{ID: "plan", Agent: "architect", Description: "Plan the implementation."},
		{ID: "implement", Agent: "codesmith", Description: "Implement the planned change.", DependsOn: []string{"plan"}},
		{ID: "test", Agent: "codesmith", Description: "Write and run tests for the change.", DependsOn: []string{"implement"}},
		{ID: "review", Agent: "codesmith", Description: "Review the implementation and tests.", DependsOn: []string{"test"}},
	},
	types.IntentReview: {
		{ID: "review", Agent: "reviewer", Description: "Review the referenced code."},
	},
	types.IntentDebug: {
		{ID: "diagnose", Agent: "architect", Description: "Diagnose the reported bug."},
		{ID: "fix", Agent: "codesmith", Description: "Fix the diagnosed bug.", DependsOn: []string{"diagnose"}},
		{ID: "verify", Agent: "codesmith", Description: "Verify the fix resolves the bug.", DependsOn: []string{"fix"}},
	},
	types.IntentDocumentation: {
		{ID: "document", Agent: "docuwriter", Description: "Write documentation for the requested subject."},
	},
	types.IntentResearch: {
		{ID: "research", Agent: "researcher", Description: "Research the requested topic."},
	},
	types.IntentTrading: {
		{ID: "analyze", Agent: "trader", Description: "Analyze the requested market or position."},
		{ID: "execute", Agent: "trader", Description: "Execute the analyzed trading decision.", DependsOn: []string{"analyze"}},
	},
}

// projectSpecificSteps names extra steps appended to a non-query
// workflow for a given project type, when no template step already uses
// that id. Each is wired to depend on the template's final step.
var projectSpecificSteps = map[string]types.WorkflowStep{
	"go":         {ID: "lint", Agent: "codesmith", Description: "Run static analysis and linters."},
	"typescript": {ID: "typecheck", Agent: "codesmith", Description: "Run the type checker."},
}

// buildWorkflow instantiates the template for intent.Kind, applying
// preferredAgent as the single step's agent for a query intent (the
// classifier's preferred-agent hint takes priority over the template
// default only for query, since non-query templates route each step to
// the agent best suited for that step's role) and appending any
// not-already-present project-specific step.
func buildWorkflow(intent types.Intent, projectType string) []types.WorkflowStep {
	template := workflowTemplates[intent.Kind]
	if template == nil {
		template = workflowTemplates[types.IntentQuery]
	}

	steps := make([]types.WorkflowStep, len(template))
	copy(steps, template)
	for i := range steps {
		steps[i].Status = types.StepPending
	}

	if intent.Kind == types.IntentQuery && intent.PreferredAgent != "" {
		steps[0].Agent = intent.PreferredAgent
	}

	if intent.Kind == types.IntentQuery {
		return steps
	}

	if extra, ok := projectSpecificSteps[projectType]; ok && stepByID(steps, extra.ID) == nil {
		extra.Status = types.StepPending
		extra.DependsOn = []string{steps[len(steps)-1].ID}
		steps = append(steps, extra)
	}
	return steps
}

func stepByID(steps []types.WorkflowStep, id string) *types.WorkflowStep {
	for i := range steps {
		if steps[i].ID == id {
			return &steps[i]
		}
	}
	return nil
}
