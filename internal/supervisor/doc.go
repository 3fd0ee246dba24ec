// Package supervisor classifies an incoming user prompt into an Intent,
// builds an ordered Workflow of agent steps from it, executes each step
// against the Agent Process Registry with context hand-off between
// dependent steps, and aggregates the results. It is the one component
// that ties the Registry, Conversation History, Vector Memory Store, and
// Shared Context Bus together into a single request/response cycle.
package supervisor
