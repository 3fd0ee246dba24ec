// Package types provides the core data model shared across the
// orchestrator: agent descriptors and process state, RPC frames, memory
// entries, shared context values, conversation history, workflows and
// checkpoints, and the client gateway's wire types.
package types
