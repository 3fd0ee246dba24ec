// Package checkpoint implements the Checkpoint & Pause Controller: it gates
// a running workflow between steps on a per-session pause flag, keeps the
// Shared Context Bus snapshot taken after every step so a session can be
// rolled back to its most recent one, and truncates Conversation History to
// match on rollback.
package checkpoint
