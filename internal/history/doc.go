// Package history implements the conversation history store: an
// append-only, per-session message log with bounded per-session retention
// and LRU eviction across sessions, backed by the same JSON-file storage
// the rest of the system uses for durable state. Writes to a single
// session are serialized; reads see a consistent snapshot of whatever was
// last written.
package history
