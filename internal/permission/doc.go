// Package permission enforces a static, per-agent tool capability map.
//
// The Registry is built once at startup from each agent's
// types.AgentDescriptor.CapabilitySet and never mutates afterward. The
// supervisor calls Enforce for each tool_use notification an agent sends;
// the JSON-RPC transport itself does not call Enforce. Both allowances and
// denials are recorded into a bounded audit ring buffer (capacity 10,000,
// oldest entries dropped first).
//
// Capability entries are either exact tool names, glob patterns matched
// with doublestar (e.g. "read*"), or bash command patterns of the form
// "bash <cmd> <subcommand> *" matched against a parsed shell command via
// mvdan.cc/sh/v3 — the same hierarchical pattern scheme the teacher used
// for its interactive bash approval flow, repurposed here for static
// enforcement. DetectDoomLoop, a separate method backed by a
// DoomLoopDetector, flags an agent issuing the same tool call three times
// in a row; Enforce neither consults nor reports it.
package permission
