// Package rpc implements the JSON-RPC 2.0 transport multiplexer used to
// talk to each agent subprocess over its stdin/stdout: line-delimited JSON
// frames, monotonically increasing request ids, a single deadline
// scheduler per transport, and notification routing for out-of-band
// messages (thinking, progress, tool-use traces).
package rpc
