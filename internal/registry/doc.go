// Package registry implements the Agent Process Registry: it owns every
// AgentProcess's lifecycle (spawn, initialize handshake, health, restart,
// drain, teardown) and is the only caller of internal/rpc's Transport.
// Callers reach an agent exclusively through Call/Notify; Start/Stop are
// for bringing processes up and down and are not on the request path.
package registry
