// Package config provides configuration loading, merging, and persisted
// state path management for the orchestrator.
//
// Load implements a hierarchical loading strategy in priority order:
//
//  1. Global config (config/orchestrator.json[c])
//  2. Project config (<directory>/.kiautoagent/orchestrator.json[c])
//  3. Environment variables (APP_SOCKET_ADDR, APP_LOG_LEVEL)
//
// Both .json and .jsonc (JSON with // and /* */ comments) are supported.
// Maps (Agents, Credentials) are merged key-by-key; scalars are overwritten
// by the more specific source.
package config
