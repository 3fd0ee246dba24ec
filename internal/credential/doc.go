// Package credential validates required external API credentials at
// process startup, before any other subsystem accepts traffic: presence,
// then a liveness probe against the service, with a fail-fast multi-line
// remediation message on hard failure. No credential value is ever logged.
package credential
