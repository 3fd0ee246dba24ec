// Package gateway accepts persistent duplex client connections, dispatches
// their messages to the Supervisor, and streams resulting events back.
// Each connection owns one outbound queue with bounded capacity and
// progress coalescing, and processes at most one workflow at a time.
package gateway
