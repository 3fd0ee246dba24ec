// Package ctxbus implements the Shared Context Bus: a versioned key/value
// store that agents read and write through a single global monotonic
// version counter, with pub/sub notification, per-key advisory locks, and
// snapshot/restore for checkpointing.
//
// Every successful update publishes the new value to subscribers other than
// the writer. A subscriber callback that returns an error or panics is
// isolated from the rest of the fan-out and reported on the Bus's error
// channel instead of aborting delivery.
package ctxbus
