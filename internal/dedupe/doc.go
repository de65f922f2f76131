// Package dedupe remembers idempotency keys for a bounded time so that a client
// retrying a send gets the original result back instead of a second message.
//
// A request first claims its key. A new key is Claimed and the caller must later
// Complete it with a result or Release it on failure. A repeat of a completed key
// returns Completed with the recorded result; a repeat while the first request is
// still running returns InFlight.
package dedupe
