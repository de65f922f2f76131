// Package presence tracks which users have a live channel and which
// conversations each of them is viewing, and fans notifications out to
// online users.
//
// A user has at most one live channel. Registering a new one replaces the
// old; the manager hands the superseded channel back to the caller and never
// closes it itself. Open-conversation sets survive disconnects so a quick
// reconnect keeps its "read while viewing" state.
//
// One RWMutex guards both maps. Channel.Send must only enqueue, never block,
// so fan-out holds the read lock for a bounded time and registration can never
// interleave with a send to the channel it is replacing.
package presence
