// Package chat orchestrates the platform connections. The Manager owns the
// set of live Connections and the dispatch table from channel key to
// subscribers.
//
// Inbound flow: a Connection normalizes wire frames into model.Events and the
// Manager enriches messages with catalog emotes, deduplicates by id, appends
// to per-channel history, and fans out to per-subscriber bounded queues (a
// slow subscriber loses its own oldest events, never anyone else's).
// Moderation events amend retained history in place; no Message is resent.
//
// Outbound flow: Send waits out the channel's slow-mode-derived rate limit,
// delegates to the Connection, and returns a PendingSend resolved by the
// platform's confirmation (the IRC echo on Twitch, the REST response
// elsewhere) or a timeout.
//
// Connections are built lazily per platform on the first OpenChannel and torn
// down when their last channel closes.
package chat
