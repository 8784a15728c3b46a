// Package correlation matches asynchronous replies to the calls that produced them.
//
// A Table maps a correlation token to a Pending handle. Every registered
// token ends in exactly one of three ways:
//
//   - Resolve delivers a value
//   - Reject delivers an error (RejectAll does so for every entry, which is
//     how a reconnect fails work tied to a stale connection)
//   - the per-entry timer fires and the waiter receives protocol.ErrTimeout
//
// Whichever comes first removes the entry; the others become silent no-ops,
// so late or duplicate replies are harmless. Nothing is retained after
// completion.
//
// Each transport owns its own Table. Keys are generic so the socket bridge
// can use integer message ids while the broker bridge keys on
// (reply topic, correlation data).
package correlation
