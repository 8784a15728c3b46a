// Package protocol defines the values every bridge transport agrees on.
//
// A Request arrives from the hub (or, in the broker variant, from an MQTT
// topic), the dispatcher turns it into a Response, and the transport that
// received it delivers the Response back to the caller. The error taxonomy
// in errors.go is shared by every transport so callers can use errors.Is
// regardless of which connection failed.
//
// Exchange pairs a Request with a write-once ReplySink. It is how the hub
// connection hands inbound requests to the dispatcher without a shared event
// bus: whoever receives the Exchange owns exactly one reply.
package protocol
