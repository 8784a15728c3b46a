// Package pubsub turns broker publish/subscribe into awaitable request/response.
//
// Outbound, SendRequest publishes a request carrying a correlation token and
// (when a reply is wanted) a reply topic, then waits for the first message on
// that topic echoing the same token. Replies are matched on (reply topic,
// token), never on arrival order, so concurrent callers may share a reply
// topic safely. Reply-topic subscriptions are reference counted: the first
// waiter subscribes and the last one out unsubscribes.
//
// Inbound, Handle subscribes a request topic once. ServeRequests wires such a
// topic to the command dispatcher: requests that expect a result are answered
// on the sender's reply topic with its correlation data echoed; requests
// without a reply path are still dispatched when they need no result.
//
// A broker disconnect fails every in-flight request with
// protocol.ErrConnectionLost instead of letting them time out.
package pubsub
