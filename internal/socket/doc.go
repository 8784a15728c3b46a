// Package socket bridges request/response traffic over a Home Assistant
// style WebSocket API.
//
// Every outbound message gets a numeric id, unique for the lifetime of one
// connection. Replies carrying a pending id resolve the matching caller; all
// other frames are ignored apart from the authentication handshake:
//
//	server: {"type":"auth_required"}
//	client: {"type":"auth","access_token":"..."}
//	server: {"type":"auth_ok"} | {"type":"auth_invalid"}
//
// A Socket never reconnects. When its connection drops, every pending call
// fails with protocol.ErrConnectionLost and the Socket is finished. Long-lived
// endpoints such as the supervisor control plane are wrapped in a Supervisor,
// which dials a fresh Socket with exponential backoff.
//
// Usage:
//
//	sock, err := socket.Dial(ctx, socket.Options{
//	    URL:         "ws://homeassistant:8123/api/websocket",
//	    Token:       accessToken,
//	    RequireAuth: true,
//	    Timeout:     5 * time.Second,
//	})
//	if err != nil {
//	    return err
//	}
//	defer sock.Close()
//
//	reply, err := sock.SendMessage(ctx, socket.Message{"type": "auth/refresh_tokens"}, 0)
package socket
