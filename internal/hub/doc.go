// Package hub maintains the outbound connection to the cloud RPC hub.
//
// The hub speaks the JSON hub protocol over WebSocket:
//
//  1. POST <hub>/negotiate?negotiateVersion=1 with the bearer token in the
//     access-token query parameter, returning a connection token
//  2. WebSocket upgrade on <hub>?access-token=...&id=<connectionToken>
//  3. Handshake {"protocol":"json","version":1} terminated by 0x1E
//
// After the handshake every frame carries one or more JSON records, each
// terminated by 0x1E. The record types handled here are invocation (1),
// completion (3), ping (6) and close (7).
//
// Conn is a single hub connection. Manager owns the lifecycle around it:
// login, persisting the credential, re-authentication after a 401, retry
// with a fixed interval after server or network failures, and forwarding
// server-initiated "Request" invocations to consumers as protocol.Exchange
// values.
//
// Usage:
//
//	mgr, err := hub.NewManager(hub.Options{
//	    URL:           cfg.Hub.URL(),
//	    Authenticator: apollo.NewPasswordAuthenticator(...),
//	    Credentials:   creds,
//	})
//	if err != nil {
//	    return err
//	}
//	go mgr.Run(ctx)
//	go dispatcher.Serve(ctx, mgr.Requests())
package hub
