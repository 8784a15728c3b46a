// Package homeassistant implements the bridge's collaborators on the local
// Home Assistant controller.
//
// The control-plane socket (the supervisor WebSocket API) carries:
//   - GET/POST proxying to the supervisor REST API
//   - User account creation and deletion
//   - The ethernet MAC lookup used during first-time setup
//
// Token issuance goes through two further paths:
//   - LoginFlow trades a username and password for a short-lived access
//     token over the HTTP login flow
//   - LongLivedMinter opens an on-demand socket authenticated with that
//     access token and mints a long-lived token named after the client
//
// All failures reported by the controller are returned as
// *protocol.CollaboratorError so the dispatcher can surface the controller's
// own message.
package homeassistant
