// Package apollo holds the bridge's relationship with the Apollo hub beyond
// the connection itself:
//   - PasswordAuthenticator logs in to the hub with the configured account
//   - MemoryCredentials caches the hub credential and drops it once its JWT
//     expiry has passed
//   - SetupProcess registers this controller with the hub on first start
package apollo
