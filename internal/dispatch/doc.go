// Package dispatch routes bridge requests to the local collaborators.
//
// | command      | chain                                        | result   |
// |--------------|----------------------------------------------|----------|
// | GET, POST    | control-plane proxy                          | body     |
// | CREATE_USER  | create account, exchange credentials, mint   | {token}  |
// | DELETE_USER  | delete account                               | null     |
// | UPDATE_TOKEN | exchange credentials, mint                   | {token}  |
//
// Command names are matched case-insensitively. The first failing step ends
// the chain and its failure is the Response.
//
// Requests with hasResult=false are acknowledged at once with
// "Request processed" and run in the background; Wait drains them.
package dispatch
