// Package relay joins the hub connection to the broker when the bridge runs
// in relay mode.
//
// In relay mode no collaborator is called locally. Hub requests are
// forwarded to the node over the broker and the node's reply becomes the
// hub method result. In the other direction the node invokes hub methods by
// publishing {command, data} on the invoke and setup topics, and supplies the
// hub access token on the auth topic.
//
// Failures on the broker path are reported with code "0101".
package relay
