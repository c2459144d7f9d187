// Package server implements the HTTP and WebSocket surface of the relay.
//
// The implementation is organized into specialized files for configuration,
// origin policy, clients, routing, and HTTP handlers. All relay state lives in
// the relay.Hub the server wraps; this package only moves frames between
// sockets and the hub.
package server
