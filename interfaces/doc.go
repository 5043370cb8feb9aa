// Package interfaces defines core interfaces and types for the secret recovery
// client, separating interface definitions from implementations.
//
// # Identity Types
//
//   - UserID: 16-byte identifier scoping per-user replica records
//   - Secret: 32-byte payload protected by a backup
//
// # Transport Interfaces
//
// ConnectionParams: one network route (host, port, TLS, host header override)
// to an enclave replica.
//
// RetryPolicy: cooldown growth applied by the connection manager after route
// failures.
//
// Stream: message-framed duplex connection produced by a TransportConnector.
//
// TransportConnector: opens raw streams to a route; the websocket
// implementation lives in the transport package.
//
// # Cryptographic Collaborators
//
// SecretSharing: threshold split and reconstruction of secrets, implemented by
// the sharing package.
package interfaces
