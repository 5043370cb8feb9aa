// Package enclavetest runs secret recovery replicas in process.
//
// A Replica implements the replica side of the attested handshake and the
// request loop, spending restore attempts with oracle.ConsumeAttempt. A Server
// exposes replicas over websockets at their enclave paths, the same way the
// production frontends do, so clients can be exercised end to end against
// development evidence. Server.PipeConnector skips the sockets entirely.
package enclavetest
