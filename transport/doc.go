// Package transport provides message-framed streams to enclave replicas.
//
// WebSocketConnector dials replicas over ws:// or wss:// with binary frames,
// one message per frame. Pipe returns a connected pair of in-memory streams
// used by tests to run a client and an in-process replica without sockets.
//
// Every blocking call honors the context it is given: deadlines become socket
// deadlines and cancellation interrupts pending reads.
package transport
