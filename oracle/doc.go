// Package oracle is the reference model of a replica group's observable
// behavior.
//
// Storage holds, per user id, the last backed-up secret and its remaining
// restore attempts. ConsumeAttempt is the single definition of how a restore
// attempt spends tries; replicas under test use the same function, so the
// model and the implementation cannot drift apart.
//
// GenerateTransition produces random operation sequences for conformance
// runs, and Model exposes the same semantics as a porcupine model so that
// concurrent histories can be checked for linearizability.
package oracle
