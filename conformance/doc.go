// Package conformance drives a live replica group through random operation
// sequences and checks every observable outcome against the oracle.
//
// Outcomes are compared by kind: a live ErrDataMissing matches the oracle's
// NotFound or MaxTriesReached, ErrRestoreFailed matches BadCommitment, and a
// restored secret must equal the oracle's byte for byte.
package conformance
