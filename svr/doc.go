// Package svr implements the client side of secret value recovery: backing up
// a secret across a group of attested replicas under a password, and restoring
// it by proving knowledge of that password.
//
// # Protocol
//
// Backup stretches the password with Argon2id under a fresh salt, splits the
// secret n-of-n with Shamir sharing and sends each replica its share masked
// with a password-derived keystream, a password-derived guess tag and the
// maximum number of restore attempts. The result is an opaque ShareSet that
// the caller stores; it is needed for every later restore.
//
// Restore derives the same tags, asks every replica for its masked share and
// combines the unmasked shares. Each replica spends one attempt per request
// and deletes the record when no attempts remain. A keyed BLAKE3 commitment in
// the ShareSet confirms the reconstructed secret.
//
// All replicas are contacted concurrently. Backup fails as a whole if any
// replica fails, after removing the new record from replicas that accepted
// it. Restore waits for every replica and reports the most significant
// failure.
//
// # Errors
//
// Every error returned by this package matches exactly one of the sentinel
// errors with errors.Is; the underlying cause stays in the chain. Callers
// seeing ErrDataMissing should discard the share set. ErrRestoreFailed means
// the password was wrong and may be retried while attempts remain.
package svr
