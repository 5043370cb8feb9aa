// Package cryptoutils provides the cryptographic building blocks of the secret
// recovery client: attestation evidence verification, the attested session
// cipher and password-derived key material.
//
// # Attestation
//
// A replica proves its identity with an Evidence envelope:
//
//	Evidence{Kind, Report, PublicKey, Raft}
//
// Report is a hardware attestation whose report data commits to the static
// session public key and the claimed consensus group (see BindingHash).
// Verifiers check the report signature chain, compare the measured identity
// against the expected one and check the binding:
//
//   - DCAPVerifier: Intel DCAP quotes (github.com/google/go-tdx-guest), MRTD
//     compared with the expected measurement.
//   - NitroVerifier: AWS Nitro attestation documents
//     (github.com/anjuna-security/go-nitro-attestation), hex PCR0 compared with
//     the expected measurement.
//   - DevVerifier: unsigned development reports produced by
//     DevAttestationProvider. Never use outside of local environments.
//
// VerifyEvidence runs a verifier and the consensus group check, returning an
// *AttestationError on any failure.
//
// # Session
//
// After verification the client sends an ephemeral X25519 public key. Both
// sides derive directional ChaCha20-Poly1305 keys with HKDF-SHA256 over the
// shared secret, salted with the hash of the evidence envelope. Frames carry an
// implicit 64-bit counter nonce, so reordered, replayed or dropped frames fail
// to open.
//
// # Password keys
//
// DerivePasswordKey stretches a password with Argon2id. Per-replica guess tags
// and share masks are derived from the stretched key with HKDF, and Commit
// produces a keyed BLAKE3 commitment used to confirm a reconstructed secret.
package cryptoutils
