package interfaces

// SecretSharing splits a secret into shares such that threshold of them
// reconstruct it.
type SecretSharing interface {
	// Split produces n shares of secret.
	Split(secret []byte, n int, threshold int) ([][]byte, error)
	// Combine reconstructs the secret from at least threshold shares.
	Combine(shares [][]byte, threshold int) ([]byte, error)
	// ShareSize is the length of every share of a secret of secretSize bytes.
	ShareSize(secretSize int) int
}
