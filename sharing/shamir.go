// Package sharing implements threshold secret sharing over GF(2^8) using
// Shamir's scheme from github.com/hashicorp/vault/shamir.
//
// Every share is one byte longer than the secret: the trailing byte is the
// share's x coordinate. A single replica degenerates to a 1-of-1 sharing whose
// only share is the secret followed by a zero coordinate byte.
package sharing

import (
	"errors"
	"fmt"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/tee-secret-recovery/interfaces"
)

var (
	ErrInvalidParameters = errors.New("invalid sharing parameters")
	ErrNotEnoughShares   = errors.New("not enough shares")
)

// Shamir is the vault-backed SecretSharing implementation.
type Shamir struct{}

var _ interfaces.SecretSharing = Shamir{}

// Split produces n shares, any threshold of which reconstruct secret.
func (Shamir) Split(secret []byte, n int, threshold int) ([][]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty secret", ErrInvalidParameters)
	}
	if threshold < 1 || n < threshold || n > 255 {
		return nil, fmt.Errorf("%w: %d-of-%d", ErrInvalidParameters, threshold, n)
	}

	if n == 1 {
		share := make([]byte, len(secret)+1)
		copy(share, secret)
		return [][]byte{share}, nil
	}
	if threshold == 1 {
		return nil, fmt.Errorf("%w: threshold 1 requires a single share", ErrInvalidParameters)
	}

	shares, err := shamir.Split(secret, n, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split secret: %w", err)
	}
	return shares, nil
}

// Combine reconstructs the secret. Reconstruction from the wrong shares
// yields garbage rather than an error; callers verify the result separately.
func (Shamir) Combine(shares [][]byte, threshold int) ([]byte, error) {
	if len(shares) < threshold || len(shares) == 0 {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughShares, len(shares), threshold)
	}

	if threshold == 1 && len(shares) == 1 {
		share := shares[0]
		if len(share) < 2 || share[len(share)-1] != 0 {
			return nil, fmt.Errorf("%w: malformed single share", ErrInvalidParameters)
		}
		secret := make([]byte, len(share)-1)
		copy(secret, share)
		return secret, nil
	}

	secret, err := shamir.Combine(shares)
	if err != nil {
		return nil, fmt.Errorf("failed to combine shares: %w", err)
	}
	return secret, nil
}

// ShareSize returns secretSize plus the coordinate byte.
func (Shamir) ShareSize(secretSize int) int {
	return secretSize + 1
}

// Wipe zeroes data in place.
func Wipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
