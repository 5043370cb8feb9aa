package sharing

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShamir_SplitCombine(t *testing.T) {
	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err)

	tests := []struct {
		name      string
		n         int
		threshold int
	}{
		{"single replica", 1, 1},
		{"two of two", 2, 2},
		{"two of three", 3, 2},
		{"five of five", 5, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Shamir{}
			shares, err := s.Split(secret, tt.n, tt.threshold)
			require.NoError(t, err)
			require.Len(t, shares, tt.n)
			for _, share := range shares {
				assert.Len(t, share, s.ShareSize(len(secret)))
			}

			recovered, err := s.Combine(shares[:tt.threshold], tt.threshold)
			require.NoError(t, err)
			assert.Equal(t, secret, recovered)

			_, err = s.Combine(shares[:tt.threshold-1], tt.threshold)
			assert.ErrorIs(t, err, ErrNotEnoughShares)
		})
	}
}

func TestShamir_CorruptedShareYieldsDifferentSecret(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	s := Shamir{}

	shares, err := s.Split(secret, 2, 2)
	require.NoError(t, err)
	shares[0][0] ^= 0x01

	recovered, err := s.Combine(shares, 2)
	require.NoError(t, err)
	assert.NotEqual(t, secret, recovered)
}

func TestShamir_InvalidParameters(t *testing.T) {
	s := Shamir{}
	secret := []byte("secret")

	for _, params := range [][2]int{{0, 0}, {2, 3}, {3, 1}, {256, 2}} {
		_, err := s.Split(secret, params[0], params[1])
		assert.ErrorIs(t, err, ErrInvalidParameters, "n=%d threshold=%d", params[0], params[1])
	}

	_, err := s.Split(nil, 2, 2)
	assert.ErrorIs(t, err, ErrInvalidParameters)

	_, err = s.Combine([][]byte{{0x01, 0x05}}, 1)
	assert.ErrorIs(t, err, ErrInvalidParameters)
}

func TestWipe(t *testing.T) {
	data := []byte{1, 2, 3}
	Wipe(data)
	assert.Equal(t, []byte{0, 0, 0}, data)
}
