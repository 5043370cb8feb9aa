package svr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/ruteri/tee-secret-recovery/cryptoutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestDecoding(t *testing.T) {
	req := Request{
		Op:          OpBackup,
		BackupID:    uuid.MustParse("7d444840-9dc0-11d1-b245-5ffdce74fad2"),
		MaxTries:    7,
		GuessTag:    [32]byte{1, 2, 3},
		MaskedShare: []byte{9, 8, 7},
	}
	encoded, err := req.MarshalBinary()
	require.NoError(t, err)

	var decoded Request
	require.NoError(t, decoded.UnmarshalBinary(encoded))
	assert.Equal(t, req, decoded)

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "truncated", data: encoded[:len(encoded)-1]},
		{name: "trailing bytes", data: append(append([]byte(nil), encoded...), 0)},
		{name: "unknown op", data: append([]byte{0x7f}, encoded[1:]...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r Request
			assert.Error(t, r.UnmarshalBinary(tt.data))
		})
	}
}

func TestResponseDecoding(t *testing.T) {
	resp := Response{Status: StatusBadCommitment, BackupID: uuid.New(), TriesLeft: 2}
	encoded, err := resp.MarshalBinary()
	require.NoError(t, err)

	var decoded Response
	require.NoError(t, decoded.UnmarshalBinary(encoded))
	assert.Equal(t, resp.Status, decoded.Status)
	assert.Equal(t, resp.BackupID, decoded.BackupID)
	assert.Equal(t, uint32(2), decoded.TriesLeft)
	assert.Empty(t, decoded.MaskedShare)

	encoded[0] = 0
	assert.Error(t, decoded.UnmarshalBinary(encoded))
}

func TestShareSetEncoding(t *testing.T) {
	set := &ShareSet{
		ServerIDs:  []uint64{1, 2},
		BackupID:   uuid.New(),
		Salt:       make([]byte, cryptoutils.SaltSize),
		KDF:        cryptoutils.DefaultKDFParams(),
		Threshold:  2,
		ShareSize:  33,
		Commitment: [32]byte{0xcc},
	}
	encoded, err := set.MarshalBinary()
	require.NoError(t, err)

	var decoded ShareSet
	require.NoError(t, decoded.UnmarshalBinary(encoded))
	assert.Equal(t, set, &decoded)
	assert.True(t, decoded.matches([]uint64{1, 2}))
	assert.False(t, decoded.matches([]uint64{1}))

	bad := *set
	bad.Threshold = 3
	encoded, err = bad.MarshalBinary()
	require.NoError(t, err)
	assert.Error(t, decoded.UnmarshalBinary(encoded))

	assert.Error(t, decoded.UnmarshalBinary([]byte("not a share set")))
}

func TestMostSevere(t *testing.T) {
	missing := fmt.Errorf("%w: replica 1", ErrDataMissing)
	failed := fmt.Errorf("%w: replica 2", ErrRestoreFailed)
	protocol := protocolError("bad status")
	network := netError(errors.New("reset"))

	assert.Nil(t, mostSevere([]error{nil, nil}))
	assert.Equal(t, failed, mostSevere([]error{nil, failed}))
	assert.Equal(t, missing, mostSevere([]error{failed, missing}))
	assert.Equal(t, protocol, mostSevere([]error{missing, protocol, failed}))
	assert.Equal(t, network, mostSevere([]error{failed, protocol, network}))
}
