package cryptoutils

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/ruteri/tee-secret-recovery/connmgr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRaft = &RaftConfig{MinVotingReplicas: 3, MaxVotingReplicas: 5, SuperMajority: 2, GroupID: 7}

func devEvidence(t *testing.T, identity []byte, raft *RaftConfig) *Evidence {
	key, err := GenerateStaticKey(rand.Reader)
	require.NoError(t, err)
	evidence, err := NewEvidence(DevAttestationProvider{Identity: identity}, key.Public, raft)
	require.NoError(t, err)
	return evidence
}

func TestEvidenceEncoding(t *testing.T) {
	for _, raft := range []*RaftConfig{nil, testRaft} {
		evidence := devEvidence(t, []byte("identity"), raft)
		raw, err := evidence.MarshalBinary()
		require.NoError(t, err)

		var decoded Evidence
		require.NoError(t, decoded.UnmarshalBinary(raw))
		assert.Equal(t, *evidence, decoded)

		assert.Error(t, decoded.UnmarshalBinary(raw[:len(raw)-1]))
		assert.Error(t, decoded.UnmarshalBinary(append(raw, 0x00)))
	}
}

func TestVerifyEvidence(t *testing.T) {
	identity := []byte{0xde, 0xad, 0xbe, 0xef}
	other := *testRaft
	other.GroupID = 8

	tests := []struct {
		name     string
		evidence func(t *testing.T) *Evidence
		verifier Verifier
		opts     VerifyOptions
		ok       bool
	}{
		{
			name:     "valid without raft check",
			evidence: func(t *testing.T) *Evidence { return devEvidence(t, identity, nil) },
			verifier: DevVerifier{},
			opts:     VerifyOptions{Identity: identity},
			ok:       true,
		},
		{
			name:     "valid with raft override",
			evidence: func(t *testing.T) *Evidence { return devEvidence(t, identity, testRaft) },
			verifier: DevVerifier{},
			opts:     VerifyOptions{Identity: identity, CheckRaft: true, Raft: testRaft},
			ok:       true,
		},
		{
			name:     "valid with claimed raft",
			evidence: func(t *testing.T) *Evidence { return devEvidence(t, identity, testRaft) },
			verifier: DevVerifier{},
			opts:     VerifyOptions{Identity: identity, CheckRaft: true},
			ok:       true,
		},
		{
			name:     "identity mismatch",
			evidence: func(t *testing.T) *Evidence { return devEvidence(t, []byte{0x01}, nil) },
			verifier: DevVerifier{},
			opts:     VerifyOptions{Identity: identity},
		},
		{
			name:     "raft override mismatch",
			evidence: func(t *testing.T) *Evidence { return devEvidence(t, identity, testRaft) },
			verifier: DevVerifier{},
			opts:     VerifyOptions{Identity: identity, CheckRaft: true, Raft: &other},
		},
		{
			name:     "raft missing",
			evidence: func(t *testing.T) *Evidence { return devEvidence(t, identity, nil) },
			verifier: DevVerifier{},
			opts:     VerifyOptions{Identity: identity, CheckRaft: true},
		},
		{
			name: "substituted session key",
			evidence: func(t *testing.T) *Evidence {
				e := devEvidence(t, identity, nil)
				e.PublicKey[0] ^= 0xff
				return e
			},
			verifier: DevVerifier{},
			opts:     VerifyOptions{Identity: identity},
		},
		{
			name: "substituted raft claim",
			evidence: func(t *testing.T) *Evidence {
				e := devEvidence(t, identity, testRaft)
				e.Raft = &other
				return e
			},
			verifier: DevVerifier{},
			opts:     VerifyOptions{Identity: identity, CheckRaft: true},
		},
		{
			name:     "wrong evidence kind",
			evidence: func(t *testing.T) *Evidence { return devEvidence(t, identity, nil) },
			verifier: NitroVerifier{},
			opts:     VerifyOptions{Identity: identity},
		},
		{
			name: "garbage dcap quote",
			evidence: func(t *testing.T) *Evidence {
				return &Evidence{Kind: KindDCAP, Report: []byte("not a quote")}
			},
			verifier: DCAPVerifier{},
			opts:     VerifyOptions{Identity: identity, Now: time.Now()},
		},
		{
			name: "garbage nitro document",
			evidence: func(t *testing.T) *Evidence {
				return &Evidence{Kind: KindNitro, Report: []byte("not a document")}
			},
			verifier: NitroVerifier{},
			opts:     VerifyOptions{Identity: identity},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyEvidence(tt.verifier, tt.evidence(t), tt.opts)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			var attErr *AttestationError
			require.ErrorAs(t, err, &attErr)
			assert.True(t, connmgr.IsFatal(err))
		})
	}
}

func TestRaftConfigValidate(t *testing.T) {
	assert.NoError(t, testRaft.Validate())
	assert.Error(t, RaftConfig{}.Validate())
	assert.Error(t, RaftConfig{MinVotingReplicas: 3, MaxVotingReplicas: 2}.Validate())
	assert.Error(t, RaftConfig{MinVotingReplicas: 3, MaxVotingReplicas: 3, SuperMajority: 4}.Validate())
}
