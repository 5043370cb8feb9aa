package cryptoutils

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/anjuna-security/go-nitro-attestation/verifier"
)

// NitroVerifier verifies AWS Nitro attestation documents. The measured
// identity is the lowercase hex encoding of PCR0.
// Documents must chain to the AWS Nitro root certificate.
type NitroVerifier struct{}

func (NitroVerifier) Kind() EvidenceKind { return KindNitro }

func (NitroVerifier) Verify(evidence *Evidence, opts VerifyOptions) error {
	sr, err := verifier.NewSignedAttestationReport(bytes.NewReader(evidence.Report))
	if err != nil {
		return fmt.Errorf("failed to parse nitro attestation document: %w", err)
	}

	if err := verifier.Validate(sr, nil); err != nil {
		return fmt.Errorf("nitro attestation validation failed: %w", err)
	}

	pcr0 := sr.Document.PCRs[0]
	if pcr0 == nil {
		return &AttestationError{Reason: "PCR0 not found in attestation document"}
	}
	measured := fmt.Sprintf("%x", pcr0)
	if err := checkIdentity([]byte(measured), []byte(strings.ToLower(string(opts.Identity)))); err != nil {
		return err
	}

	expected := BindingHash(evidence.PublicKey, evidence.Raft)
	if string(sr.Document.UserData) != string(expected[:]) {
		return &AttestationError{Reason: "attestation user data does not match session key"}
	}
	return nil
}
