package cryptoutils

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ruteri/tee-secret-recovery/wire"
)

var devReportMagic = []byte("SVR-DEV-REPORT")

// DevAttestationProvider produces unsigned reports naming Identity. It is
// for local test replicas only.
type DevAttestationProvider struct {
	Identity []byte
}

func (DevAttestationProvider) Kind() EvidenceKind { return KindDev }

func (p DevAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	if len(p.Identity) == 0 {
		return nil, errors.New("dev attestation provider has no identity")
	}
	b := wire.WriteFixed(nil, devReportMagic)
	b = wire.WriteSlice(b, p.Identity)
	return wire.WriteFixed(b, reportData[:]), nil
}

// DevVerifier accepts reports from DevAttestationProvider. It checks identity
// and binding but no signature.
type DevVerifier struct{}

func (DevVerifier) Kind() EvidenceKind { return KindDev }

func (DevVerifier) Verify(evidence *Evidence, opts VerifyOptions) error {
	d := wire.NewDecoder(evidence.Report)
	magic := d.Fixed("magic", uint64(len(devReportMagic)))
	identity := d.Slice("identity")
	reportData := d.Fixed("report data", 64)
	if err := d.Finish(); err != nil {
		return fmt.Errorf("malformed dev report: %w", err)
	}
	if !bytes.Equal(magic, devReportMagic) {
		return errors.New("not a dev report")
	}

	if err := checkIdentity(identity, opts.Identity); err != nil {
		return err
	}

	expected := ReportData(evidence.PublicKey, evidence.Raft)
	if !bytes.Equal(reportData, expected[:]) {
		return &AttestationError{Reason: "report data does not match session key"}
	}
	return nil
}
