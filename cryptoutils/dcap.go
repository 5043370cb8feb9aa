package cryptoutils

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_client "github.com/google/go-tdx-guest/client"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/google/go-tdx-guest/verify"
)

// DCAPVerifier verifies Intel DCAP quotes. The measured identity is MRTD.
type DCAPVerifier struct {
	// GetCollateral fetches PCS collateral and checks revocations online.
	GetCollateral bool
}

func (DCAPVerifier) Kind() EvidenceKind { return KindDCAP }

func (v DCAPVerifier) Verify(evidence *Evidence, opts VerifyOptions) error {
	protoQuote, err := tdx_abi.QuoteToProto(evidence.Report)
	if err != nil {
		return fmt.Errorf("could not parse quote: %w", err)
	}

	v4Quote, ok := protoQuote.(*tdx_pb.QuoteV4)
	if !ok {
		return fmt.Errorf("unsupported quote type: %T", protoQuote)
	}

	options := verify.DefaultOptions()
	options.GetCollateral = v.GetCollateral
	options.CheckRevocations = v.GetCollateral
	if !opts.Now.IsZero() {
		options.Now = opts.Now
	}
	if err := verify.TdxQuote(protoQuote, options); err != nil {
		return fmt.Errorf("quote verification failed: %w", err)
	}

	if err := checkIdentity(v4Quote.TdQuoteBody.MrTd, opts.Identity); err != nil {
		return err
	}

	expected := ReportData(evidence.PublicKey, evidence.Raft)
	if !bytes.Equal(v4Quote.TdQuoteBody.ReportData, expected[:]) {
		return &AttestationError{Reason: fmt.Sprintf("invalid report data %x, expected %x", v4Quote.TdQuoteBody.ReportData, expected[:])}
	}
	return nil
}

// DCAPAttestationProvider produces quotes from the local TDX guest device.
type DCAPAttestationProvider struct{}

func (DCAPAttestationProvider) Kind() EvidenceKind { return KindDCAP }

func (DCAPAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		return qp.GetRawQuote(reportData)
	}

	qd, err := tdx_client.OpenDevice()
	if err != nil {
		return nil, err
	}
	defer qd.Close()

	return tdx_client.GetRawQuote(qd, reportData)
}

// RemoteAttestationProvider fetches quotes from a quote service at
// <Address>/attest/<hex report data>.
type RemoteAttestationProvider struct {
	Address string
	Client  *http.Client
}

func (*RemoteAttestationProvider) Kind() EvidenceKind { return KindDCAP }

func (p *RemoteAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	url := fmt.Sprintf("%s/attest/%s", p.Address, hex.EncodeToString(reportData[:]))
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("calling remote quote provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("remote quote provider returned status %d: %s", resp.StatusCode, string(body))
	}

	rawQuote, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading quote from response: %w", err)
	}
	return rawQuote, nil
}
