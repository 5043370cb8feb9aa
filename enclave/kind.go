package enclave

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ruteri/tee-secret-recovery/cryptoutils"
)

// Kind is an enclave flavor.
type Kind interface {
	// Name identifies the flavor in logs and configuration.
	Name() string
	// URLPath is the websocket path of the enclave with the given identity.
	URLPath(identity []byte) string
	// ParseIdentity decodes an identity from configuration.
	ParseIdentity(s string) ([]byte, error)
	// DefaultVerifier checks evidence when EndpointParams has no verifier.
	DefaultVerifier() cryptoutils.Verifier
	// ChecksRaft reports whether evidence must carry a consensus group.
	ChecksRaft() bool
}

// SvrFlavor is a Kind that hosts secret recovery replicas.
type SvrFlavor interface {
	Kind
	svrFlavor()
}

// Sgx is the SGX secret recovery flavor.
type Sgx struct{}

func (Sgx) Name() string { return "sgx" }

func (Sgx) URLPath(identity []byte) string {
	return "/v1/" + hex.EncodeToString(identity)
}

func (Sgx) ParseIdentity(s string) ([]byte, error) { return parseHexIdentity(s) }

func (Sgx) DefaultVerifier() cryptoutils.Verifier { return cryptoutils.DCAPVerifier{} }

func (Sgx) ChecksRaft() bool { return true }

func (Sgx) svrFlavor() {}

// Nitro is the AWS Nitro secret recovery flavor. Its identity is text.
type Nitro struct{}

func (Nitro) Name() string { return "nitro" }

func (Nitro) URLPath(identity []byte) string {
	return "/v1/" + string(identity)
}

func (Nitro) ParseIdentity(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("empty identity")
	}
	if !utf8.ValidString(s) || strings.ContainsAny(s, "/?#") {
		return nil, fmt.Errorf("invalid nitro identity %q", s)
	}
	return []byte(s), nil
}

func (Nitro) DefaultVerifier() cryptoutils.Verifier { return cryptoutils.NitroVerifier{} }

func (Nitro) ChecksRaft() bool { return true }

func (Nitro) svrFlavor() {}

// Cdsi is the contact discovery flavor.
type Cdsi struct{}

func (Cdsi) Name() string { return "cdsi" }

func (Cdsi) URLPath(identity []byte) string {
	return "/v1/" + hex.EncodeToString(identity) + "/discovery"
}

func (Cdsi) ParseIdentity(s string) ([]byte, error) { return parseHexIdentity(s) }

func (Cdsi) DefaultVerifier() cryptoutils.Verifier { return cryptoutils.DCAPVerifier{} }

func (Cdsi) ChecksRaft() bool { return false }

func parseHexIdentity(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid hex identity: %w", err)
	}
	if len(b) == 0 {
		return nil, errors.New("empty identity")
	}
	return b, nil
}

// MrEnclave is an enclave identity tagged with its flavor.
type MrEnclave[E Kind] struct {
	inner []byte
}

// NewMrEnclave tags raw identity bytes with flavor E.
func NewMrEnclave[E Kind](identity []byte) MrEnclave[E] {
	return MrEnclave[E]{inner: append([]byte(nil), identity...)}
}

// ParseMrEnclave decodes a configured identity for flavor E.
func ParseMrEnclave[E Kind](s string) (MrEnclave[E], error) {
	var kind E
	b, err := kind.ParseIdentity(s)
	if err != nil {
		return MrEnclave[E]{}, err
	}
	return MrEnclave[E]{inner: b}, nil
}

// Bytes returns the raw identity.
func (m MrEnclave[E]) Bytes() []byte {
	return m.inner
}

// Path returns the websocket path of this enclave.
func (m MrEnclave[E]) Path() string {
	var kind E
	return kind.URLPath(m.inner)
}

func (m MrEnclave[E]) String() string {
	var kind E
	return kind.Name() + ":" + hex.EncodeToString(m.inner)
}
