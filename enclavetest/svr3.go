package enclavetest

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/tee-secret-recovery/auth"
	"github.com/ruteri/tee-secret-recovery/connmgr"
	"github.com/ruteri/tee-secret-recovery/cryptoutils"
	"github.com/ruteri/tee-secret-recovery/enclave"
	"github.com/ruteri/tee-secret-recovery/interfaces"
	"github.com/ruteri/tee-secret-recovery/svr"
)

var (
	// SgxIdentity is the measurement of local Sgx replicas.
	SgxIdentity = enclave.NewMrEnclave[enclave.Sgx]([]byte{0x5e, 0xc0, 0xde, 0x01})
	// NitroIdentity is the measurement of local Nitro replicas.
	NitroIdentity = enclave.NewMrEnclave[enclave.Nitro]([]byte("local.nitro.v1"))
	// LocalRaft is the consensus group local replicas report.
	LocalRaft = cryptoutils.RaftConfig{MinVotingReplicas: 3, MaxVotingReplicas: 5, SuperMajority: 2, GroupID: 7}
)

// Svr3 is an Sgx and Nitro replica pair behind one Server.
type Svr3 struct {
	Server      *Server
	Sgx         *Replica
	Nitro       *Replica
	SgxSecret   [auth.SecretSize]byte
	NitroSecret [auth.SecretSize]byte

	sgxIdentity   enclave.MrEnclave[enclave.Sgx]
	nitroIdentity enclave.MrEnclave[enclave.Nitro]
}

// Svr3Config configures NewSvr3WithConfig.
type Svr3Config struct {
	// ListenAddr defaults to an ephemeral loopback port.
	ListenAddr string
	// Credential secrets. Nil secrets are generated.
	SgxSecret   *[auth.SecretSize]byte
	NitroSecret *[auth.SecretSize]byte
	// Provider replaces development evidence, e.g. with TDX quotes. The
	// identities must then match what the provider measures.
	Provider      cryptoutils.AttestationProvider
	SgxIdentity   *enclave.MrEnclave[enclave.Sgx]
	NitroIdentity *enclave.MrEnclave[enclave.Nitro]
	Log           *slog.Logger
}

// NewSvr3 starts a local replica pair on a loopback port with random
// credential secrets.
func NewSvr3(log *slog.Logger) (*Svr3, error) {
	return NewSvr3WithConfig(Svr3Config{Log: log})
}

// NewSvr3WithConfig starts a local replica pair.
func NewSvr3WithConfig(cfg Svr3Config) (*Svr3, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Svr3{sgxIdentity: SgxIdentity, nitroIdentity: NitroIdentity}
	if cfg.SgxIdentity != nil {
		s.sgxIdentity = *cfg.SgxIdentity
	}
	if cfg.NitroIdentity != nil {
		s.nitroIdentity = *cfg.NitroIdentity
	}
	if err := loadOrGenerate(&s.SgxSecret, cfg.SgxSecret); err != nil {
		return nil, err
	}
	if err := loadOrGenerate(&s.NitroSecret, cfg.NitroSecret); err != nil {
		return nil, err
	}

	raft := LocalRaft
	var err error
	s.Sgx, err = NewReplica(ReplicaConfig{
		Identity:   s.sgxIdentity.Bytes(),
		Provider:   cfg.Provider,
		Raft:       &raft,
		AuthSecret: &s.SgxSecret,
		Log:        log.With(slog.String("replica", "sgx")),
	})
	if err != nil {
		return nil, fmt.Errorf("sgx replica: %w", err)
	}
	s.Nitro, err = NewReplica(ReplicaConfig{
		Identity:   s.nitroIdentity.Bytes(),
		Provider:   cfg.Provider,
		Raft:       &raft,
		AuthSecret: &s.NitroSecret,
		Log:        log.With(slog.String("replica", "nitro")),
	})
	if err != nil {
		return nil, fmt.Errorf("nitro replica: %w", err)
	}

	s.Server, err = NewServer(&ServerConfig{ListenAddr: cfg.ListenAddr, Log: log})
	if err != nil {
		return nil, err
	}
	s.Server.Add(s.sgxIdentity.Path(), s.Sgx)
	s.Server.Add(s.nitroIdentity.Path(), s.Nitro)
	s.Server.RunInBackground()
	return s, nil
}

// Endpoints returns endpoint connections to both replicas that accept
// development evidence.
func (s *Svr3) Endpoints(policy interfaces.RetryPolicy, connectTimeout time.Duration, opts ...connmgr.Option) (*enclave.EnclaveEndpointConnection[enclave.Sgx], *enclave.EnclaveEndpointConnection[enclave.Nitro]) {
	route := s.Server.Route()
	sgx := enclave.NewEndpointConnection(enclave.EnclaveEndpoint[enclave.Sgx]{Route: route, MrEnclave: s.sgxIdentity, Policy: policy}, connectTimeout, opts...)
	sgx = sgx.WithParams(sgx.Params.WithVerifier(cryptoutils.DevVerifier{}))
	nitro := enclave.NewEndpointConnection(enclave.EnclaveEndpoint[enclave.Nitro]{Route: route, MrEnclave: s.nitroIdentity, Policy: policy}, connectTimeout, opts...)
	nitro = nitro.WithParams(nitro.Params.WithVerifier(cryptoutils.DevVerifier{}))
	return sgx, nitro
}

// Client returns a protocol client for the pair using connector and cheap
// password stretching.
func (s *Svr3) Client(connector interfaces.TransportConnector, log *slog.Logger) *svr.Client {
	if log == nil {
		log = slog.Default()
	}
	sgx, nitro := s.Endpoints(interfaces.DefaultRetryPolicy(), 5*time.Second, connmgr.WithLogger(log))
	return &svr.Client{
		Sgx:         sgx,
		Nitro:       nitro,
		Connector:   connector,
		SgxSecret:   s.SgxSecret,
		NitroSecret: s.NitroSecret,
		KDF:         FastKDF,
		Log:         log,
	}
}

// FastKDF is password stretching cheap enough for tests.
var FastKDF = cryptoutils.KDFParams{Time: 1, MemoryKiB: 64, Threads: 1}

// Close stops the server.
func (s *Svr3) Close() {
	s.Server.Close()
}

func loadOrGenerate(dst *[auth.SecretSize]byte, src *[auth.SecretSize]byte) error {
	if src != nil {
		*dst = *src
		return nil
	}
	_, err := rand.Read(dst[:])
	return err
}
