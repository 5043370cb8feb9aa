// Package env describes the deployments a client can talk to: where each
// enclave lives, which measurement it must prove, and the retry and password
// stretching settings to use with it.
//
// Environments are read from YAML. A set is embedded in the binary and
// selected with Load; LoadFile reads a deployment-specific file instead.
package env

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"time"

	"github.com/ruteri/tee-secret-recovery/auth"
	"github.com/ruteri/tee-secret-recovery/connmgr"
	"github.com/ruteri/tee-secret-recovery/cryptoutils"
	"github.com/ruteri/tee-secret-recovery/enclave"
	"github.com/ruteri/tee-secret-recovery/interfaces"
	"github.com/ruteri/tee-secret-recovery/serviceresolver"
	"github.com/ruteri/tee-secret-recovery/svr"
	"gopkg.in/yaml.v3"
)

//go:embed environments.yaml
var embedded []byte

var ErrUnknownEnvironment = errors.New("unknown environment")

const defaultConnectTimeout = 10 * time.Second

// EndpointConfig locates one enclave.
type EndpointConfig struct {
	MrEnclave  string `yaml:"mr_enclave"`
	Hostname   string `yaml:"hostname"`
	Port       uint16 `yaml:"port"`
	TLS        bool   `yaml:"tls"`
	PathPrefix string `yaml:"path_prefix"`
	// IPFallbacks are dialed in order after the hostname, presenting the
	// hostname in the Host header and TLS server name.
	IPFallbacks []string `yaml:"ip_fallbacks"`
	// SRV names a service record whose targets are appended to the routes
	// by Environment.Resolve.
	SRV string `yaml:"srv"`
	// Verifier is empty for the flavor's hardware verifier or "dev".
	Verifier string                  `yaml:"verifier"`
	Raft     *cryptoutils.RaftConfig `yaml:"raft"`
}

// Routes returns the hostname route followed by the fallbacks.
func (c *EndpointConfig) Routes() []interfaces.ConnectionParams {
	routes := []interfaces.ConnectionParams{{
		Host:       c.Hostname,
		Port:       c.Port,
		TLS:        c.TLS,
		PathPrefix: c.PathPrefix,
	}}
	for _, ip := range c.IPFallbacks {
		routes = append(routes, interfaces.ConnectionParams{
			Host:       ip,
			Port:       c.Port,
			TLS:        c.TLS,
			HostHeader: c.Hostname,
			PathPrefix: c.PathPrefix,
		})
	}
	return routes
}

func (c *EndpointConfig) validate() error {
	if c.MrEnclave == "" {
		return errors.New("mr_enclave is required")
	}
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}
	if c.Verifier != "" && c.Verifier != "dev" {
		return fmt.Errorf("unknown verifier %q", c.Verifier)
	}
	if c.Raft != nil {
		if err := c.Raft.Validate(); err != nil {
			return fmt.Errorf("raft: %w", err)
		}
	}
	return nil
}

// Connection builds the endpoint connection for flavor E.
func Connection[E enclave.Kind](c *EndpointConfig, connectTimeout time.Duration, policy interfaces.RetryPolicy, opts ...connmgr.Option) (*enclave.EnclaveEndpointConnection[E], error) {
	mr, err := enclave.ParseMrEnclave[E](c.MrEnclave)
	if err != nil {
		return nil, fmt.Errorf("mr_enclave: %w", err)
	}

	var conn *enclave.EnclaveEndpointConnection[E]
	routes := c.Routes()
	if len(routes) == 1 {
		conn = enclave.WithCustomProperties(enclave.EnclaveEndpoint[E]{Route: routes[0], MrEnclave: mr, Policy: policy}, connectTimeout, c.Raft, opts...)
	} else {
		conn = enclave.NewEndpointConnectionMulti(mr, routes, policy, connectTimeout, opts...)
		conn = conn.WithParams(conn.Params.WithRaftOverride(c.Raft))
	}

	if c.Verifier == "dev" {
		conn = conn.WithParams(conn.Params.WithVerifier(cryptoutils.DevVerifier{}))
	}
	return conn, nil
}

type Svr3Env struct {
	Sgx   EndpointConfig `yaml:"sgx"`
	Nitro EndpointConfig `yaml:"nitro"`
}

// Environment is one named deployment.
type Environment struct {
	Name           string                 `yaml:"-"`
	ConnectTimeout time.Duration          `yaml:"connect_timeout"`
	Retry          interfaces.RetryPolicy `yaml:"retry"`
	KDF            cryptoutils.KDFParams  `yaml:"kdf"`
	Svr3           Svr3Env                `yaml:"svr3"`
	Cdsi           *EndpointConfig        `yaml:"cdsi"`
}

// Validate checks every configured endpoint.
func (e *Environment) Validate() error {
	if err := e.Svr3.Sgx.validate(); err != nil {
		return fmt.Errorf("svr3.sgx: %w", err)
	}
	if err := e.Svr3.Nitro.validate(); err != nil {
		return fmt.Errorf("svr3.nitro: %w", err)
	}
	if e.Cdsi != nil {
		if err := e.Cdsi.validate(); err != nil {
			return fmt.Errorf("cdsi: %w", err)
		}
	}
	if e.KDF != (cryptoutils.KDFParams{}) {
		if err := e.KDF.Validate(); err != nil {
			return fmt.Errorf("kdf: %w", err)
		}
	}
	return nil
}

func (e *Environment) connectTimeout() time.Duration {
	if e.ConnectTimeout <= 0 {
		return defaultConnectTimeout
	}
	return e.ConnectTimeout
}

func (e *Environment) SgxConnection(opts ...connmgr.Option) (*enclave.EnclaveEndpointConnection[enclave.Sgx], error) {
	return Connection[enclave.Sgx](&e.Svr3.Sgx, e.connectTimeout(), e.Retry, opts...)
}

func (e *Environment) NitroConnection(opts ...connmgr.Option) (*enclave.EnclaveEndpointConnection[enclave.Nitro], error) {
	return Connection[enclave.Nitro](&e.Svr3.Nitro, e.connectTimeout(), e.Retry, opts...)
}

func (e *Environment) CdsiConnection(opts ...connmgr.Option) (*enclave.EnclaveEndpointConnection[enclave.Cdsi], error) {
	if e.Cdsi == nil {
		return nil, fmt.Errorf("environment %s has no cdsi endpoint", e.Name)
	}
	return Connection[enclave.Cdsi](e.Cdsi, e.connectTimeout(), e.Retry, opts...)
}

// Resolve appends the targets of every configured SRV record to the
// endpoint's fallbacks.
func (e *Environment) Resolve(ctx context.Context, resolver *serviceresolver.Resolver) error {
	endpoints := []*EndpointConfig{&e.Svr3.Sgx, &e.Svr3.Nitro}
	if e.Cdsi != nil {
		endpoints = append(endpoints, e.Cdsi)
	}
	for _, c := range endpoints {
		if c.SRV == "" {
			continue
		}
		routes, err := resolver.ResolveRoutes(ctx, c.SRV, c.TLS)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", c.SRV, err)
		}
		for _, route := range routes {
			if route.Host != c.Hostname && !slices.Contains(c.IPFallbacks, route.Host) {
				c.IPFallbacks = append(c.IPFallbacks, route.Host)
			}
		}
	}
	return nil
}

// ClientConfig carries what a protocol client needs beyond the environment.
type ClientConfig struct {
	Connector   interfaces.TransportConnector
	SgxSecret   [auth.SecretSize]byte
	NitroSecret [auth.SecretSize]byte
	Options     []connmgr.Option
}

// Client builds a protocol client for the environment's replica pair.
func (e *Environment) Client(cfg ClientConfig) (*svr.Client, error) {
	sgx, err := e.SgxConnection(cfg.Options...)
	if err != nil {
		return nil, fmt.Errorf("svr3.sgx: %w", err)
	}
	nitro, err := e.NitroConnection(cfg.Options...)
	if err != nil {
		return nil, fmt.Errorf("svr3.nitro: %w", err)
	}
	return &svr.Client{
		Sgx:         sgx,
		Nitro:       nitro,
		Connector:   cfg.Connector,
		SgxSecret:   cfg.SgxSecret,
		NitroSecret: cfg.NitroSecret,
		KDF:         e.KDF,
	}, nil
}

// Parse reads the environment called name from YAML data.
func Parse(data []byte, name string) (*Environment, error) {
	var all map[string]*Environment
	if err := yaml.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("parsing environments: %w", err)
	}
	e, ok := all[name]
	if !ok || e == nil {
		return nil, fmt.Errorf("%w %q", ErrUnknownEnvironment, name)
	}
	e.Name = name
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("environment %s: %w", name, err)
	}
	return e, nil
}

// Load returns an embedded environment.
func Load(name string) (*Environment, error) {
	return Parse(embedded, name)
}

// LoadFile returns an environment from a YAML file.
func LoadFile(path, name string) (*Environment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, name)
}

// Names lists the embedded environments.
func Names() []string {
	var all map[string]yaml.Node
	if err := yaml.Unmarshal(embedded, &all); err != nil {
		return nil
	}
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
