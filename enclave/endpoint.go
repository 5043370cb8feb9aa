package enclave

import (
	"time"

	"github.com/ruteri/tee-secret-recovery/connmgr"
	"github.com/ruteri/tee-secret-recovery/cryptoutils"
	"github.com/ruteri/tee-secret-recovery/interfaces"
)

// EndpointParams is what the client expects from an enclave of flavor E.
type EndpointParams[E Kind] struct {
	MrEnclave MrEnclave[E]
	// RaftConfigOverride replaces the consensus group check with an exact
	// match. Ignored by flavors without consensus groups.
	RaftConfigOverride *cryptoutils.RaftConfig
	// Verifier replaces the flavor's default verifier.
	Verifier cryptoutils.Verifier
}

// NewEndpointParams returns params with the flavor defaults.
func NewEndpointParams[E Kind](mr MrEnclave[E]) EndpointParams[E] {
	return EndpointParams[E]{MrEnclave: mr}
}

// WithRaftOverride returns a copy requiring the given consensus group.
func (p EndpointParams[E]) WithRaftOverride(cfg *cryptoutils.RaftConfig) EndpointParams[E] {
	p.RaftConfigOverride = cfg
	return p
}

// WithVerifier returns a copy using v instead of the flavor's verifier.
func (p EndpointParams[E]) WithVerifier(v cryptoutils.Verifier) EndpointParams[E] {
	p.Verifier = v
	return p
}

func (p EndpointParams[E]) verifier() cryptoutils.Verifier {
	if p.Verifier != nil {
		return p.Verifier
	}
	var kind E
	return kind.DefaultVerifier()
}

// EnclaveEndpoint is a single-route enclave address.
type EnclaveEndpoint[E Kind] struct {
	Route     interfaces.ConnectionParams
	MrEnclave MrEnclave[E]
	// Policy controls the route cooldown. Zero fields take defaults.
	Policy interfaces.RetryPolicy
}

// EnclaveEndpointConnection pairs a connection manager with the enclave path
// and the expectations for the enclave behind it.
type EnclaveEndpointConnection[E Kind] struct {
	Manager connmgr.ConnectionManager
	Path    string
	Params  EndpointParams[E]
	// Now is the clock used for evidence validity checks.
	Now func() time.Time
}

// NewEndpointConnection creates a single-route endpoint connection.
func NewEndpointConnection[E Kind](endpoint EnclaveEndpoint[E], connectTimeout time.Duration, opts ...connmgr.Option) *EnclaveEndpointConnection[E] {
	return WithCustomProperties(endpoint, connectTimeout, nil, opts...)
}

// WithCustomProperties creates a single-route endpoint connection with a
// consensus group override.
func WithCustomProperties[E Kind](endpoint EnclaveEndpoint[E], connectTimeout time.Duration, raftOverride *cryptoutils.RaftConfig, opts ...connmgr.Option) *EnclaveEndpointConnection[E] {
	return &EnclaveEndpointConnection[E]{
		Manager: connmgr.NewSingleRoute(endpoint.Route, endpoint.Policy, connectTimeout, opts...),
		Path:    endpoint.MrEnclave.Path(),
		Params:  NewEndpointParams(endpoint.MrEnclave).WithRaftOverride(raftOverride),
		Now:     time.Now,
	}
}

// NewEndpointConnectionMulti creates an endpoint connection failing over
// between routes in order.
func NewEndpointConnectionMulti[E Kind](mr MrEnclave[E], routes []interfaces.ConnectionParams, policy interfaces.RetryPolicy, connectTimeout time.Duration, opts ...connmgr.Option) *EnclaveEndpointConnection[E] {
	return &EnclaveEndpointConnection[E]{
		Manager: connmgr.NewMultiRoute(routes, policy, connectTimeout, opts...),
		Path:    mr.Path(),
		Params:  NewEndpointParams(mr),
		Now:     time.Now,
	}
}

// WithParams returns a copy sharing the manager but using params.
func (c *EnclaveEndpointConnection[E]) WithParams(params EndpointParams[E]) *EnclaveEndpointConnection[E] {
	cp := *c
	cp.Params = params
	return &cp
}

var timeNow = time.Now
