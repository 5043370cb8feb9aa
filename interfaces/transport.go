package interfaces

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ConnectionParams describes one network route to an enclave replica.
type ConnectionParams struct {
	// Host is the hostname or IP address to dial.
	Host string `yaml:"host"`
	// Port to dial. Zero selects 443 for TLS routes and 80 otherwise.
	Port uint16 `yaml:"port"`
	// TLS selects wss:// instead of ws://.
	TLS bool `yaml:"tls"`
	// HostHeader overrides the Host header, used when dialing an IP fallback.
	HostHeader string `yaml:"host_header"`
	// PathPrefix is prepended to the enclave path.
	PathPrefix string `yaml:"path_prefix"`
}

// Address returns host:port.
func (p ConnectionParams) Address() string {
	port := p.Port
	if port == 0 {
		if p.TLS {
			port = 443
		} else {
			port = 80
		}
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(int(port)))
}

// URL builds the websocket URL for an enclave path.
func (p ConnectionParams) URL(path string) *url.URL {
	scheme := "ws"
	if p.TLS {
		scheme = "wss"
	}
	return &url.URL{
		Scheme: scheme,
		Host:   p.Address(),
		Path:   strings.TrimSuffix(p.PathPrefix, "/") + path,
	}
}

// String identifies the route in logs.
func (p ConnectionParams) String() string {
	if p.HostHeader != "" {
		return fmt.Sprintf("%s(%s)", p.Address(), p.HostHeader)
	}
	return p.Address()
}

// RetryPolicy controls how long a route is left alone after a failure.
type RetryPolicy struct {
	// InitialCooldown is the cooldown after the first failure.
	InitialCooldown time.Duration `yaml:"initial_cooldown"`
	// MaxCooldown caps the cooldown growth.
	MaxCooldown time.Duration `yaml:"max_cooldown"`
	// Multiplier grows the cooldown after each consecutive failure.
	Multiplier float64 `yaml:"multiplier"`
	// Jitter is the randomization factor applied to every cooldown (0 disables).
	Jitter float64 `yaml:"jitter"`
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialCooldown: time.Second,
		MaxCooldown:     time.Minute,
		Multiplier:      2,
		Jitter:          0,
	}
}

// Stream is an ordered, message-framed duplex connection.
type Stream interface {
	// Send writes one message.
	Send(ctx context.Context, msg []byte) error
	// Receive reads the next message.
	Receive(ctx context.Context) ([]byte, error)
	// Close releases the connection.
	Close() error
}

// TransportConnector opens raw streams to a route. Implementations must
// support concurrent independent connections.
type TransportConnector interface {
	Connect(ctx context.Context, route ConnectionParams, path string, header http.Header) (Stream, error)
}
