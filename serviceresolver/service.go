package serviceresolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/miekg/dns"
	"github.com/ruteri/tee-secret-recovery/interfaces"
)

// DefaultNameserver is the local stub resolver.
const DefaultNameserver = "127.0.0.53:53"

// ErrNoRecords is returned when the SRV query has no usable answers.
var ErrNoRecords = errors.New("no SRV records")

// Resolver queries SRV records from a single nameserver.
type Resolver struct {
	Nameserver string
	client     *dns.Client
}

// New creates a resolver. An empty nameserver selects DefaultNameserver.
func New(nameserver string) *Resolver {
	if nameserver == "" {
		nameserver = DefaultNameserver
	}
	return &Resolver{
		Nameserver: nameserver,
		client:     new(dns.Client),
	}
}

// ResolveRoutes looks up the SRV records of service and converts them into
// routes in priority order.
func (r *Resolver) ResolveRoutes(ctx context.Context, service string, tls bool) ([]interfaces.ConnectionParams, error) {
	m1 := new(dns.Msg)
	m1.Id = dns.Id()
	m1.RecursionDesired = true
	m1.Question = []dns.Question{{Name: dns.Fqdn(service), Qtype: dns.TypeSRV, Qclass: dns.ClassINET}}

	in, _, err := r.client.ExchangeContext(ctx, m1, r.Nameserver)
	if err != nil {
		return nil, fmt.Errorf("SRV lookup for %s: %w", service, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("SRV lookup for %s: %s", service, dns.RcodeToString[in.Rcode])
	}

	routes := RoutesFromSRV(in.Answer, tls)
	if len(routes) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoRecords, service)
	}
	return routes, nil
}

// RoutesFromSRV converts SRV answers into routes. Non-SRV records are ignored.
func RoutesFromSRV(answers []dns.RR, tls bool) []interfaces.ConnectionParams {
	records := make([]*dns.SRV, 0, len(answers))
	for _, answer := range answers {
		if srv, ok := answer.(*dns.SRV); ok && srv.Target != "." {
			records = append(records, srv)
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})

	routes := make([]interfaces.ConnectionParams, 0, len(records))
	for _, srv := range records {
		routes = append(routes, interfaces.ConnectionParams{
			Host: strings.TrimSuffix(srv.Target, "."),
			Port: srv.Port,
			TLS:  tls,
		})
	}
	return routes
}
