// Package serviceresolver builds replica route sets from DNS SRV records.
//
// An operator publishes one SRV record per route in front of an enclave
// replica. Records are ordered by ascending priority and, within one priority,
// by descending weight; the resulting routes feed a connmgr.MultiRouteManager,
// which tries them in that order.
//
// # Usage Example
//
//	resolver := serviceresolver.New("127.0.0.53:53")
//	routes, err := resolver.ResolveRoutes(ctx, "_svr3-sgx._tcp.example.org", true)
//	if err != nil {
//		return err
//	}
//	manager := connmgr.NewMultiRoute(routes, policy, timeout)
package serviceresolver
