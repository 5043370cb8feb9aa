// Package enclave describes the enclave flavors the client talks to and
// establishes attested connections with them.
//
// A flavor is a zero-size type implementing Kind:
//
//   - Sgx: SGX replicas of the secret recovery service, path /v1/<hex identity>,
//     DCAP evidence with a consensus group check.
//   - Nitro: AWS Nitro replicas, path /v1/<identity as text>, Nitro evidence
//     with a consensus group check.
//   - Cdsi: contact discovery, path /v1/<hex identity>/discovery, DCAP
//     evidence without consensus group.
//
// Identities, endpoint parameters and endpoint connections are parameterized
// by their flavor, so an Sgx identity cannot be used to reach a Nitro endpoint.
// SvrFlavor narrows Kind to the flavors that can host secret recovery
// replicas; Cdsi does not implement it.
//
// EnclaveEndpointConnection.Connect dials through its connection manager,
// verifies the replica's evidence (NewHandshake) and returns an
// AttestedConnection whose frames are encrypted under keys bound to that
// evidence. Verification failures are cached on the route as hard errors.
package enclave
