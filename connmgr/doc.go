// Package connmgr decides when a route to an enclave replica may be dialed.
//
// Each route has a RouteState cell (last failure, cooldown expiry, consecutive
// failure count, cached hard error). Cells are stored in an arena owned by the
// manager and each cell is guarded by its own mutex, so concurrent callers
// racing on different routes never contend and callers racing on the same
// route observe last-writer-wins updates.
//
// A call to Connect yields exactly one ServiceState:
//
//   - StateActive: the connect function succeeded; the route state is reset.
//   - StateCooldown: a recent failure is still cooling down; nothing was dialed.
//   - StateError: the attempt failed (the cooldown grows exponentially), or the
//     route has a cached hard error from a Fatal failure such as an
//     attestation mismatch.
//   - StateTimedOut: the attempt exceeded the per-attempt deadline; the
//     cooldown is left untouched.
//
// The manager is not a connection pool: every Connect dials afresh.
package connmgr
