// Package health provides liveness, readiness and version endpoints.
//
//   - /health: the process is serving
//   - /ready: every registered check passes (503 otherwise)
//   - /version: build information
//
// Warden registers a "store" check that pings the record store, so a load
// balancer stops routing to an instance whose Redis or SQLite backend is
// unreachable.
//
//	checker := health.New(2 * time.Second)
//	checker.RegisterCheck("store", health.PingCheck(store))
//	health.Register(mux, checker, health.NewVersionInfo(version, commit, date), 10)
package health
