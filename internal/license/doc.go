// Package license implements the authoritative license registry: license
// records keyed by an HMAC-generated key, a write-through file store, and
// the create/validate/install/add/deduct operations that maintain the
// non-negative hour balance invariant.
//
// All mutating operations on a license are linearized by the store: the
// read-modify-write and the persistence write happen inside one critical
// section, so a crash between mutation and persistence is not possible by
// construction.
package license
