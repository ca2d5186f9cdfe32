// Package storage defines the registries the provider depends on and the
// shared types they exchange.
//
//   - ApplicationStore: read-only lookup of registered clients and secret checks
//   - TokenStore: lifecycle of issued opaque tokens (create, lookup, atomic redemption, revocation)
//
// Status transitions are valid→redeemed, valid→revoked and redeemed→revoked.
// MarkRedeemed is a compare-and-set: under concurrent callers at most one
// observes success for a given identifier.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-process maps, for development, tests and single-instance deployments
//   - storage/valkey: Valkey/Redis-compatible distributed storage with Lua-scripted transitions
//   - storage/bolt: embedded bbolt database for single-node persistence
//   - storage/sqlite: SQLite-backed application registry
//   - storage/mock: function-field doubles with failure injection for tests
package storage
