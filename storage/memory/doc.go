// Package memory provides an in-memory implementation of the application and
// token registries.
//
// It is suitable for development, tests and single-instance deployments.
// All transitions take the store's write lock, which makes MarkRedeemed a
// compare-and-set. A background loop drops tokens that expired longer ago
// than the retention period; Stop ends it.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, _ := server.New(store, store, signer, resolver, cfg, logger)
package memory
