// Package bolt provides a single-node persistent backend for the application
// and token registries, built on bbolt.
//
// Every state transition runs inside one read-write transaction. bbolt allows
// a single writer at a time, which makes MarkRedeemed a plain
// read-check-write.
package bolt
