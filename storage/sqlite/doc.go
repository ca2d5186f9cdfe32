// Package sqlite provides a file-backed application registry on SQLite.
//
// Client records change rarely and are read on every token request, so they
// live in a relational table that operators can inspect and edit directly.
// Tokens are kept in one of the other backends.
package sqlite
