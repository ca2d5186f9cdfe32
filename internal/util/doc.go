// Package util provides small helpers shared by the storage, server and HTTP
// layers of the provider.
//
// Key utilities:
//   - SafeTruncate: truncates identifiers before they reach a log line
//   - ParseScope / JoinScopes: convert between the space-delimited wire form and slices
//   - ContainsAll / Intersect: scope set arithmetic used by grant validation
package util
