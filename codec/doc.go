// Package codec produces and reads the token formats the provider hands out.
//
// Authorization codes, access tokens and refresh tokens are opaque reference
// strings: [NewOpaqueID] returns 256 random bits and the string is only ever
// used as a registry lookup key. ID tokens are JWS compact serializations
// signed with a key from a [KeyProvider] and verifiable through the JWKS
// document returned by [JWKS].
package codec
