// Package valkey provides a Valkey backend for the application and token
// registries.
//
// Valkey is wire-compatible with Redis, so several provider replicas can share
// one registry. Token state transitions run as Lua scripts, which gives the
// same single-winner guarantee as the in-memory store.
//
// # Key Schema
//
// All keys use a configurable prefix (default "oidc:"):
//
//	{prefix}client:{clientID}       -> JSON(ClientRecord)
//	{prefix}token:{tokenID}         -> JSON(TokenRecord) with TTL
//	{prefix}idx:client:{clientID}   -> SET of tokenIDs
//	{prefix}idx:subject:{subject}   -> SET of tokenIDs
//	{prefix}idx:parent:{parentID}   -> SET of tokenIDs
//
// Token keys expire once the token is past its expiry plus the retention
// window. Redeemed and revoked tokens are kept until then so replays can be
// recognized.
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "valkey.example.com:6379",
//	    Password:  os.Getenv("VALKEY_PASSWORD"),
//	    TLS:       &tls.Config{MinVersion: tls.VersionTLS12},
//	    KeyPrefix: "oidc:",
//	})
//
// Resource owner claims carried by tokens can be sealed at rest:
//
//	key, _ := security.GenerateKey()
//	encryptor, _ := security.NewEncryptor(key)
//	store.SetEncryptor(encryptor)
package valkey
