// Package server implements the protocol engine of the OpenID Connect
// provider.
//
// A request flows through three stages:
//   - the Validator authenticates the client and checks the grant. It only
//     reads from the registries and returns a ValidatedGrant.
//   - the orchestrator (Token, Authorize, ...) redeems the presented code or
//     refresh token, if the grant consumes one.
//   - the Issuer mints the access, refresh and ID tokens the grant calls for.
//
// Every failure is an *Error carrying an OAuth error code. Store failures and
// other unexpected errors become server_error; their cause is logged but
// never returned to the client.
//
// The server is transport agnostic. The root oauth package adapts it to
// net/http.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	keys := codec.NewGeneratingProvider("ES256", logger)
//	srv, err := server.New(store, store, keys, directory, server.Config{
//	    Issuer: "https://auth.example.com",
//	}, logger)
//	if err != nil {
//	    return err
//	}
//
//	resp, err := srv.Token(ctx, &server.Request{
//	    GrantType:            "client_credentials",
//	    ClientID:             "reporting",
//	    ClientSecret:         secret,
//	    CredentialsPresented: true,
//	})
package server
