// Package testutil provides test fixtures shared by the provider's packages:
// registered clients, a resource owner, PKCE pairs and a controllable clock.
package testutil
