package codec

import (
	"context"

	"github.com/go-jose/go-jose/v4"
)

// JWKS builds the JSON Web Key Set published by the discovery endpoint
func JWKS(ctx context.Context, provider KeyProvider) (jose.JSONWebKeySet, error) {
	keys, err := provider.PublicKeys(ctx)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}

	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(keys))}
	for _, k := range keys {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       k.Key,
			KeyID:     k.KeyID,
			Algorithm: k.Algorithm,
			Use:       "sig",
		})
	}
	return set, nil
}

// SigningAlgorithms lists the algorithms of every published key, for the
// discovery document
func SigningAlgorithms(ctx context.Context, provider KeyProvider) ([]string, error) {
	keys, err := provider.PublicKeys(ctx)
	if err != nil {
		return nil, err
	}
	var algs []string
	seen := make(map[string]bool)
	for _, k := range keys {
		if !seen[k.Algorithm] {
			seen[k.Algorithm] = true
			algs = append(algs, k.Algorithm)
		}
	}
	return algs, nil
}
