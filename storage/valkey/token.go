package valkey

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/giantswarm/oidc-provider/internal/util"
	"github.com/giantswarm/oidc-provider/storage"
)

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================

// luaCreateToken stores a token only if its key is free and adds it to the
// lookup sets.
//
// KEYS[1] = token key, KEYS[2..n] = index set keys
// ARGV[1] = token JSON, ARGV[2] = TTL in milliseconds, ARGV[3] = token ID
//
// Returns "OK" or "CONFLICT".
const luaCreateToken = `
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 'CONFLICT'
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
local ttl = tonumber(ARGV[2])
for i = 2, #KEYS do
    redis.call('SADD', KEYS[i], ARGV[3])
    if redis.call('PTTL', KEYS[i]) < ttl then
        redis.call('PEXPIRE', KEYS[i], ttl)
    end
end
return 'OK'
`

// luaMarkRedeemed moves a valid, unexpired token to redeemed. Only one
// concurrent caller can observe the valid state.
//
// KEYS[1] = token key
// ARGV[1] = now in unix milliseconds, ARGV[2] = clock skew grace in milliseconds
//
// Returns:
//   - the updated JSON on success
//   - "NOT_FOUND" if the key doesn't exist
//   - "CONFLICT:<json>" if the token is not valid or has expired
const luaMarkRedeemed = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local tok = cjson.decode(data)
local now = tonumber(ARGV[1])
local expiresAt = tonumber(tok.expires_at)
if tok.status ~= 'valid' or (expiresAt and expiresAt > 0 and now > expiresAt + tonumber(ARGV[2])) then
    return 'CONFLICT:' .. data
end

tok.status = 'redeemed'
local out = cjson.encode(tok)
redis.call('SET', KEYS[1], out, 'KEEPTTL')
return out
`

// luaRevokeToken moves a token to revoked.
//
// KEYS[1] = token key
//
// Returns -1 if the key doesn't exist, 1 if the token was revoked now and 0
// if it already was.
const luaRevokeToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return -1
end
local tok = cjson.decode(data)
if tok.status == 'revoked' then
    return 0
end
tok.status = 'revoked'
redis.call('SET', KEYS[1], cjson.encode(tok), 'KEEPTTL')
return 1
`

// luaIncrementReuse bumps reuse_count and returns the new value, or -1 if
// the key doesn't exist.
const luaIncrementReuse = `
local data = redis.call('GET', KEYS[1])
if not data then
    return -1
end
local tok = cjson.decode(data)
tok.reuse_count = (tonumber(tok.reuse_count) or 0) + 1
redis.call('SET', KEYS[1], cjson.encode(tok), 'KEEPTTL')
return tok.reuse_count
`

// ============================================================
// TokenStore Implementation
// ============================================================

// Create stores a new token
func (s *Store) Create(ctx context.Context, token *storage.Token) (_ string, err error) {
	ctx, done := s.start(ctx, "create")
	defer func() { done(err) }()

	if err = token.Validate(); err != nil {
		return "", err
	}
	for field, value := range map[string]string{
		"id":        token.ID,
		"client_id": token.ClientID,
		"subject":   token.Subject,
		"parent_id": token.ParentID,
	} {
		if err = validateStringLength(value, MaxIDLength, field); err != nil {
			return "", err
		}
	}

	stored := token.Clone()
	if stored.Status == "" {
		stored.Status = storage.StatusValid
	}
	data, err := storage.EncodeToken(stored, s.getEncryptor())
	if err != nil {
		return "", err
	}
	if len(data) > MaxRecordSize {
		return "", errInputTooLarge
	}

	ttl := time.Until(token.ExpiresAt.Add(s.retention))
	if ttl < time.Second {
		ttl = time.Second
	}

	keys := []string{s.tokenKey(token.ID), s.clientIndexKey(token.ClientID)}
	if token.Subject != "" {
		keys = append(keys, s.subjectIndexKey(token.Subject))
	}
	if token.ParentID != "" {
		keys = append(keys, s.parentIndexKey(token.ParentID))
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaCreateToken).
			Numkeys(int64(len(keys))).
			Key(keys...).
			Arg(string(data), strconv.FormatInt(ttl.Milliseconds(), 10), token.ID).
			Build(),
	).ToString()
	if err != nil {
		return "", fmt.Errorf("failed to create token: %w", err)
	}
	if result == "CONFLICT" {
		return "", fmt.Errorf("%w: token id already in use", storage.ErrConflict)
	}

	s.logger.Debug("Created token",
		"kind", token.Kind,
		"token_prefix", util.SafeTruncate(token.ID, tokenIDLogLength))
	return token.ID, nil
}

// FindTokenByID retrieves a token by ID
func (s *Store) FindTokenByID(ctx context.Context, id string) (_ *storage.Token, err error) {
	ctx, done := s.start(ctx, "find_token")
	defer func() { done(err) }()

	if len(id) > MaxIDLength {
		return nil, storage.ErrNotFound
	}

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.tokenKey(id)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return storage.DecodeToken([]byte(data), s.getEncryptor())
}

// MarkRedeemed atomically transitions a valid, unexpired token to redeemed
func (s *Store) MarkRedeemed(ctx context.Context, id string, grace time.Duration) (_ *storage.Token, err error) {
	ctx, done := s.start(ctx, "mark_redeemed")
	defer func() { done(err) }()

	if len(id) > MaxIDLength {
		return nil, storage.ErrNotFound
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaMarkRedeemed).
			Numkeys(1).
			Key(s.tokenKey(id)).
			Arg(strconv.FormatInt(s.now().UnixMilli(), 10),
				strconv.FormatInt(grace.Milliseconds(), 10)).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic redeem: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrNotFound
	case strings.HasPrefix(result, "CONFLICT:"):
		current, decodeErr := storage.DecodeToken([]byte(strings.TrimPrefix(result, "CONFLICT:")), s.getEncryptor())
		if decodeErr != nil {
			return nil, fmt.Errorf("%w: failed to parse token", storage.ErrConflict)
		}
		return current, fmt.Errorf("%w: token is %s", storage.ErrConflict, current.Status)
	}

	tok, err := storage.DecodeToken([]byte(result), s.getEncryptor())
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Marked token as redeemed",
		"kind", tok.Kind,
		"token_prefix", util.SafeTruncate(id, tokenIDLogLength))
	return tok, nil
}

// Revoke marks a token as revoked
func (s *Store) Revoke(ctx context.Context, id string) (err error) {
	ctx, done := s.start(ctx, "revoke")
	defer func() { done(err) }()

	n, err := s.revokeOne(ctx, id)
	if err != nil {
		return err
	}
	if n < 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) revokeOne(ctx context.Context, id string) (int64, error) {
	if len(id) > MaxIDLength {
		return -1, nil
	}
	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeToken).
			Numkeys(1).
			Key(s.tokenKey(id)).
			Build(),
	).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to revoke token: %w", err)
	}
	return n, nil
}

// RevokeAllForClient revokes every token owned by a client
func (s *Store) RevokeAllForClient(ctx context.Context, clientID string) (_ int, err error) {
	ctx, done := s.start(ctx, "revoke_all_for_client")
	defer func() { done(err) }()

	return s.revokeIndex(ctx, s.clientIndexKey(clientID))
}

// RevokeAllForSubject revokes every token issued to a subject
func (s *Store) RevokeAllForSubject(ctx context.Context, subject string) (_ int, err error) {
	ctx, done := s.start(ctx, "revoke_all_for_subject")
	defer func() { done(err) }()

	if subject == "" {
		return 0, nil
	}
	return s.revokeIndex(ctx, s.subjectIndexKey(subject))
}

// RevokeByParent revokes tokens minted from parentID
func (s *Store) RevokeByParent(ctx context.Context, parentID string) (_ int, err error) {
	ctx, done := s.start(ctx, "revoke_by_parent")
	defer func() { done(err) }()

	if parentID == "" {
		return 0, nil
	}
	return s.revokeIndex(ctx, s.parentIndexKey(parentID))
}

// revokeIndex revokes every token listed in an index set and prunes members
// whose token key has expired.
func (s *Store) revokeIndex(ctx context.Context, indexKey string) (int, error) {
	ids, err := s.client.Do(ctx, s.client.B().Smembers().Key(indexKey).Build()).AsStrSlice()
	if err != nil {
		return 0, fmt.Errorf("failed to get indexed tokens: %w", err)
	}

	revoked := 0
	for _, id := range ids {
		n, err := s.revokeOne(ctx, id)
		if err != nil {
			return revoked, err
		}
		switch {
		case n > 0:
			revoked++
		case n < 0:
			if err := s.client.Do(ctx, s.client.B().Srem().Key(indexKey).Member(id).Build()).Error(); err != nil {
				s.logger.Warn("Failed to prune index entry",
					"token_prefix", util.SafeTruncate(id, tokenIDLogLength),
					"error", err)
			}
		}
	}
	return revoked, nil
}

// IncrementReuse bumps the reuse counter of a token
func (s *Store) IncrementReuse(ctx context.Context, id string) (_ int, err error) {
	ctx, done := s.start(ctx, "increment_reuse")
	defer func() { done(err) }()

	if len(id) > MaxIDLength {
		return 0, storage.ErrNotFound
	}

	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaIncrementReuse).
			Numkeys(1).
			Key(s.tokenKey(id)).
			Build(),
	).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment reuse counter: %w", err)
	}
	if n < 0 {
		return 0, storage.ErrNotFound
	}
	return int(n), nil
}
