package valkey

import (
	"context"
	"fmt"

	"github.com/giantswarm/oidc-provider/storage"
)

// ============================================================
// ApplicationStore Implementation
// ============================================================

// SaveClient registers or replaces a client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, done := s.start(ctx, "save_client")
	defer func() { done(err) }()

	if client == nil {
		return fmt.Errorf("%w: client is nil", storage.ErrInvalidRecord)
	}
	if err = client.Validate(); err != nil {
		return err
	}
	if err = validateStringLength(client.ID, MaxIDLength, "client_id"); err != nil {
		return err
	}

	data, err := storage.EncodeClient(client)
	if err != nil {
		return err
	}

	key := s.clientKey(client.ID)
	if err = s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ID)
	return nil
}

// FindClientByID retrieves a client by ID
func (s *Store) FindClientByID(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, done := s.start(ctx, "find_client")
	defer func() { done(err) }()

	if len(clientID) > MaxIDLength {
		return nil, storage.ErrNotFound
	}

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.clientKey(clientID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	return storage.DecodeClient([]byte(data))
}

// ValidateSecret checks a presented client secret with bcrypt
func (s *Store) ValidateSecret(_ context.Context, client *storage.Client, presented string) bool {
	return storage.CompareSecret(client, presented)
}
