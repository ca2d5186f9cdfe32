// Package memory provides an in-memory user directory implementing
// identity.Resolver and identity.SessionReader, for development and tests.
package memory

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oidc-provider/identity"
)

// DefaultSessionHeader is the conventional header an authenticating proxy
// uses for the signed-in username. It is not read unless configured with
// SetSessionHeader, since any caller that reaches the server directly can
// set it.
const DefaultSessionHeader = "X-Forwarded-User"

// dummyPasswordHash is compared for unknown usernames so the response time
// does not reveal which usernames exist
const dummyPasswordHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

type user struct {
	info         identity.UserInfo
	passwordHash string
}

// Directory holds users keyed by username
type Directory struct {
	mu            sync.RWMutex
	users         map[string]*user
	sessionHeader string
	now           func() time.Time
}

var (
	_ identity.Resolver      = (*Directory)(nil)
	_ identity.SessionReader = (*Directory)(nil)
)

// NewDirectory creates an empty directory
func NewDirectory() *Directory {
	return &Directory{
		users: make(map[string]*user),
		now:   time.Now,
	}
}

// SetSessionHeader sets the header read by CurrentSignedInUser. An empty
// name disables session lookup.
func (d *Directory) SetSessionHeader(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessionHeader = name
}

// AddUser registers a user. info.ID becomes the subject.
func (d *Directory) AddUser(username, password string, info identity.UserInfo) error {
	if username == "" || info.ID == "" {
		return fmt.Errorf("username and user id are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	return d.AddUserWithHash(username, string(hash), info)
}

// AddUserWithHash registers a user whose password is already a bcrypt hash
func (d *Directory) AddUserWithHash(username, passwordHash string, info identity.UserInfo) error {
	if username == "" || info.ID == "" {
		return fmt.Errorf("username and user id are required")
	}
	if _, err := bcrypt.Cost([]byte(passwordHash)); err != nil {
		return fmt.Errorf("invalid password hash for %s: %w", username, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[username] = &user{info: info, passwordHash: passwordHash}
	return nil
}

func (d *Directory) lookup(username string) (*user, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[username]
	return u, ok
}

// ResolveResourceOwner checks a username and password. The bcrypt
// comparison runs outside the lock.
func (d *Directory) ResolveResourceOwner(_ context.Context, username, password string) (*identity.Ticket, error) {
	u, found := d.lookup(username)
	hash := dummyPasswordHash
	if found {
		hash = u.passwordHash
	}

	match := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
	if subtle.ConstantTimeEq(boolToInt(found), 1)&subtle.ConstantTimeEq(boolToInt(match), 1) != 1 {
		return nil, identity.ErrInvalidCredentials
	}
	return d.ticket(u), nil
}

// CurrentSignedInUser reads the username from the session header
func (d *Directory) CurrentSignedInUser(r *http.Request) (*identity.Ticket, error) {
	d.mu.RLock()
	header := d.sessionHeader
	d.mu.RUnlock()

	if header == "" {
		return nil, nil
	}
	username := r.Header.Get(header)
	if username == "" {
		return nil, nil
	}
	u, ok := d.lookup(username)
	if !ok {
		return nil, nil
	}
	return d.ticket(u), nil
}

func (d *Directory) ticket(u *user) *identity.Ticket {
	return &identity.Ticket{
		Subject:  u.info.ID,
		Claims:   u.info.Claims(),
		AuthTime: d.now(),
	}
}

func boolToInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
