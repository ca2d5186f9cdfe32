package memory

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oidc-provider/identity"
)

func newTestDirectory(t *testing.T) *Directory {
	t.Helper()
	d := NewDirectory()
	if err := d.AddUser("bob", "hunter2", identity.UserInfo{ID: "user-bob", Name: "Bob", Email: "bob@example.com"}); err != nil {
		t.Fatalf("AddUser() error = %v", err)
	}
	return d
}

func TestResolveResourceOwner(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory(t)

	ticket, err := d.ResolveResourceOwner(ctx, "bob", "hunter2")
	if err != nil {
		t.Fatalf("ResolveResourceOwner() error = %v", err)
	}
	if ticket.Subject != "user-bob" || ticket.Claims["name"] != "Bob" {
		t.Errorf("ticket = %+v", ticket)
	}
	if ticket.AuthTime.IsZero() {
		t.Error("AuthTime not set")
	}

	for _, tc := range []struct{ user, pass string }{
		{"bob", "wrong"},
		{"alice", "hunter2"},
		{"", ""},
	} {
		if _, err := d.ResolveResourceOwner(ctx, tc.user, tc.pass); !errors.Is(err, identity.ErrInvalidCredentials) {
			t.Errorf("ResolveResourceOwner(%q, %q) error = %v, want ErrInvalidCredentials", tc.user, tc.pass, err)
		}
	}
}

func TestCurrentSignedInUser(t *testing.T) {
	d := newTestDirectory(t)

	r := httptest.NewRequest("GET", "/connect/authorize", nil)
	r.Header.Set(DefaultSessionHeader, "bob")
	ticket, err := d.CurrentSignedInUser(r)
	if err != nil || ticket != nil {
		t.Fatalf("unconfigured header: ticket = %v, err = %v", ticket, err)
	}

	d.SetSessionHeader(DefaultSessionHeader)
	r.Header.Del(DefaultSessionHeader)
	ticket, err = d.CurrentSignedInUser(r)
	if err != nil || ticket != nil {
		t.Fatalf("no header: ticket = %v, err = %v", ticket, err)
	}

	r.Header.Set(DefaultSessionHeader, "bob")
	ticket, err = d.CurrentSignedInUser(r)
	if err != nil {
		t.Fatalf("CurrentSignedInUser() error = %v", err)
	}
	if ticket == nil || ticket.Subject != "user-bob" {
		t.Errorf("ticket = %+v", ticket)
	}

	r.Header.Set(DefaultSessionHeader, "mallory")
	if ticket, _ := d.CurrentSignedInUser(r); ticket != nil {
		t.Errorf("unknown user should not be signed in, got %+v", ticket)
	}

	d.SetSessionHeader("X-User")
	r.Header.Set("X-User", "bob")
	if ticket, _ := d.CurrentSignedInUser(r); ticket == nil {
		t.Error("custom session header not honored")
	}

	d.SetSessionHeader("")
	if ticket, _ := d.CurrentSignedInUser(r); ticket != nil {
		t.Errorf("empty session header should disable sessions, got %+v", ticket)
	}
}

func TestAddUser_Validation(t *testing.T) {
	d := NewDirectory()
	if err := d.AddUser("", "pw", identity.UserInfo{ID: "x"}); err == nil {
		t.Error("AddUser() without username should fail")
	}
	if err := d.AddUser("x", "pw", identity.UserInfo{}); err == nil {
		t.Error("AddUser() without id should fail")
	}
}

func TestAddUserWithHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	d := NewDirectory()
	if err := d.AddUserWithHash("carol", string(hash), identity.UserInfo{ID: "user-carol"}); err != nil {
		t.Fatalf("AddUserWithHash() error = %v", err)
	}
	ticket, err := d.ResolveResourceOwner(context.Background(), "carol", "s3cret")
	if err != nil {
		t.Fatalf("ResolveResourceOwner() error = %v", err)
	}
	if ticket.Subject != "user-carol" {
		t.Errorf("Subject = %q, want user-carol", ticket.Subject)
	}

	if err := d.AddUserWithHash("dave", "s3cret", identity.UserInfo{ID: "user-dave"}); err == nil {
		t.Error("AddUserWithHash() with a plaintext password should fail")
	}
}
