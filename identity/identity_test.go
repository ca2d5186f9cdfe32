package identity

import (
	"reflect"
	"testing"
)

func TestUserInfo_Claims(t *testing.T) {
	u := &UserInfo{ID: "u1", Name: "Bob", Email: "bob@example.com"}
	got := u.Claims()
	want := map[string]any{"name": "Bob", "email": "bob@example.com", "email_verified": false}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Claims() = %v, want %v", got, want)
	}
}

func TestFilterClaims(t *testing.T) {
	claims := map[string]any{
		"name":           "Bob",
		"locale":         "fr-FR",
		"email":          "bob@example.com",
		"email_verified": true,
		"groups":         []string{"admins"},
	}

	tests := []struct {
		name   string
		scopes []string
		want   map[string]any
	}{
		{name: "openid only", scopes: []string{"openid"}, want: map[string]any{}},
		{name: "profile", scopes: []string{"openid", "profile"}, want: map[string]any{"name": "Bob", "locale": "fr-FR"}},
		{name: "email", scopes: []string{"email"}, want: map[string]any{"email": "bob@example.com", "email_verified": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FilterClaims(claims, tt.scopes); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("FilterClaims() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTicket_Clone(t *testing.T) {
	orig := &Ticket{Subject: "bob", Claims: map[string]any{"name": "Bob"}, Scopes: []string{"openid"}}
	c := orig.Clone()
	c.Claims["name"] = "Alice"
	c.Scopes[0] = "profile"
	if orig.Claims["name"] != "Bob" || orig.Scopes[0] != "openid" {
		t.Errorf("Clone() shares state with the original: %+v", orig)
	}
	if (*Ticket)(nil).Clone() != nil {
		t.Error("Clone() of nil should be nil")
	}
}
