package security

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewAuditor(t *testing.T) {
	tests := []struct {
		name    string
		logger  *slog.Logger
		enabled bool
	}{
		{name: "enabled with logger", logger: slog.Default(), enabled: true},
		{name: "disabled with logger", logger: slog.Default(), enabled: false},
		{name: "enabled with nil logger", logger: nil, enabled: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auditor := NewAuditor(tt.logger, tt.enabled)
			if auditor.enabled != tt.enabled {
				t.Errorf("enabled = %v, want %v", auditor.enabled, tt.enabled)
			}
			if auditor.logger == nil {
				t.Error("logger should not be nil")
			}
		})
	}
}

func TestAuditor_LogEventHashesSubject(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true)

	auditor.LogTokenIssued("bob@example.com", "client-1", "authorization_code", "openid profile")

	out := buf.String()
	if !strings.Contains(out, "security_audit") {
		t.Errorf("expected security_audit record, got %q", out)
	}
	if strings.Contains(out, "bob@example.com") {
		t.Error("subject must not appear in clear text")
	}
	if !strings.Contains(out, hashForLogging("bob@example.com")) {
		t.Error("expected hashed subject in output")
	}
	if !strings.Contains(out, "event_type="+EventTokenIssued) {
		t.Errorf("expected event type in output, got %q", out)
	}
}

func TestAuditor_Disabled(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), false)

	auditor.LogAuthFailure("", "client-1", "10.0.0.1", "invalid_secret")

	if buf.Len() != 0 {
		t.Errorf("disabled auditor wrote %q", buf.String())
	}
}

func TestAuditor_NilIsNoop(t *testing.T) {
	var auditor *Auditor
	auditor.LogRateLimitExceeded("10.0.0.1")
}

func TestHashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "<empty>" {
		t.Errorf("hashForLogging(\"\") = %q", got)
	}
	if got := hashForLogging("x"); len(got) != 16 {
		t.Errorf("hash length = %d, want 16", len(got))
	}
	if hashForLogging("a") == hashForLogging("b") {
		t.Error("distinct inputs should hash differently")
	}
}
