package canary

import "testing"

func TestMatch_IsCaseInsensitiveAndStripsTrailingDot(t *testing.T) {
	m := NewManager()
	m.Register(Registration{CanaryHostname: "abc123DEF.canary.example.io", CredentialID: "cred-1"})

	reg, ok := m.Match("ABC123def.canary.example.io.")
	if !ok {
		t.Fatal("expected a match for the same hostname with different case and a trailing dot")
	}
	if reg.CredentialID != "cred-1" {
		t.Errorf("CredentialID = %q, want cred-1", reg.CredentialID)
	}
}

func TestMatch_NoMatchForUnregisteredHostname(t *testing.T) {
	m := NewManager()
	if _, ok := m.Match("not-a-canary.example.com"); ok {
		t.Fatal("expected no match for an unregistered hostname")
	}
}

func TestUnregister_RemovesHostname(t *testing.T) {
	m := NewManager()
	m.Register(Registration{CanaryHostname: "xyz.canary.example.io", CredentialID: "cred-2"})
	m.Unregister("xyz.canary.example.io")

	if _, ok := m.Match("xyz.canary.example.io"); ok {
		t.Fatal("expected no match after Unregister")
	}
	if m.Len() != 0 {
		t.Errorf("Len = %d, want 0", m.Len())
	}
}
