package auth

import (
	"testing"
	"time"
)

func TestCheckAPIKey(t *testing.T) {
	cases := []struct {
		presented, configured string
		want                  bool
	}{
		{"k", "k", true},
		{"k", "other", false},
		{"", "", false},
		{"", "k", false},
		{"k", "", false},
	}
	for _, tc := range cases {
		if got := CheckAPIKey(tc.presented, tc.configured); got != tc.want {
			t.Fatalf("CheckAPIKey(%q, %q) = %v, want %v", tc.presented, tc.configured, got, tc.want)
		}
	}
}

func TestAuthenticate(t *testing.T) {
	cfg := DefaultTokenConfig("key")

	id, ok := Authenticate("key", cfg)
	if !ok || id != APIKeyClientID {
		t.Fatalf("expected api key to authenticate, got %q %v", id, ok)
	}

	tok, err := CreateToken("dashboard", TokenConfig{Secret: "key", Expiry: time.Hour, Issuer: cfg.Issuer})
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	id, ok = Authenticate(tok, cfg)
	if !ok || id != "dashboard" {
		t.Fatalf("expected token to authenticate, got %q %v", id, ok)
	}

	if _, ok := Authenticate("nope", cfg); ok {
		t.Fatalf("expected rejection")
	}
}
