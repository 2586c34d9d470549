package util

import (
	"encoding/base64"
	"testing"
)

func TestRandomChars(t *testing.T) {
	s, err := RandomChars(16)
	if err != nil {
		t.Fatalf("RandomChars: %v", err)
	}
	if len(s) != 16 {
		t.Fatalf("expected 16 chars, got %d", len(s))
	}
	for _, r := range s {
		found := false
		for _, a := range allowedRandomChars {
			if r == a {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("unexpected character %q", r)
		}
	}
}

func TestRandomToken(t *testing.T) {
	token, err := RandomToken(32)
	if err != nil {
		t.Fatalf("RandomToken: %v", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		t.Fatalf("decode token: %v", err)
	}
	if len(raw) != 32 {
		t.Fatalf("expected 32 raw bytes, got %d", len(raw))
	}

	other, err := RandomToken(32)
	if err != nil {
		t.Fatalf("RandomToken: %v", err)
	}
	if token == other {
		t.Fatal("two tokens should not collide")
	}
}

func TestNormalizeEmail(t *testing.T) {
	cases := map[string]string{
		"  Alice@Example.COM ": "alice@example.com",
		"bob@example.com":      "bob@example.com",
	}
	for in, want := range cases {
		if got := NormalizeEmail(in); got != want {
			t.Errorf("NormalizeEmail(%q) = %q, want %q", in, got, want)
		}
	}
}
