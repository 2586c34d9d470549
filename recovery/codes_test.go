package recovery

import (
	"strings"
	"testing"
)

func TestGenerateBatch(t *testing.T) {
	plaintext, hashes, err := GenerateBatch(BatchSize)
	if err != nil {
		t.Fatalf("GenerateBatch: %v", err)
	}
	if len(plaintext) != BatchSize {
		t.Fatalf("expected %d plaintext codes, got %d", BatchSize, len(plaintext))
	}
	if len(hashes) != BatchSize {
		t.Fatalf("expected %d hashes, got %d", BatchSize, len(hashes))
	}

	// Verify format: XXXX-XXXX-XXXX-XXXX.
	for i, code := range plaintext {
		parts := strings.Split(code, "-")
		if len(parts) != 4 {
			t.Errorf("code %d: expected 4 segments, got %d: %q", i, len(parts), code)
			continue
		}
		for j, part := range parts {
			if len(part) != 4 {
				t.Errorf("code %d segment %d: expected 4 chars, got %d: %q", i, j, len(part), part)
			}
		}
	}

	// Verify all codes are unique.
	seen := make(map[string]bool)
	for _, code := range plaintext {
		if seen[code] {
			t.Errorf("duplicate code: %q", code)
		}
		seen[code] = true
	}
}

func TestMatchRoundTrip(t *testing.T) {
	plaintext, hashes, err := GenerateBatch(2)
	if err != nil {
		t.Fatalf("GenerateBatch: %v", err)
	}
	for i, code := range plaintext {
		if !Match(hashes[i], code) {
			t.Errorf("code %d: expected match", i)
		}
	}
	if Match(hashes[0], plaintext[1]) {
		t.Error("codes should not cross-match")
	}
}

func TestMatchNormalization(t *testing.T) {
	plaintext, hashes, err := GenerateBatch(1)
	if err != nil {
		t.Fatalf("GenerateBatch: %v", err)
	}
	code := plaintext[0]

	variants := []string{
		strings.ToLower(code),
		strings.ReplaceAll(code, "-", ""),
		strings.ReplaceAll(code, "-", " "),
		"  " + code + "  ",
	}
	for _, v := range variants {
		if !Match(hashes[0], v) {
			t.Errorf("variant %q should match", v)
		}
	}
}

func TestNormalizeCode(t *testing.T) {
	if got := NormalizeCode(" ab2c-DEF3 "); got != "AB2CDEF3" {
		t.Errorf("NormalizeCode = %q", got)
	}
}

func TestMatchDummyDoesNotPanic(t *testing.T) {
	MatchDummy("XXXX-XXXX-XXXX-XXXX")
}
