package util

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize applies NFKC normalization so that visually identical input
// compares equal regardless of how the client composed it.
func Normalize(s string) string {
	return norm.NFKC.String(s)
}

// NormalizeEmail canonicalizes an email address for lookups: Unicode
// normalization, trimmed whitespace, lowercase.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(Normalize(email)))
}
