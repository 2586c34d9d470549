// Package recovery implements single-use recovery codes: batch generation,
// one-way hashing, and redemption matching. Plaintext codes exist only in
// the response that issues them; storage ever sees bcrypt hashes.
package recovery

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/latchkey/internal/util"
)

const (
	// BatchSize is the number of codes issued per batch.
	BatchSize = 8
	// codeSegments is the number of dash-separated groups.
	codeSegments = 4
	// codeSegmentLen is the number of characters per group.
	codeSegmentLen = 4
)

// dummyHash is compared against submissions for unknown accounts so the
// cost of a miss does not reveal whether the email exists.
var dummyHash []byte

func init() {
	h, err := bcrypt.GenerateFromPassword([]byte("latchkey-dummy-recovery-code"), bcrypt.DefaultCost)
	if err != nil {
		panic(fmt.Sprintf("recovery: generating dummy hash: %v", err))
	}
	dummyHash = h
}

// GenerateBatch creates count recovery codes in XXXX-XXXX-XXXX-XXXX form.
// It returns the plaintext codes (displayed to the user exactly once) and
// their bcrypt hashes (the only form that is persisted).
func GenerateBatch(count int) (plaintext []string, hashes [][]byte, err error) {
	plaintext = make([]string, count)
	hashes = make([][]byte, count)
	for i := 0; i < count; i++ {
		segments := make([]string, codeSegments)
		for j := range segments {
			segment, err := util.RandomChars(codeSegmentLen)
			if err != nil {
				return nil, nil, fmt.Errorf("generating recovery code: %w", err)
			}
			segments[j] = segment
		}
		code := strings.Join(segments, "-")
		hash, err := HashCode(code)
		if err != nil {
			return nil, nil, err
		}
		plaintext[i] = code
		hashes[i] = hash
	}
	return plaintext, hashes, nil
}

// NormalizeCode canonicalizes user input before hashing: Unicode
// normalization, uppercase, dashes and spaces stripped. A code survives
// being retyped from paper in any of its common shapes.
func NormalizeCode(input string) string {
	s := util.Normalize(input)
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, " ", "")
	return s
}

// HashCode computes the bcrypt hash of the normalized code.
func HashCode(code string) ([]byte, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(NormalizeCode(code)), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing recovery code: %w", err)
	}
	return hash, nil
}

// Match reports whether the submitted code matches the stored hash.
func Match(hash []byte, input string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(NormalizeCode(input))) == nil
}

// MatchDummy burns one bcrypt comparison against a fixed hash. Called when
// no account exists for the submitted email, keeping the response cost in
// the same range as a real miss.
func MatchDummy(input string) {
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(NormalizeCode(input)))
}
