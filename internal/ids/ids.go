// Package ids generates opaque, prefixed identifiers.
package ids

import (
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// width of a 128-bit value written in base36.
const width = 25

const (
	KindTask       = "task"
	KindSubmission = "sub"
	KindReview     = "rev"
	KindAudit      = "log"
	KindAgent      = "agent"
	KindAPIKey     = "key"
)

// New returns "{kind}_{base36}" built from a random (v4) UUID, which carries
// 122 bits from crypto/rand. The suffix is always 25 characters.
func New(kind string) string {
	u := uuid.New()
	n := new(big.Int).SetBytes(u[:])
	s := n.Text(36)
	if len(s) < width {
		s = strings.Repeat("0", width-len(s)) + s
	}
	return kind + "_" + s
}

// Valid reports whether id looks like an identifier produced by New for kind.
func Valid(id, kind string) bool {
	rest, ok := strings.CutPrefix(id, kind+"_")
	if !ok || len(rest) < 12 {
		return false
	}
	for _, r := range rest {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'z') {
			return false
		}
	}
	return true
}
