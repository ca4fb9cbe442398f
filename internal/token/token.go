// Package token issues and verifies task authorization tokens.
//
// A token is the hex HMAC-SHA256 of "task_id:employer_id:budget:created_at"
// keyed with the server task secret. Budget is written with two fractional
// digits so the token also binds the amount.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"escrowline/internal/domain"
)

var (
	ErrExpired          = errors.New("task token expired")
	ErrInvalidSignature = errors.New("task token invalid signature")
	ErrNoSecret         = errors.New("task secret not configured")
)

// Fields are the signed task attributes.
type Fields struct {
	TaskID     string
	EmployerID string
	Budget     domain.Money
	CreatedAt  string
}

func ForTask(t domain.Task) Fields {
	return Fields{TaskID: t.ID, EmployerID: t.EmployerID, Budget: t.Budget, CreatedAt: t.CreatedAt}
}

func (f Fields) payload() string {
	return strings.Join([]string{f.TaskID, f.EmployerID, f.Budget.String(), f.CreatedAt}, ":")
}

func mac(f Fields, secret string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(f.payload()))
	return h.Sum(nil)
}

// Issue returns the hex token for f.
func Issue(f Fields, secret string) (string, error) {
	if secret == "" {
		return "", ErrNoSecret
	}
	return hex.EncodeToString(mac(f, secret)), nil
}

// Verify checks age first and then the signature, so a stale token reports
// ErrExpired whatever its signature.
func Verify(f Fields, tok, secret string, maxAge time.Duration, now time.Time) error {
	if secret == "" {
		return ErrNoSecret
	}
	created, err := time.Parse(time.RFC3339, f.CreatedAt)
	if err != nil {
		return ErrInvalidSignature
	}
	if now.Sub(created) > maxAge {
		return ErrExpired
	}
	got, err := hex.DecodeString(strings.TrimSpace(tok))
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(got, mac(f, secret)) {
		return ErrInvalidSignature
	}
	return nil
}
