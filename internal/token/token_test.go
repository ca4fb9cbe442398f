package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"escrowline/internal/domain"
)

var created = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleFields() Fields {
	return Fields{
		TaskID:     "task_abc",
		EmployerID: "agent_emp",
		Budget:     domain.Money(10000),
		CreatedAt:  created.Format(time.RFC3339),
	}
}

func TestIssueVerify(t *testing.T) {
	f := sampleFields()
	tok, err := Issue(f, "s3cret")
	require.NoError(t, err)
	assert.Len(t, tok, 64)
	require.NoError(t, Verify(f, tok, "s3cret", 24*time.Hour, created.Add(time.Hour)))
}

func TestIssueRequiresSecret(t *testing.T) {
	_, err := Issue(sampleFields(), "")
	require.ErrorIs(t, err, ErrNoSecret)
}

func TestVerifyWrongSecret(t *testing.T) {
	f := sampleFields()
	tok, err := Issue(f, "a")
	require.NoError(t, err)
	require.ErrorIs(t, Verify(f, tok, "b", 24*time.Hour, created), ErrInvalidSignature)
}

func TestVerifyExpiredBeforeSignature(t *testing.T) {
	f := sampleFields()
	later := created.Add(25 * time.Hour)
	tok, err := Issue(f, "s3cret")
	require.NoError(t, err)
	require.ErrorIs(t, Verify(f, tok, "s3cret", 24*time.Hour, later), ErrExpired)
	require.ErrorIs(t, Verify(f, "deadbeef", "s3cret", 24*time.Hour, later), ErrExpired)
}

func TestVerifyGarbage(t *testing.T) {
	f := sampleFields()
	require.ErrorIs(t, Verify(f, "not-hex", "s3cret", time.Hour, created), ErrInvalidSignature)
	f.CreatedAt = "yesterday"
	require.ErrorIs(t, Verify(f, "00", "s3cret", time.Hour, created), ErrInvalidSignature)
}

func TestTokenBindsEveryField(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		secret := rapid.StringN(1, 32, -1).Draw(t, "secret")
		age := rapid.IntRange(0, 48*3600).Draw(t, "age")
		at := created.Add(-time.Duration(age) * time.Second)
		f := Fields{
			TaskID:     "task_" + rapid.StringMatching(`[a-z0-9]{12}`).Draw(t, "id"),
			EmployerID: "agent_" + rapid.StringMatching(`[a-z0-9]{12}`).Draw(t, "emp"),
			Budget:     domain.Money(rapid.Int64Range(0, 1_000_000_00).Draw(t, "budget")),
			CreatedAt:  at.Format(time.RFC3339),
		}
		tok, err := Issue(f, secret)
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		maxAge := 72 * time.Hour
		if err := Verify(f, tok, secret, maxAge, created); err != nil {
			t.Fatalf("verify original: %v", err)
		}

		mutated := f
		switch rapid.IntRange(0, 3).Draw(t, "field") {
		case 0:
			mutated.TaskID += "x"
		case 1:
			mutated.EmployerID += "x"
		case 2:
			mutated.Budget += domain.Money(rapid.Int64Range(1, 1000).Draw(t, "delta"))
		case 3:
			mutated.CreatedAt = at.Add(-time.Second).Format(time.RFC3339)
		}
		if err := Verify(mutated, tok, secret, maxAge, created); err != ErrInvalidSignature {
			t.Fatalf("expected invalid signature, got %v", err)
		}
	})
}
