package review

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"escrowline/internal/integrity"
)

const mb = int64(1 << 20)

func TestEvaluate(t *testing.T) {
	cases := []struct {
		name     string
		in       Input
		approved bool
		reason   string
		issues   []string
	}{
		{
			name:     "pdf within limit",
			in:       Input{FileName: "Report.PDF", SizeBytes: 2 * mb},
			approved: true,
			issues:   []string{},
		},
		{
			name:     "tarball",
			in:       Input{FileName: "src.tar.gz", SizeBytes: 10},
			approved: true,
			issues:   []string{},
		},
		{
			name:   "exe",
			in:     Input{FileName: "setup.exe", SizeBytes: 10},
			reason: ReasonPolicy,
			issues: []string{IssueTypeNotAllowed},
		},
		{
			name:   "empty and oversized checks do not stop the list",
			in:     Input{FileName: "x.bin", SizeBytes: 0},
			reason: ReasonPolicy,
			issues: []string{IssueEmpty, IssueTypeNotAllowed},
		},
		{
			name:   "too large",
			in:     Input{FileName: "big.zip", SizeBytes: 51 * mb},
			reason: ReasonPolicy,
			issues: []string{"File size exceeds 50MB limit"},
		},
		{
			name:   "custom ceiling",
			in:     Input{FileName: "a.txt", SizeBytes: 2 * mb, MaxSizeBytes: mb},
			reason: ReasonPolicy,
			issues: []string{"File size exceeds 1MB limit"},
		},
		{
			name:   "traversal",
			in:     Input{FileName: "../../notes.txt", SizeBytes: 1},
			reason: ReasonPolicy,
			issues: []string{IssueDangerousName},
		},
		{
			name:   "script marker reported once",
			in:     Input{FileName: "<script>javascript:.html", SizeBytes: 1},
			reason: ReasonPolicy,
			issues: []string{IssueDangerousName},
		},
		{
			name:   "integrity short-circuits",
			in:     Input{FileName: "setup.exe", SizeBytes: 0, Integrity: integrity.Result{Err: integrity.ErrDigestMismatch}},
			reason: ReasonIntegrity,
			issues: []string{integrity.ErrDigestMismatch.Error()},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := Evaluate(tc.in)
			assert.Equal(t, tc.approved, v.Approved)
			assert.Equal(t, tc.reason, v.Reason)
			assert.Equal(t, tc.issues, v.Issues)
		})
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := Input{
			FileName:     rapid.String().Draw(t, "name") + rapid.SampledFrom(append(AllowedExtensions(), ".exe", "")).Draw(t, "ext"),
			SizeBytes:    rapid.Int64Range(-1, 60*mb).Draw(t, "size"),
			MaxSizeBytes: rapid.Int64Range(0, 60*mb).Draw(t, "max"),
		}
		if rapid.Bool().Draw(t, "tampered") {
			in.Integrity = integrity.Result{Err: integrity.ErrDigestMismatch}
		}
		a, b := Evaluate(in), Evaluate(in)
		if !reflect.DeepEqual(a, b) {
			t.Fatalf("non-deterministic verdict: %#v vs %#v", a, b)
		}
		if a.Approved != (len(a.Issues) == 0 && in.Integrity.Valid()) {
			t.Fatalf("approval must mean zero issues and valid integrity: %#v", a)
		}
	})
}
