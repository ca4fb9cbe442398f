// Package integrity stores deliverables with their SHA-256 digest and detects
// later tampering or corruption.
package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"escrowline/internal/blob"
)

const (
	MetaDigest       = "sha256"
	MetaTaskID       = "task_id"
	MetaSubmissionID = "submission_id"
	MetaFileName     = "original_name"
	MetaSize         = "size"
	MetaUploadedAt   = "uploaded_at"
)

var (
	ErrDigestMismatch  = errors.New("content digest mismatch")
	ErrMissingMetadata = errors.New("content digest metadata missing")
	ErrBlobMissing     = errors.New("deliverable not found in storage")
)

type Service struct {
	Blobs blob.Store
	Now   func() time.Time
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Stored describes a written deliverable.
type Stored struct {
	Key       string
	Digest    string
	SizeBytes int64
}

// Result is the outcome of Verify. A zero Err means the digest matched.
type Result struct {
	Key      string
	Expected string
	Actual   string
	Err      error
}

func (r Result) Valid() bool { return r.Err == nil }

// Reason is a human readable description of a failed check.
func (r Result) Reason() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Digest returns the lowercase hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Store hashes data and writes it with the digest attached as metadata.
func (s Service) Store(ctx context.Context, data []byte, taskID, submissionID, fileName string) (Stored, error) {
	if s.Blobs == nil {
		return Stored{}, errors.New("blob store not configured")
	}
	digest := Digest(data)
	now := s.now().UTC()
	key := path.Join("submissions", taskID, submissionID, fmt.Sprintf("%d-%s", now.UnixNano(), safeName(fileName)))
	meta := blob.Metadata{
		MetaDigest:       digest,
		MetaTaskID:       taskID,
		MetaSubmissionID: submissionID,
		MetaFileName:     fileName,
		MetaSize:         strconv.Itoa(len(data)),
		MetaUploadedAt:   now.Format(time.RFC3339),
	}
	if err := s.Blobs.Put(ctx, key, data, meta); err != nil {
		return Stored{}, fmt.Errorf("store deliverable: %w", err)
	}
	return Stored{Key: key, Digest: digest, SizeBytes: int64(len(data))}, nil
}

// Discard removes a stored deliverable that never got a submission row.
func (s Service) Discard(ctx context.Context, key string) error {
	if s.Blobs == nil {
		return errors.New("blob store not configured")
	}
	return s.Blobs.Delete(ctx, key)
}

// Verify refetches the blob and compares its recomputed digest with the stored
// one. Storage errors other than a missing object are returned as errors.
func (s Service) Verify(ctx context.Context, key string) (Result, error) {
	res, _, err := s.Open(ctx, key)
	return res, err
}

// Open is Verify that also hands back the object.
func (s Service) Open(ctx context.Context, key string) (Result, blob.Object, error) {
	res := Result{Key: key}
	if s.Blobs == nil {
		return res, blob.Object{}, errors.New("blob store not configured")
	}
	obj, err := s.Blobs.Get(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		res.Err = ErrBlobMissing
		return res, blob.Object{}, nil
	}
	if err != nil {
		return res, blob.Object{}, fmt.Errorf("fetch deliverable: %w", err)
	}
	res.Actual = Digest(obj.Data)
	res.Expected = obj.Metadata[MetaDigest]
	switch {
	case res.Expected == "":
		res.Err = ErrMissingMetadata
	case res.Expected != res.Actual:
		res.Err = ErrDigestMismatch
	}
	return res, obj, nil
}

func safeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "file"
	}
	return out
}
