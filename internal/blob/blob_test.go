package blob

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	fs, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{"fs": fs, "memory": NewMemoryStore()}
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put(ctx, "submissions/t1/s1/a.pdf", []byte("hello"), Metadata{"sha256": "x"}))
			obj, err := s.Get(ctx, "submissions/t1/s1/a.pdf")
			require.NoError(t, err)
			assert.Equal(t, []byte("hello"), obj.Data)
			assert.Equal(t, "x", obj.Metadata["sha256"])

			_, err = s.Get(ctx, "submissions/t1/s1/missing.pdf")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put(ctx, "submissions/t1/s1/a.pdf", []byte("hello"), nil))
			require.NoError(t, s.Delete(ctx, "submissions/t1/s1/a.pdf"))
			_, err := s.Get(ctx, "submissions/t1/s1/a.pdf")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.NoError(t, s.Delete(ctx, "submissions/t1/s1/a.pdf"))
			assert.ErrorIs(t, s.Delete(ctx, "../escape"), ErrInvalidKey)
		})
	}
}

func TestRejectsTraversalKeys(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"", "/abs", "a/../b", "a//b", `a\b`} {
				assert.ErrorIs(t, s.Put(ctx, key, []byte("x"), nil), ErrInvalidKey, key)
			}
		})
	}
}

func TestFSStoreMissingMetadata(t *testing.T) {
	ctx := context.Background()
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "k/v.txt", []byte("data"), Metadata{"sha256": "abc"}))
	require.NoError(t, os.Remove(s.Path("k/v.txt")+".meta.json"))
	obj, err := s.Get(ctx, "k/v.txt")
	require.NoError(t, err)
	assert.Empty(t, obj.Metadata)
}

func TestMemoryStoreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	data := []byte("abc")
	require.NoError(t, s.Put(ctx, "k", data, nil))
	data[0] = 'z'
	obj, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(obj.Data))
}
