package tombstone

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memBackend struct {
	data  []byte
	saves int
}

func (m *memBackend) Load(ctx context.Context) ([]byte, error) { return m.data, nil }
func (m *memBackend) Save(ctx context.Context, data []byte) error {
	m.data = append([]byte(nil), data...)
	m.saves++
	return nil
}
func (m *memBackend) Watch(ctx context.Context, fn func()) error { return nil }
func (m *memBackend) Close() error                               { return nil }

func TestDecodeBlob(t *testing.T) {
	blob, err := DecodeBlob([]byte(`{"ids":["a"],"fps":["x"]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, blob.IDs)
	assert.Equal(t, []string{"x"}, blob.FPs)

	// Legacy shape: a bare array of ids.
	blob, err = DecodeBlob([]byte(`["a","b"]`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, blob.IDs)
	assert.Empty(t, blob.FPs)

	blob, err = DecodeBlob(nil)
	require.NoError(t, err)
	assert.Empty(t, blob.IDs)

	_, err = DecodeBlob([]byte(`"what"`))
	assert.Error(t, err)
}

func TestDismissIdempotent(t *testing.T) {
	ctx := context.Background()
	backend := &memBackend{}
	set := NewSet(backend, zap.NewNop())
	require.NoError(t, set.Hydrate(ctx))

	require.NoError(t, set.Dismiss(ctx, "inc-1", "fp-1"))
	saves := backend.saves
	require.NoError(t, set.Dismiss(ctx, "inc-1", "fp-1"))
	assert.Equal(t, saves, backend.saves, "repeat dismissal must not rewrite the blob")

	assert.True(t, set.IsDismissed("inc-1"))
	assert.True(t, set.IsDismissedFingerprint("fp-1"))
	assert.False(t, set.IsDismissed("inc-2"))
	assert.False(t, set.IsDismissedFingerprint(""), "empty fingerprint never matches")
}

func TestDismissPersistsBeforeReturn(t *testing.T) {
	ctx := context.Background()
	backend := &memBackend{}
	set := NewSet(backend, zap.NewNop())
	require.NoError(t, set.Hydrate(ctx))

	require.NoError(t, set.Dismiss(ctx, "inc-1", ""))
	require.NotEmpty(t, backend.data, "blob must be durable when Dismiss returns")

	// A second Set over the same backend sees the dismissal.
	other := NewSet(backend, zap.NewNop())
	require.NoError(t, other.Hydrate(ctx))
	assert.True(t, other.IsDismissed("inc-1"))
}

func TestFileBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "tombstones.json")
	backend := NewFileBackend(path, zap.NewNop())

	data, err := backend.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, data, "missing file is an empty blob, not an error")

	require.NoError(t, backend.Save(ctx, []byte(`{"ids":["a"],"fps":[]}`)))
	data, err = backend.Load(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ids":["a"],"fps":[]}`, string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp file left behind")
}

func TestSetSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tombstones.json")

	set := NewSet(NewFileBackend(path, zap.NewNop()), zap.NewNop())
	require.NoError(t, set.Hydrate(ctx))
	require.NoError(t, set.Dismiss(ctx, "inc-1", "fp-1"))
	require.NoError(t, set.Close())

	reopened := NewSet(NewFileBackend(path, zap.NewNop()), zap.NewNop())
	require.NoError(t, reopened.Hydrate(ctx))
	assert.True(t, reopened.IsDismissed("inc-1"))
	assert.True(t, reopened.IsDismissedFingerprint("fp-1"))
}

func TestSetHydratesLegacyFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tombstones.json")
	require.NoError(t, os.WriteFile(path, []byte(`["inc-old"]`), 0o644))

	set := NewSet(NewFileBackend(path, zap.NewNop()), zap.NewNop())
	require.NoError(t, set.Hydrate(ctx))
	assert.True(t, set.IsDismissed("inc-old"))
}

func TestSnapshotSorted(t *testing.T) {
	ctx := context.Background()
	set := NewSet(&memBackend{}, zap.NewNop())
	require.NoError(t, set.Dismiss(ctx, "b", "z"))
	require.NoError(t, set.Dismiss(ctx, "a", "y"))

	blob := set.Snapshot()
	assert.Equal(t, []string{"a", "b"}, blob.IDs)
	assert.Equal(t, []string{"y", "z"}, blob.FPs)
}

func TestSQLiteBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dispatchd.db")

	backend, err := NewSQLiteBackend(path)
	require.NoError(t, err)

	data, err := backend.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, backend.Save(ctx, []byte(`{"ids":["a"],"fps":["x"]}`)))
	require.NoError(t, backend.Save(ctx, []byte(`{"ids":["a","b"],"fps":["x"]}`)))

	data, err = backend.Load(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ids":["a","b"],"fps":["x"]}`, string(data))
	require.NoError(t, backend.Close())

	// Reopen reads the same blob back.
	backend, err = NewSQLiteBackend(path)
	require.NoError(t, err)
	defer backend.Close()
	data, err = backend.Load(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ids":["a","b"],"fps":["x"]}`, string(data))
}
