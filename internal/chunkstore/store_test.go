package chunkstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultd/internal/overlay"
)

func tempStore(t *testing.T) *DirStore {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "chunks"), DefaultMaxCapacity)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := tempStore(t)
	d := overlay.NewImmutable([32]byte{1}, []byte("payload"))

	require.NoError(t, s.Put(d.ID(), d))
	assert.True(t, s.Has(d.ID()), "expected Has to report true after Put")

	got, err := s.Get(d.ID())
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got.Payload))
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := tempStore(t)
	_, err := s.Get(overlay.ImmutableId([32]byte{9}))
	assert.Equal(t, ErrNotFound, err)
}

func TestPutOverwriteUpdatesUsedSpace(t *testing.T) {
	s := tempStore(t)
	d := overlay.NewImmutable([32]byte{2}, []byte("short"))
	require.NoError(t, s.Put(d.ID(), d))
	firstUsed := s.UsedSpace()

	d.Payload = []byte("a much longer payload body")
	require.NoError(t, s.Put(d.ID(), d))
	assert.Greater(t, s.UsedSpace(), firstUsed, "expected used space to grow after overwrite")
	assert.Len(t, s.Keys(), 1, "expected overwrite to keep a single key")
}

func TestDeleteRemovesAndShrinksUsedSpace(t *testing.T) {
	s := tempStore(t)
	d := overlay.NewImmutable([32]byte{3}, []byte("payload"))
	require.NoError(t, s.Put(d.ID(), d))
	require.NoError(t, s.Delete(d.ID()))
	assert.False(t, s.Has(d.ID()), "expected Has to report false after Delete")
	assert.Equal(t, uint64(0), s.UsedSpace())
}

func TestReplayRecoversStateFromWAL(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "chunks")
	s, err := New(dir, DefaultMaxCapacity)
	require.NoError(t, err)
	d := overlay.NewImmutable([32]byte{4}, []byte("durable"))
	require.NoError(t, s.Put(d.ID(), d))
	require.NoError(t, s.Close())

	reopened, err := New(dir, DefaultMaxCapacity)
	require.NoError(t, err)
	defer reopened.Close()

	assert.True(t, reopened.Has(d.ID()), "expected replayed store to contain the chunk")
	assert.Equal(t, s.UsedSpace(), reopened.UsedSpace())
}
