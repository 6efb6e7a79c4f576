package cas

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentID_Deterministic(t *testing.T) {
	a := ContentID([]byte("hello"))
	b := ContentID([]byte("hello"))
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, ContentID([]byte("hello!")))
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	cid, err := s.Put(ctx, []byte(`{"roomId":"room_a_b"}`))
	require.NoError(t, err)
	assert.Equal(t, ContentID([]byte(`{"roomId":"room_a_b"}`)), cid)

	data, err := s.Get(ctx, cid)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"roomId":"room_a_b"}`), data)

	ok, err := s.Exists(ctx, cid)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStore_PutIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, err := s.Put(ctx, []byte("same bytes"))
	require.NoError(t, err)
	second, err := s.Put(ctx, []byte("same bytes"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_GetMissing(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}
