package memstore

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniedit/taskorch/internal/port/outbound"
)

func TestStorage_RoundTrip(t *testing.T) {
	s := New("http://files.local/")
	ctx := context.Background()

	url, err := s.Put(ctx, "inputs/a.txt", strings.NewReader("hello"), 5, "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "http://files.local/inputs/a.txt", url)
	assert.Equal(t, 1, s.Len())

	rc, err := s.Get(ctx, "inputs/a.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, s.Delete(ctx, "inputs/a.txt"))
	_, err = s.Get(ctx, "inputs/a.txt")
	assert.ErrorIs(t, err, outbound.ErrObjectNotFound)
}
