package s3

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewObjectStorage_RequiresCredentials(t *testing.T) {
	_, err := NewObjectStorage(context.Background(), Config{Bucket: "b"})
	assert.Error(t, err)
}

func TestObjectStorage_URL(t *testing.T) {
	t.Run("Public base URL", func(t *testing.T) {
		s, err := NewObjectStorage(context.Background(), Config{
			Endpoint:        "https://acct.r2.cloudflarestorage.com",
			AccessKeyID:     "key",
			SecretAccessKey: "secret",
			Bucket:          "tasks",
			PublicBaseURL:   "https://cdn.example.com/",
			Prefix:          "uploads/",
		})
		require.NoError(t, err)
		assert.Equal(t, "https://cdn.example.com/uploads/a/b.png", s.URL("/a/b.png"))
	})

	t.Run("Path style from endpoint", func(t *testing.T) {
		s, err := NewObjectStorage(context.Background(), Config{
			Endpoint:        "http://localhost:9000/",
			AccessKeyID:     "key",
			SecretAccessKey: "secret",
			Bucket:          "tasks",
		})
		require.NoError(t, err)
		assert.Equal(t, "http://localhost:9000/tasks/x.md", s.URL("x.md"))
	})
}
