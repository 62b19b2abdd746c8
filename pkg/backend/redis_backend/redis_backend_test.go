package redis_backend

import (
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisBackend_nilClient(t *testing.T) {
	_, err := NewRedisBackend(RedisBackendOpts{})
	require.Error(t, err)
}

func Test_escapeGlob(t *testing.T) {
	assert.Equal(t, `lp:\*\?\[x\]\\:`, escapeGlob(`lp:*?[x]\:`))
	assert.Equal(t, "lp:articles:", escapeGlob("lp:articles:"))
}

// An unreachable server must degrade to failures, never panics or errors.
func TestRedisBackend_unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	b, err := NewRedisBackend(RedisBackendOpts{Client: client, ClientCloser: client})
	require.NoError(t, err)
	defer b.Close()

	assert.False(t, b.Write("k", []byte("v")))
	assert.True(t, b.disabled())

	_, ok := b.Read("k")
	assert.False(t, ok)
	assert.Empty(t, b.ListKeys("lp:"))
	b.Remove("k")
	b.Clear("lp:")
}
