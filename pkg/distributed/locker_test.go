package distributed

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	unlock, err := l.Lock(ctx, "ticket:1")
	require.NoError(t, err)

	_, err = l.Lock(ctx, "ticket:1")
	assert.True(t, errors.Is(err, ErrLocked))

	other, err := l.Lock(ctx, "ticket:2")
	require.NoError(t, err)
	other()

	unlock()
	again, err := l.Lock(ctx, "ticket:1")
	require.NoError(t, err)
	again()
}

// TestRedisLocker 需要设置 HELPDESK_TEST_REDIS=host:port
func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("HELPDESK_TEST_REDIS")
	if addr == "" {
		t.Skip("HELPDESK_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	l := NewRedisLocker(client, "helpdesk:test:lock:", 3*time.Second)

	unlock, err := l.Lock(ctx, "1")
	require.NoError(t, err)
	_, err = l.Lock(ctx, "1")
	assert.True(t, errors.Is(err, ErrLocked))
	unlock()

	unlock, err = l.Lock(ctx, "1")
	require.NoError(t, err)
	unlock()
}
