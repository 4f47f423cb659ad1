package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"crmnotify/internal/crm"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLockerDefaults(t *testing.T) {
	l := NewRedisLocker(nil, "", 0)
	assert.Equal(t, DefaultLockKey, l.key)
	assert.Equal(t, DefaultLockTTL, l.ttl)
}

func TestRedisLockerUnreachableFailsRun(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	h := newHarness(t, emailOnly(crm.Level30Min), leadDueIn("r", 20*time.Minute))
	h.d.locker = NewRedisLocker(client, "test:lock", time.Second)

	_, err := h.d.ProcessPending(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrLocked))
	assert.Contains(t, err.Error(), "acquire dispatch lock")
	assert.Zero(t, h.email.count())
}
