package redis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsFromURL(t *testing.T) {
	opts, err := options(ClientConfig{URL: "rediss://:pw@cache.internal:6380/2", PoolSize: 7})
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6380", opts.Addr)
	assert.Equal(t, "pw", opts.Password)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 7, opts.PoolSize)
	assert.NotNil(t, opts.TLSConfig)

	_, err = options(ClientConfig{URL: "http://nope"})
	assert.Error(t, err)

	opts, err = options(ClientConfig{Addr: "localhost:6379", TLSEnabled: true})
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.NotNil(t, opts.TLSConfig)
}

func TestClampWait(t *testing.T) {
	assert.Equal(t, minWait, clampWait(0))
	assert.Equal(t, 250*time.Millisecond, clampWait(250*time.Millisecond))
	assert.Equal(t, maxWait, clampWait(time.Minute))
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "ratelimit:brokersync:api:tradovate", rateLimitKey("brokersync:api:tradovate"))
	assert.Equal(t, "lock:brokersync:archive:2025-01", lockKey("brokersync:archive:2025-01"))
	assert.Equal(t, "stream:brokersync:sync_completed", streamKey("brokersync:sync_completed"))
	assert.True(t, hasPattern("brokersync:*"))
	assert.False(t, hasPattern("brokersync:sync_completed"))
}
