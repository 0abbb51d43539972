package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalCache_SetGet(t *testing.T) {
	c := NewLocalCache(time.Minute, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))

	val, found := c.Get(ctx, "k")
	assert.True(t, found)
	assert.Equal(t, "v", val)

	_, found = c.Get(ctx, "missing")
	assert.False(t, found)
}

func TestLocalCache_Delete(t *testing.T) {
	c := NewLocalCache(time.Minute, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	require.NoError(t, c.Delete(ctx, "k"))

	_, found := c.Get(ctx, "k")
	assert.False(t, found)
}

func TestRedisCache_SetGet(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})

	c := NewRedisCache(client, "test:")
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", `{"status":200}`, time.Minute))

	val, found := c.Get(ctx, "k")
	assert.True(t, found)
	assert.Equal(t, `{"status":200}`, val)

	// Keys are prefixed
	assert.True(t, srv.Exists("test:k"))
}

func TestRedisCache_Clear(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})

	c := NewRedisCache(client, "test:")
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", "1", time.Minute))
	require.NoError(t, c.Set(ctx, "b", "2", time.Minute))
	require.NoError(t, c.Clear(ctx))

	_, found := c.Get(ctx, "a")
	assert.False(t, found)
}

func TestNew_Factory(t *testing.T) {
	c, err := New(DefaultConfig())
	require.NoError(t, err)
	assert.IsType(t, &LocalCache{}, c)

	_, err = New(Config{Type: TypeRedis})
	assert.Error(t, err)

	_, err = New(Config{Type: "bogus"})
	assert.Error(t, err)
}

func TestMarshalRoundTrip(t *testing.T) {
	type payload struct {
		Status int    `json:"status"`
		Body   string `json:"body"`
	}

	encoded, err := MarshalValue(payload{Status: 200, Body: "ok"})
	require.NoError(t, err)

	var decoded payload
	require.NoError(t, UnmarshalValue(encoded, &decoded))
	assert.Equal(t, 200, decoded.Status)
}
