package cache

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, password string) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	mr.RequireAuth("s3cret")

	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	c, err := New(Settings{Host: mr.Host(), Port: port, Password: password})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

type report struct {
	Status string   `json:"status"`
	Ready  []string `json:"ready"`
}

func TestSettingsValidate(t *testing.T) {
	assert.Error(t, Settings{Password: "x"}.Validate())
	assert.Error(t, Settings{Host: "redis"}.Validate())
	assert.Error(t, Settings{Host: "redis", Password: "x", Port: 70000}.Validate())
	assert.NoError(t, Settings{Host: "redis", Password: "x"}.Validate())
	assert.Equal(t, "redis:6379", Settings{Host: "redis"}.Addr())
}

func TestPing(t *testing.T) {
	c, _ := newTestClient(t, "s3cret")
	assert.NoError(t, c.Ping(context.Background()))
}

func TestPingWrongPassword(t *testing.T) {
	c, _ := newTestClient(t, "wrong")
	assert.Error(t, c.Ping(context.Background()))
}

func TestStatusCacheRoundTrip(t *testing.T) {
	c, mr := newTestClient(t, "s3cret")
	sc := NewStatusCache(c, "", time.Minute)
	ctx := context.Background()

	var got report
	assert.ErrorIs(t, sc.Get(ctx, &got), ErrNotFound)

	require.NoError(t, sc.Put(ctx, report{Status: "ready", Ready: []string{"postgres", "redis"}}))
	require.NoError(t, sc.Get(ctx, &got))
	assert.Equal(t, "ready", got.Status)
	assert.Equal(t, []string{"postgres", "redis"}, got.Ready)
	assert.True(t, mr.Exists(DefaultStatusKey))

	mr.FastForward(2 * time.Minute)
	assert.ErrorIs(t, sc.Get(ctx, &got), ErrNotFound)
}

func TestStatusCacheClear(t *testing.T) {
	c, _ := newTestClient(t, "s3cret")
	sc := NewStatusCache(c, "status:test", 0)
	ctx := context.Background()

	require.NoError(t, sc.Put(ctx, report{Status: "failed"}))
	require.NoError(t, sc.Clear(ctx))

	var got report
	assert.ErrorIs(t, sc.Get(ctx, &got), ErrNotFound)
}
