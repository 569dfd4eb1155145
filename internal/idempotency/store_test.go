package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_TTL(t *testing.T) {
	clk := clock.NewMock()
	s := NewMemoryStore(clk)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "acme", "k1", []byte("result"), time.Minute))

	got, err := s.Get(ctx, "acme", "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("result"), got)

	// keys are tenant scoped
	_, err = s.Get(ctx, "globex", "k1")
	assert.ErrorIs(t, err, ErrNotFound)

	clk.Add(time.Minute)
	_, err = s.Get(ctx, "acme", "k1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_SweepAndDelete(t *testing.T) {
	clk := clock.NewMock()
	s := NewMemoryStore(clk)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "acme", "short", []byte("a"), time.Second))
	require.NoError(t, s.Set(ctx, "acme", "long", []byte("b"), time.Hour))
	require.NoError(t, s.Set(ctx, "acme", "gone", []byte("c"), time.Hour))
	require.NoError(t, s.Delete(ctx, "acme", "gone"))

	clk.Add(time.Minute)
	assert.Equal(t, 1, s.Sweep())

	_, err := s.Get(ctx, "acme", "long")
	assert.NoError(t, err)
	_, err = s.Get(ctx, "acme", "gone")
	assert.ErrorIs(t, err, ErrNotFound)
}

type mockRedis struct {
	mock.Mock
}

func (m *mockRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	args := m.Called(ctx, key)
	return redis.NewStringResult(args.String(0), args.Error(1))
}

func (m *mockRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	args := m.Called(ctx, key, value, expiration)
	return redis.NewStatusResult(args.String(0), args.Error(1))
}

func (m *mockRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	args := m.Called(ctx, keys)
	return redis.NewIntResult(int64(args.Int(0)), args.Error(1))
}

func (m *mockRedis) Ping(ctx context.Context) *redis.StatusCmd {
	args := m.Called(ctx)
	return redis.NewStatusResult("PONG", args.Error(0))
}

func (m *mockRedis) Close() error {
	return m.Called().Error(0)
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	client := new(mockRedis)
	s := newRedisStore(client)

	client.On("Set", ctx, "idempotency:acme:k1", []byte("result"), DefaultTTL).Return("OK", nil)
	client.On("Get", ctx, "idempotency:acme:k1").Return("result", nil)
	client.On("Get", ctx, "idempotency:acme:missing").Return("", redis.Nil)
	client.On("Get", ctx, "idempotency:acme:broken").Return("", errors.New("connection refused"))
	client.On("Del", ctx, []string{"idempotency:acme:k1"}).Return(1, nil)

	require.NoError(t, s.Set(ctx, "acme", "k1", []byte("result"), 0))

	got, err := s.Get(ctx, "acme", "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("result"), got)

	_, err = s.Get(ctx, "acme", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, "acme", "broken")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Delete(ctx, "acme", "k1"))
	client.AssertExpectations(t)
}
