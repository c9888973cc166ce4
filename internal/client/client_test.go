package client

import (
	"context"
	"errors"
	"testing"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ephemeral-auth/internal/config"
)

func TestNewRedisClient_UnreachableIsNotFatal(t *testing.T) {
	rc, err := NewRedisClient(config.RedisConfig{URL: "redis://127.0.0.1:1", PoolSize: 2}, zap.NewNop())
	require.NoError(t, err)
	defer rc.Close()

	assert.Error(t, rc.Ping(context.Background()))
}

func TestNewRedisClient_BadURL(t *testing.T) {
	_, err := NewRedisClient(config.RedisConfig{URL: "not a url"}, zap.NewNop())
	assert.Error(t, err)
}

func TestRedisClient_Operations(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rc := WrapRedisClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer rc.Close()

	require.NoError(t, rc.HealthCheck(ctx))

	_, err := rc.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrKeyNotFound))

	require.NoError(t, rc.Set(ctx, "k", "v", time.Minute))
	val, err := rc.GetDel(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
	_, err = rc.GetDel(ctx, "k")
	assert.True(t, errors.Is(err, ErrKeyNotFound))

	require.NoError(t, rc.SAddWithExpire(ctx, "s", time.Minute, "a", "b"))
	n, err := rc.SCard(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, time.Minute, mr.TTL("s"))
}

func TestParseClickhouseURL(t *testing.T) {
	tests := []struct {
		raw    string
		addr   string
		proto  ch.Protocol
		secure bool
	}{
		{"ch.local", "ch.local:9000", ch.Native, false},
		{"clickhouse://ch.local:9001", "ch.local:9001", ch.Native, false},
		{"clickhouses://ch.local", "ch.local:9440", ch.Native, true},
		{"http://localhost:8123", "localhost:8123", ch.HTTP, false},
		{"https://ch.example.com", "ch.example.com:8443", ch.HTTP, true},
	}
	for _, tt := range tests {
		ep, err := parseClickhouseURL(tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.addr, ep.addr, tt.raw)
		assert.Equal(t, tt.proto, ep.protocol, tt.raw)
		assert.Equal(t, tt.secure, ep.secure, tt.raw)
	}

	_, err := parseClickhouseURL("ftp://ch.local")
	assert.Error(t, err)
	_, err = parseClickhouseURL("http://")
	assert.Error(t, err)
}

func TestClickhouseOptions_TLS(t *testing.T) {
	opts, err := clickhouseOptions(config.ClickhouseConfig{URL: "http://localhost:8123", Database: "security"}, false)
	require.NoError(t, err)
	assert.Nil(t, opts.TLS)
	assert.Equal(t, "security", opts.Auth.Database)

	opts, err = clickhouseOptions(config.ClickhouseConfig{URL: "http://ch.internal:8123"}, true)
	require.NoError(t, err)
	require.NotNil(t, opts.TLS)
	assert.Equal(t, "ch.internal", opts.TLS.ServerName)

	_, err = clickhouseOptions(config.ClickhouseConfig{URL: "https://ch.internal", CAFile: "/nonexistent/ca.pem"}, false)
	assert.Error(t, err)
}

func TestNewKafkaProducer_RequiresBrokers(t *testing.T) {
	_, err := NewKafkaProducer(config.KafkaConfig{}, zap.NewNop())
	assert.Error(t, err)

	p, err := NewKafkaProducer(config.KafkaConfig{Brokers: []string{"127.0.0.1:9092"}}, zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}
