package nats

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spadaval/graphchat-sub000/internal/model"
	"github.com/spadaval/graphchat-sub000/pkg/logger"
)

func TestEventSubject(t *testing.T) {
	assert.Equal(t, "graphchat.t1.variant_text_appended",
		EventSubject(model.Event{ThreadID: "t1", Kind: model.EventVariantAppended}))
	assert.Equal(t, "graphchat._.current_changed",
		EventSubject(model.Event{Kind: model.EventCurrentChanged}))
	assert.Equal(t, "graphchat.a_b.thread_created",
		EventSubject(model.Event{ThreadID: "a.b", Kind: model.EventThreadCreated}))
}

func TestKVStoreRoundTrip(t *testing.T) {
	url := os.Getenv("GRAPHCHAT_TEST_NATS_URL")
	if url == "" {
		t.Skip("GRAPHCHAT_TEST_NATS_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := Connect(ctx, Config{URL: url}, logger.NewNop())
	require.NoError(t, err)
	defer client.Close()

	kv, err := NewKVStore(ctx, client, "graphchat_test")
	require.NoError(t, err)
	require.NoError(t, kv.Ping(ctx))

	require.NoError(t, kv.Save(ctx, "threads", []byte(`{"v":1}`)))
	got, ok, err := kv.Load(ctx, "threads")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"v":1}`, string(got))

	_, ok, err = kv.Load(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	pub := NewEventPublisher(client, logger.NewNop())
	require.NoError(t, pub.EnsureStream(ctx))
	seq, err := pub.Publish(ctx, model.Event{Kind: model.EventThreadCreated, ThreadID: "t1", Version: 1})
	require.NoError(t, err)
	assert.NotZero(t, seq)
}

func TestConnectOptions(t *testing.T) {
	opts, err := connectOptions(Config{URL: "nats://localhost:4222", Token: "secret"}, logger.NewNop())
	require.NoError(t, err)
	var o nats.Options
	for _, opt := range opts {
		require.NoError(t, opt(&o))
	}
	assert.Equal(t, defaultClientName, o.Name)
	assert.Equal(t, "secret", o.Token)
	assert.Nil(t, o.TLSConfig)
}

func TestTLSConfigErrors(t *testing.T) {
	_, err := tlsConfig(Config{CAFile: filepath.Join(t.TempDir(), "missing.pem")})
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a certificate"), 0o600))
	_, err = tlsConfig(Config{CAFile: bad})
	assert.ErrorContains(t, err, "no certificates found")

	_, err = tlsConfig(Config{CertFile: "client.pem"})
	assert.ErrorContains(t, err, "both cert_file and key_file")

	_, err = connectOptions(Config{KeyFile: "client.key"}, logger.NewNop())
	assert.Error(t, err)
}
