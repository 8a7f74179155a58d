package nats

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// KVStore keeps thread snapshots in a JetStream key/value bucket.
type KVStore struct {
	client *Client
	kv     jetstream.KeyValue
}

// NewKVStore opens the bucket, creating it when missing.
func NewKVStore(ctx context.Context, client *Client, bucket string) (*KVStore, error) {
	js := client.JetStream()

	kv, err := js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "graphchat thread snapshots",
			History:     5,
			Storage:     jetstream.FileStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open key/value bucket %s: %w", bucket, err)
	}

	return &KVStore{client: client, kv: kv}, nil
}

// Load returns the latest value for key.
func (s *KVStore) Load(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := s.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return entry.Value(), true, nil
}

// Save stores value as the latest revision of key.
func (s *KVStore) Save(ctx context.Context, key string, value []byte) error {
	if _, err := s.kv.Put(ctx, key, value); err != nil {
		return fmt.Errorf("failed to put %q: %w", key, err)
	}
	return nil
}

// Ping reports whether the NATS connection is up.
func (s *KVStore) Ping(context.Context) error {
	if !s.client.Connected() {
		return errors.New("NATS not connected")
	}
	return nil
}

// Close is a no-op; the connection belongs to the Client.
func (s *KVStore) Close() error {
	return nil
}
