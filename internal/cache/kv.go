package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tendant/simple-prover/internal/process"
)

// KV stores artifacts in a NATS JetStream key-value bucket. The bucket TTL is
// an upper bound; the envelope's ExpiresAt enforces the TTL of each write.
type KV struct {
	kv  jetstream.KeyValue
	now func() time.Time
}

type envelope struct {
	Artifact  process.Artifact `json:"artifact"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// OpenKV creates or binds the bucket.
func OpenKV(ctx context.Context, js jetstream.JetStream, bucket string, maxTTL time.Duration) (*KV, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "proof result cache",
		TTL:         maxTTL,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("open cache bucket %s: %w", bucket, err)
	}
	return &KV{kv: kv, now: time.Now}, nil
}

// kvKey is the fingerprint hash, so distinct subjects never share an
// entry whatever characters their ids contain.
func kvKey(fp process.Fingerprint) string {
	return "artifact." + fp.Hash()
}

// KVKey turns a colon separated logical key into a JetStream KV key.
func KVKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == ':':
			return '.'
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '=', r == '/', r == '.':
			return r
		}
		return '_'
	}, key)
}

func (c *KV) Get(ctx context.Context, fp process.Fingerprint) (*process.Artifact, error) {
	entry, err := c.kv.Get(ctx, kvKey(fp))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, process.Transient("cache.get", err)
	}
	var env envelope
	if err := json.Unmarshal(entry.Value(), &env); err != nil {
		return nil, fmt.Errorf("decode cached artifact: %w", err)
	}
	if !c.now().Before(env.ExpiresAt) {
		return nil, nil
	}
	if env.Artifact.SubjectID != fp.SubjectID || !strings.EqualFold(env.Artifact.TraitType, fp.TraitType) {
		return nil, nil
	}
	return &env.Artifact, nil
}

func (c *KV) Put(ctx context.Context, fp process.Fingerprint, a *process.Artifact, ttl time.Duration) error {
	if a == nil {
		return nil
	}
	b, err := json.Marshal(envelope{Artifact: *a, ExpiresAt: c.now().Add(ttl)})
	if err != nil {
		return err
	}
	if _, err := c.kv.Put(ctx, kvKey(fp), b); err != nil {
		return process.Transient("cache.put", err)
	}
	return nil
}
