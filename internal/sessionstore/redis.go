package sessionstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/kilupskalvis/scenesync/internal/models"
)

const (
	sessionKeyPrefix = "scenesync:session:"
	relayChanPrefix  = "scenesync:relay:"
	seqKeyPrefix     = "scenesync:seq:"
)

// RedisStore persists session documents in redis with a native TTL on the
// key, refreshed on every save, and implements Bus over redis pub/sub so
// multiple coordinator nodes can serve one session.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to redis at addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return &RedisStore{client: client}, nil
}

// Save stores the session document and refreshes the idle TTL.
func (s *RedisStore) Save(ctx context.Context, session *models.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", session.ProjectID, err)
	}
	key := sessionKeyPrefix + session.ProjectID
	if err := s.client.Set(ctx, key, data, models.SessionTTL).Err(); err != nil {
		return fmt.Errorf("save session %s: %w", session.ProjectID, err)
	}
	return nil
}

// Load returns the stored session, or nil if the key is absent (expired keys
// are absent; redis enforces the TTL).
func (s *RedisStore) Load(ctx context.Context, projectID string) (*models.Session, error) {
	data, err := s.client.Get(ctx, sessionKeyPrefix+projectID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", projectID, err)
	}
	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", projectID, err)
	}
	return &session, nil
}

// Delete removes the session document.
func (s *RedisStore) Delete(ctx context.Context, projectID string) error {
	if err := s.client.Del(ctx, sessionKeyPrefix+projectID).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", projectID, err)
	}
	return nil
}

// NextSeq allocates the next operation sequence through a shared counter, so
// sequences stay collision-free across coordinator nodes.
func (s *RedisStore) NextSeq(ctx context.Context, projectID string) (int64, error) {
	key := seqKeyPrefix + projectID
	seq, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("allocate seq for %s: %w", projectID, err)
	}
	s.client.Expire(ctx, key, models.SessionTTL)
	return seq, nil
}

// Publish sends a relay frame to every coordinator node subscribed to the
// session's channel.
func (s *RedisStore) Publish(ctx context.Context, projectID string, frame []byte) error {
	if err := s.client.Publish(ctx, relayChanPrefix+projectID, frame).Err(); err != nil {
		return fmt.Errorf("publish relay frame for %s: %w", projectID, err)
	}
	return nil
}

// Subscribe delivers relay frames for the session until cancel is called.
func (s *RedisStore) Subscribe(ctx context.Context, projectID string) (<-chan []byte, func(), error) {
	pubsub := s.client.Subscribe(ctx, relayChanPrefix+projectID)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe relay channel for %s: %w", projectID, err)
	}

	frames := make(chan []byte, 64)
	go func() {
		defer close(frames)
		for msg := range pubsub.Channel() {
			frames <- []byte(msg.Payload)
		}
	}()

	cancel := func() { pubsub.Close() }
	return frames, cancel, nil
}

// Close releases the redis connection.
func (s *RedisStore) Close() error { return s.client.Close() }
