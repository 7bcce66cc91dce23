package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each session as a JSON string under
// prefix+"session:"+id, its version under prefix+"session-version:"+id and
// an update-time index in the sorted set prefix+"idx:sessions".
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store on client. prefix defaults to "flowkit:".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "flowkit:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) dataKey(id string) string    { return s.prefix + "session:" + id }
func (s *RedisStore) versionKey(id string) string { return s.prefix + "session-version:" + id }
func (s *RedisStore) indexKey() string            { return s.prefix + "idx:sessions" }

func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	data, err := s.client.Get(ctx, s.dataKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", id, err)
	}
	return decode(data)
}

// Save uses WATCH on the version key so concurrent writers cannot both
// succeed.
func (s *RedisStore) Save(ctx context.Context, sess *Session) error {
	expected := sess.Version
	vkey := s.versionKey(sess.ID)

	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, vkey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != expected {
			return ErrConflict
		}

		sess.mu.Lock()
		sess.Version = expected + 1
		sess.UpdatedAt = time.Now().UTC()
		sess.mu.Unlock()

		data, err := encode(sess)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.dataKey(sess.ID), data, 0)
			pipe.Set(ctx, vkey, sess.Version, 0)
			pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(sess.UpdatedAt.UnixNano()), Member: sess.ID})
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, vkey)
	if err == nil {
		return nil
	}
	sess.Version = expected
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	if errors.Is(err, ErrConflict) {
		return err
	}
	return fmt.Errorf("session: save %s: %w", sess.ID, err)
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, s.dataKey(id), s.versionKey(id)).Result()
	if err != nil {
		return fmt.Errorf("session: delete %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return s.client.ZRem(ctx, s.indexKey(), id).Err()
}

func (s *RedisStore) List(ctx context.Context) ([]*Session, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	var out []*Session
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// Close closes the client.
func (s *RedisStore) Close() error { return s.client.Close() }
