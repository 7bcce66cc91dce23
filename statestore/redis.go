package statestore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each state as a JSON string under prefix+"state:"+id and
// maintains sorted-set indexes scored by the update time:
//
//	<prefix>idx:all
//	<prefix>idx:flow:<flowName>
//	<prefix>idx:status:<status>
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	closed atomic.Bool
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store on client. prefix defaults to "flowkit:".
// The store takes ownership of client.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "flowkit:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) stateKey(id string) string      { return s.prefix + "state:" + id }
func (s *RedisStore) allKey() string                 { return s.prefix + "idx:all" }
func (s *RedisStore) flowKey(name string) string     { return s.prefix + "idx:flow:" + name }
func (s *RedisStore) statusKey(status Status) string { return s.prefix + "idx:status:" + string(status) }

func (s *RedisStore) Save(ctx context.Context, st *FlowState) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}

	prev, err := s.Load(ctx, st.FlowID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	touch(st)
	data, err := encodeState(st)
	if err != nil {
		return fmt.Errorf("statestore: encode %s: %w", st.FlowID, err)
	}

	score := float64(st.UpdatedAt.UnixNano())
	member := redis.Z{Score: score, Member: st.FlowID}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.stateKey(st.FlowID), data, 0)
	if prev != nil {
		if prev.Status != st.Status {
			pipe.ZRem(ctx, s.statusKey(prev.Status), st.FlowID)
		}
		if prev.FlowName != st.FlowName {
			pipe.ZRem(ctx, s.flowKey(prev.FlowName), st.FlowID)
		}
	}
	pipe.ZAdd(ctx, s.allKey(), member)
	pipe.ZAdd(ctx, s.flowKey(st.FlowName), member)
	pipe.ZAdd(ctx, s.statusKey(st.Status), member)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("statestore: save %s: %w", st.FlowID, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, flowID string) (*FlowState, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	data, err := s.client.Get(ctx, s.stateKey(flowID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("statestore: load %s: %w", flowID, err)
	}
	return decodeState(data)
}

func (s *RedisStore) List(ctx context.Context, f Filter) ([]*FlowState, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	key := s.allKey()
	switch {
	case f.FlowName != "":
		key = s.flowKey(f.FlowName)
	case f.Status != "":
		key = s.statusKey(f.Status)
	}

	ids, err := s.client.ZRevRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("statestore: list: %w", err)
	}

	var out []*FlowState
	for _, id := range ids {
		st, err := s.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !f.matches(st) {
			continue
		}
		out = append(out, st)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, flowID string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	prev, err := s.Load(ctx, flowID)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.stateKey(flowID))
	pipe.ZRem(ctx, s.allKey(), flowID)
	pipe.ZRem(ctx, s.flowKey(prev.FlowName), flowID)
	pipe.ZRem(ctx, s.statusKey(prev.Status), flowID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("statestore: delete %s: %w", flowID, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.client.Close()
}
