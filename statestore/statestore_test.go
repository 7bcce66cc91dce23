package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hupe1980/flowkit/config"
	"github.com/hupe1980/flowkit/internal/testdb"
)

// runStoreTests exercises the Store contract against one backend.
func runStoreTests(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("SaveLoad", func(t *testing.T) {
		s := newStore(t)
		st := NewFlowState("f1", "greet", json.RawMessage(`{"name":"Ada"}`))
		st.Steps["fetch"] = json.RawMessage(`42`)
		st.AddTraceID("t1")
		st.AddTraceID("t1")
		require.NoError(t, s.Save(ctx, st))

		got, err := s.Load(ctx, "f1")
		require.NoError(t, err)
		assert.Equal(t, "greet", got.FlowName)
		assert.Equal(t, StatusPending, got.Status)
		assert.JSONEq(t, `{"name":"Ada"}`, string(got.Input))
		assert.JSONEq(t, `42`, string(got.Steps["fetch"]))
		assert.Equal(t, []string{"t1"}, got.TraceIDs)
		assert.False(t, got.UpdatedAt.IsZero())
	})

	t.Run("Upsert", func(t *testing.T) {
		s := newStore(t)
		st := NewFlowState("f2", "greet", nil)
		require.NoError(t, s.Save(ctx, st))

		st.Status = StatusInterrupted
		st.Interrupt = &InterruptRecord{Name: "approve", Payload: json.RawMessage(`{"amount":10}`)}
		require.NoError(t, s.Save(ctx, st))

		got, err := s.Load(ctx, "f2")
		require.NoError(t, err)
		assert.Equal(t, StatusInterrupted, got.Status)
		require.NotNil(t, got.Interrupt)
		assert.Equal(t, "approve", got.Interrupt.Name)

		pending, err := s.List(ctx, Filter{Status: StatusPending})
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("NotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Load(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, "missing"), ErrNotFound)
	})

	t.Run("ListFilterAndOrder", func(t *testing.T) {
		s := newStore(t)
		for i, name := range []string{"a", "b", "a"} {
			st := NewFlowState(fmt.Sprintf("l%d", i), name, nil)
			if i == 2 {
				st.Status = StatusDone
			}
			require.NoError(t, s.Save(ctx, st))
			time.Sleep(2 * time.Millisecond)
		}

		all, err := s.List(ctx, Filter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "l2", all[0].FlowID)
		assert.Equal(t, "l0", all[2].FlowID)

		byName, err := s.List(ctx, Filter{FlowName: "a"})
		require.NoError(t, err)
		assert.Len(t, byName, 2)

		both, err := s.List(ctx, Filter{FlowName: "a", Status: StatusDone})
		require.NoError(t, err)
		require.Len(t, both, 1)
		assert.Equal(t, "l2", both[0].FlowID)

		limited, err := s.List(ctx, Filter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("Delete", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, NewFlowState("d1", "x", nil)))
		require.NoError(t, s.Delete(ctx, "d1"))
		_, err := s.Load(ctx, "d1")
		assert.ErrorIs(t, err, ErrNotFound)
		all, err := s.List(ctx, Filter{FlowName: "x"})
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("Closed", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Close())
		assert.ErrorIs(t, s.Save(ctx, NewFlowState("c", "x", nil)), ErrStoreClosed)
		_, err := s.Load(ctx, "c")
		assert.ErrorIs(t, err, ErrStoreClosed)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	st := NewFlowState("f", "n", nil)
	require.NoError(t, s.Save(context.Background(), st))
	st.Steps["mutated"] = json.RawMessage(`1`)

	got, err := s.Load(context.Background(), "f")
	require.NoError(t, err)
	assert.NotContains(t, got.Steps, "mutated")
}

func TestSQLiteStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		db, err := sql.Open("sqlite", ":memory:")
		require.NoError(t, err)
		db.SetMaxOpenConns(1)
		s, err := NewSQLiteStore(db)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestOpen(t *testing.T) {
	s, err := Open(context.Background(), config.StoreConfig{Driver: config.DriverSQLite, DSN: "file:" + t.TempDir() + "/state.db"})
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), NewFlowState("o", "n", nil)))
	require.NoError(t, s.Close())

	m, err := Open(context.Background(), config.StoreConfig{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, m)

	_, err = Open(context.Background(), config.StoreConfig{Driver: "etcd"})
	assert.ErrorContains(t, err, "unknown driver")
}

func TestFlowStateClone(t *testing.T) {
	st := NewFlowState("f", "n", json.RawMessage(`1`))
	st.Interrupt = &InterruptRecord{Name: "i", Payload: json.RawMessage(`{}`)}
	c := st.Clone()
	c.Interrupt.Name = "changed"
	c.Input[0] = '2'
	assert.Equal(t, "i", st.Interrupt.Name)
	assert.Equal(t, `1`, string(st.Input))
	assert.True(t, StatusDone.Terminal())
	assert.False(t, StatusInterrupted.Terminal())
}

func TestRedisStore(t *testing.T) {
	if testing.Short() {
		t.Skip("container test")
	}
	url := testdb.RedisURL(t)
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)

	n := 0
	runStoreTests(t, func(t *testing.T) Store {
		n++
		return NewRedisStore(redis.NewClient(opts), fmt.Sprintf("test%d:", n))
	})
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("container test")
	}
	dsn := testdb.PostgresDSN(t)

	runStoreTests(t, func(t *testing.T) Store {
		db, err := sql.Open("pgx", dsn)
		require.NoError(t, err)
		s, err := NewPostgresStore(db)
		require.NoError(t, err)
		_, err = db.Exec(`DELETE FROM flow_states`)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestMongoStore(t *testing.T) {
	if testing.Short() {
		t.Skip("container test")
	}
	uri := testdb.MongoURI(t)

	n := 0
	runStoreTests(t, func(t *testing.T) Store {
		n++
		client, err := mongo.Connect(context.Background(), options.Client().ApplyURI(uri))
		require.NoError(t, err)
		return NewMongoStore(client, fmt.Sprintf("flowkit_test_%d", n), "")
	})
}
