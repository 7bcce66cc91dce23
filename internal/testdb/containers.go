// Package testdb starts Redis, Postgres and MongoDB containers for store
// tests. Each container starts at most once per test binary; tests are
// skipped when Docker is unavailable.
package testdb

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// container lazily starts one container per test binary. Containers are
// removed by the testcontainers reaper when the binary exits.
type container struct {
	once sync.Once
	addr string
	err  error
}

func (c *container) get(t *testing.T, start func(ctx context.Context) (string, error)) string {
	t.Helper()
	c.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()
		c.addr, c.err = start(ctx)
	})
	if c.err != nil {
		t.Skipf("container unavailable: %v", c.err)
	}
	return c.addr
}

var (
	redisC    container
	postgresC container
	mongoC    container
)

// RedisURL returns a redis:// URL of a shared Redis container.
func RedisURL(t *testing.T) string {
	return redisC.get(t, func(ctx context.Context) (string, error) {
		c, err := testcontainers.Run(
			ctx, "redis:7",
			testcontainers.WithExposedPorts("6379/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("6379/tcp"),
				wait.ForLog("Ready to accept connections"),
			),
		)
		if err != nil {
			return "", err
		}
		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			_ = c.Terminate(context.Background())
			return "", err
		}
		return fmt.Sprintf("redis://%s/0", endpoint), nil
	})
}

// PostgresDSN returns a DSN for the "pgx" driver of a shared Postgres
// container.
func PostgresDSN(t *testing.T) string {
	return postgresC.get(t, func(ctx context.Context) (string, error) {
		c, err := testcontainers.Run(
			ctx, "postgres:16",
			testcontainers.WithExposedPorts("5432/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForAll(
					wait.ForListeningPort("5432/tcp"),
					// Postgres logs readiness twice: once for the init
					// server and once for the real one.
					wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
				).WithDeadline(2*time.Minute),
			),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_USER":     "flowkit",
				"POSTGRES_PASSWORD": "flowkit",
				"POSTGRES_DB":       "flowkit_test",
			}),
		)
		if err != nil {
			return "", err
		}
		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			_ = c.Terminate(context.Background())
			return "", err
		}
		return fmt.Sprintf("postgres://flowkit:flowkit@%s/flowkit_test?sslmode=disable", endpoint), nil
	})
}

// MongoURI returns a mongodb:// URI of a shared MongoDB container.
func MongoURI(t *testing.T) string {
	return mongoC.get(t, func(ctx context.Context) (string, error) {
		c, err := testcontainers.Run(
			ctx, "mongo:7",
			testcontainers.WithExposedPorts("27017/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("27017/tcp"),
				wait.ForLog("Waiting for connections"),
			),
		)
		if err != nil {
			return "", err
		}
		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			_ = c.Terminate(context.Background())
			return "", err
		}
		return fmt.Sprintf("mongodb://%s", endpoint), nil
	})
}
