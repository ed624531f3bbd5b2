// Package redistest starts a shared Redis container for integration tests.
package redistest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	once    sync.Once
	client  *redis.Client
	skipMsg string
)

// Client returns the shared client after flushing the database. The test is
// skipped when Docker is unavailable.
func Client(t *testing.T) *redis.Client {
	t.Helper()
	once.Do(start)
	if client == nil {
		t.Skip(skipMsg)
	}
	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
	return client
}

func start() {
	ctx := context.Background()
	var (
		container testcontainers.Container
		err       error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("docker not available: %v", r)
			}
		}()
		container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections"),
			},
			Started: true,
		})
	}()
	if err != nil {
		skipMsg = fmt.Sprintf("Docker not available, skipping integration test: %v", err)
		return
	}
	host, err := container.Host(ctx)
	if err != nil {
		skipMsg = err.Error()
		return
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		skipMsg = err.Error()
		return
	}
	c := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	if err := c.Ping(ctx).Err(); err != nil {
		skipMsg = fmt.Sprintf("failed to ping redis: %v", err)
		return
	}
	client = c
}
