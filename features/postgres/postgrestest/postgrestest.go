// Package postgrestest starts a disposable PostgreSQL container for tests.
package postgrestest

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/clerkhq/clerk/features/postgres"
)

var (
	once    sync.Once
	shared  *sql.DB
	skipMsg string
)

// DB returns a migrated database shared by the tests of the calling package.
// The test is skipped when Docker is unavailable.
func DB(t *testing.T) *sql.DB {
	t.Helper()
	once.Do(start)
	if shared == nil {
		t.Skip(skipMsg)
	}
	return shared
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
				Image:        "postgres:16-alpine",
				ExposedPorts: []string{"5432/tcp"},
				Env: map[string]string{
					"POSTGRES_USER":     "clerk",
					"POSTGRES_PASSWORD": "clerk",
					"POSTGRES_DB":       "clerk",
				},
				WaitingFor: wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60 * time.Second),
				Tmpfs: map[string]string{"/var/lib/postgresql/data": "rw"},
			},
			Started: true,
		})
	}()
	if err != nil {
		skipMsg = fmt.Sprintf("Docker not available, skipping PostgreSQL test: %v", err)
		return
	}
	host, err := container.Host(ctx)
	if err != nil {
		skipMsg = err.Error()
		return
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		skipMsg = err.Error()
		return
	}
	db, err := postgres.Open(ctx, postgres.Config{
		URL:         fmt.Sprintf("postgres://clerk:clerk@%s:%s/clerk?sslmode=disable", host, port.Port()),
		PingTimeout: 10 * time.Second,
	})
	if err != nil {
		skipMsg = err.Error()
		return
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		skipMsg = err.Error()
		return
	}
	shared = db
}
