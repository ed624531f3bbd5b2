package minio

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestConfigValidate(t *testing.T) {
	assert.EqualError(t, Config{}.Validate(), "minio endpoint is required")
	assert.EqualError(t, Config{Endpoint: "localhost:9000"}.Validate(), "minio credentials are required")
	assert.NoError(t, Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b"}.Validate())
}

func TestNewWithClientDefaults(t *testing.T) {
	_, err := NewWithClient(nil, "", 0)
	assert.EqualError(t, err, "minio client is required")
}

func startMinio(t *testing.T) *Store {
	t.Helper()
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
				Image:        "minio/minio:latest",
				ExposedPorts: []string{"9000/tcp"},
				Env:          map[string]string{"MINIO_ROOT_USER": "clerk", "MINIO_ROOT_PASSWORD": "clerksecret"},
				Cmd:          []string{"server", "/data"},
				WaitingFor:   wait.ForHTTP("/minio/health/live").WithPort("9000/tcp").WithStartupTimeout(60 * time.Second),
			},
			Started: true,
		})
	}()
	if err != nil {
		t.Skipf("Docker not available, skipping MinIO test: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })
	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)
	store, err := New(Config{
		Endpoint:      fmt.Sprintf("%s:%s", host, port.Port()),
		AccessKey:     "clerk",
		SecretKey:     "clerksecret",
		MaxObjectSize: 64,
	})
	require.NoError(t, err)
	require.NoError(t, store.EnsureBucket(ctx, ""))
	return store
}

func TestPutFetchDelete(t *testing.T) {
	store := startMinio(t)
	ctx := context.Background()
	key := "kit/version/resources/resource_1.txt"

	require.NoError(t, store.Put(ctx, key, []byte("Paris"), "text/plain"))
	data, mt, err := store.Fetch(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "Paris", string(data))
	assert.Equal(t, "text/plain", mt)
	require.NoError(t, store.Ping(ctx))

	require.NoError(t, store.Put(ctx, "big", make([]byte, 65), "application/octet-stream"))
	_, _, err = store.Fetch(ctx, "big")
	assert.ErrorIs(t, err, ErrTooLarge)

	require.NoError(t, store.Delete(ctx, key))
	_, _, err = store.Fetch(ctx, key)
	assert.Error(t, err)
}
