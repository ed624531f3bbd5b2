package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaultsAndValidation(t *testing.T) {
	cfg := Config{URL: "postgres://localhost/clerk"}.WithDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.MaxOpenConns)
	assert.Equal(t, 2*time.Second, cfg.PingTimeout)

	assert.Error(t, Config{}.WithDefaults().Validate())
	bad := cfg
	bad.MaxIdleConns = 20
	assert.Error(t, bad.Validate())
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.EqualError(t, err, "postgres url is required")
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, IsUniqueViolation(errors.New("boom")))
}

func TestSchemaCoversTables(t *testing.T) {
	for _, table := range []string{"reasoning_kits", "kit_versions", "resources", "workflow_steps", "tools", "execution_runs", "step_executions"} {
		assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
}
