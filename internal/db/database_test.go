package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderrors "errors"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/postalscan/internal/errors"
)

// TestDefaultConfig tests the default database configuration.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, "", cfg.Database)
	assert.Equal(t, "", cfg.Username)
	assert.Equal(t, "disable", cfg.SSLMode)
	assert.Equal(t, 25, cfg.MaxOpenConns)
	assert.Equal(t, 5, cfg.MaxIdleConns)
	assert.Equal(t, 5*time.Minute, cfg.ConnMaxLifetime)
	assert.Equal(t, 5*time.Minute, cfg.ConnMaxIdleTime)
}

func TestConfig_DSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database = "postalscan"
	cfg.Username = "scanner"
	cfg.Password = "secret"

	assert.Equal(t,
		"host=localhost port=5432 dbname=postalscan user=scanner password=secret sslmode=disable",
		cfg.DSN())
}

func TestSanitizeDBError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  errors.ErrorCode
		retryable bool
	}{
		{name: "no rows", err: sql.ErrNoRows, wantCode: errors.CodeNotFound},
		{name: "unique violation", err: &pq.Error{Code: "23505"}, wantCode: errors.CodeConflict},
		{name: "foreign key violation", err: &pq.Error{Code: "23503"}, wantCode: errors.CodeNotFound},
		{name: "check violation", err: &pq.Error{Code: "23514"}, wantCode: errors.CodeValidation},
		{name: "connection failure", err: &pq.Error{Code: "08006"}, wantCode: errors.CodeDatabaseConnection, retryable: true},
		{name: "admin shutdown", err: &pq.Error{Code: "57P01"}, wantCode: errors.CodeDatabaseConnection, retryable: true},
		{name: "serialization failure", err: &pq.Error{Code: "40001"}, wantCode: errors.CodeDatabaseTimeout, retryable: true},
		{name: "syntax error", err: &pq.Error{Code: "42601"}, wantCode: errors.CodeDatabaseQuery},
		{name: "wrapped pq error", err: fmt.Errorf("exec: %w", &pq.Error{Code: "23505"}), wantCode: errors.CodeConflict},
		{name: "deadline", err: context.DeadlineExceeded, wantCode: errors.CodeDatabaseTimeout, retryable: true},
		{name: "bad connection", err: driver.ErrBadConn, wantCode: errors.CodeDatabaseConnection, retryable: true},
		{name: "connection done", err: sql.ErrConnDone, wantCode: errors.CodeDatabaseConnection, retryable: true},
		{name: "other", err: stderrors.New("boom"), wantCode: errors.CodeDatabaseQuery},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sanitizeDBError("test op", tt.err)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, errors.GetCode(err))
			assert.Equal(t, tt.retryable, errors.IsRetryable(err))
		})
	}

	assert.NoError(t, sanitizeDBError("test op", nil))
	assert.ErrorIs(t, sanitizeDBError("test op", context.Canceled), context.Canceled)
}

func TestSanitizeDBError_HidesDetails(t *testing.T) {
	raw := &pq.Error{Code: "42P01", Message: `relation "scan_jobs" does not exist`}
	err := sanitizeDBError("get scan job", raw)

	var dbErr *errors.DatabaseError
	require.ErrorAs(t, err, &dbErr)
	assert.Equal(t, "Database operation failed: get scan job", dbErr.Message)
	assert.Equal(t, "get scan job", dbErr.Operation)
	assert.ErrorIs(t, err, raw)
}

func TestNetworkAddr(t *testing.T) {
	t.Run("scan string", func(t *testing.T) {
		var n NetworkAddr
		require.NoError(t, n.Scan("192.168.1.0/24"))
		assert.Equal(t, netip.MustParsePrefix("192.168.1.0/24"), n.Prefix)
	})

	t.Run("scan bytes", func(t *testing.T) {
		var n NetworkAddr
		require.NoError(t, n.Scan([]byte("2001:db8::/48")))
		assert.Equal(t, "2001:db8::/48", n.String())
	})

	t.Run("scan invalid", func(t *testing.T) {
		var n NetworkAddr
		err := n.Scan("invalid-cidr")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse CIDR")
	})

	t.Run("scan unsupported type", func(t *testing.T) {
		var n NetworkAddr
		assert.Error(t, n.Scan(42))
	})

	t.Run("value", func(t *testing.T) {
		v, err := NetworkAddr{netip.MustParsePrefix("10.0.0.0/30")}.Value()
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.0/30", v)

		v, err = NetworkAddr{}.Value()
		require.NoError(t, err)
		assert.Nil(t, v)
	})
}

func TestIPAddr(t *testing.T) {
	for _, in := range []interface{}{"10.0.0.5", []byte("10.0.0.5"), "10.0.0.5/32"} {
		var ip IPAddr
		require.NoError(t, ip.Scan(in))
		assert.Equal(t, netip.MustParseAddr("10.0.0.5"), ip.Addr)
	}

	var ip IPAddr
	err := ip.Scan("not-an-ip")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse IP address")

	v, err := IPAddr{netip.MustParseAddr("::1")}.Value()
	require.NoError(t, err)
	assert.Equal(t, "::1", v)
}

func TestJSONB(t *testing.T) {
	var j JSONB
	require.NoError(t, j.Scan([]byte(`{"accepted":2}`)))
	assert.JSONEq(t, `{"accepted":2}`, string(j))

	require.NoError(t, j.Scan(nil))
	assert.Nil(t, j)

	v, err := JSONB(nil).Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}
