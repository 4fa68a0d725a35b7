package database

import (
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfApplyDefaults(t *testing.T) {
	t.Parallel()

	c := Conf{Host: "db", User: "u", Password: "p", Database: "d"}
	c.ApplyDefaults()

	assert.Equal(t, 5432, c.Port)
	assert.Equal(t, "prefer", c.SSLMode)
	assert.Equal(t, 1, c.TryAttempts)
	assert.Equal(t, time.Second, c.TryInterval)
	assert.Equal(t, 5*time.Second, c.ConnectTimeout)
	assert.Equal(t, int32(10), c.MaxConns)
}

func TestConfValidate(t *testing.T) {
	t.Parallel()

	valid := Conf{Host: "db", Port: 5432, User: "u", Password: "p", Database: "d"}
	valid.ApplyDefaults()
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Conf)
	}{
		{"missing host", func(c *Conf) { c.Host = "" }},
		{"missing port", func(c *Conf) { c.Port = 0 }},
		{"missing user", func(c *Conf) { c.User = "" }},
		{"missing password", func(c *Conf) { c.Password = "" }},
		{"missing database", func(c *Conf) { c.Database = "" }},
		{"zero attempts", func(c *Conf) { c.TryAttempts = -1 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := valid
			tc.mutate(&c)
			require.Error(t, c.Validate())
		})
	}
}

func TestConnectionString(t *testing.T) {
	t.Parallel()

	c := Conf{
		Host: "db.example", Port: 5433,
		User: "ingest", Password: "secret", Database: "seqvault",
		SSLMode: "verify-full",
		CACert:  "/tls/ca.pem", ClientCert: "/tls/cert.pem", ClientKey: "/tls/key.pem",
	}
	c.ApplyDefaults()

	dsn := c.ConnectionString()
	assert.Contains(t, dsn, "host=db.example")
	assert.Contains(t, dsn, "port=5433")
	assert.Contains(t, dsn, "dbname=seqvault")
	assert.Contains(t, dsn, "sslmode=verify-full")
	assert.Contains(t, dsn, "sslrootcert=/tls/ca.pem")
	assert.Contains(t, dsn, "sslcert=/tls/cert.pem")
	assert.Contains(t, dsn, "sslkey=/tls/key.pem")
	assert.Contains(t, dsn, "connect_timeout=5")
}

func TestRetryDelay_Schedule(t *testing.T) {
	t.Parallel()

	interval := 250 * time.Millisecond

	// Flat for ten attempts, then doubling every ten.
	for attempt := 0; attempt < 10; attempt++ {
		assert.Equal(t, interval, retryDelay(attempt, interval), "attempt %d", attempt)
	}
	for attempt := 10; attempt < 20; attempt++ {
		assert.Equal(t, 2*interval, retryDelay(attempt, interval), "attempt %d", attempt)
	}
	assert.Equal(t, 4*interval, retryDelay(20, interval))
	assert.Equal(t, 4*interval, retryDelay(29, interval))
	assert.Equal(t, 8*interval, retryDelay(30, interval))
}

func TestInvalidParams(t *testing.T) {
	t.Parallel()

	assert.True(t, invalidParams(&pgconn.PgError{Code: "28P01"}))
	assert.True(t, invalidParams(&pgconn.PgError{Code: "28000"}))
	assert.True(t, invalidParams(&pgconn.PgError{Code: "3D000"}))
	assert.True(t, invalidParams(fmt.Errorf("connect: %w", &pgconn.PgError{Code: "28P01"})))

	assert.False(t, invalidParams(&pgconn.PgError{Code: "57P03"}))
	assert.False(t, invalidParams(fmt.Errorf("dial tcp: connection refused")))
	assert.False(t, invalidParams(nil))
}

func TestNewDB_RejectsBadConf(t *testing.T) {
	t.Parallel()

	_, err := NewDB(Conf{Host: "db"}, nil)
	require.Error(t, err)
}
