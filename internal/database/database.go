// Package database is the PostgreSQL gateway for the ingestion pipeline.
//
// The gateway connects lazily: construction only validates configuration,
// the first operation dials. Lost connections are detected by a ping ahead
// of every operation and repaired with the same bounded, exponentially
// backed off retry schedule used for the initial connection. Exhausting
// the schedule invokes the registered failure callback, which workers use
// to terminate so the supervisor restarts them against a healthy database.
package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

// Sentinel errors surfaced by gateway operations.
var (
	// ErrNotFound is returned when a file id has no row.
	ErrNotFound = errors.New("database: file not found")

	// ErrDuplicateSessionKey is returned by MarkCompleted when a session
	// key checksum is already present in the ledger.
	ErrDuplicateSessionKey = errors.New("database: session key checksum already recorded")
)

// Conf holds the database connection settings.
type Conf struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password" validate:"required"`
	Database string `mapstructure:"database" validate:"required"`
	SSLMode  string `mapstructure:"sslmode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`

	// TLS material handed to the postgres driver.
	CACert     string `mapstructure:"cacert"`
	ClientCert string `mapstructure:"clientcert"`
	ClientKey  string `mapstructure:"clientkey"`

	// Reconnection schedule: TryAttempts connection attempts, sleeping
	// TryInterval * 2^(attempt/10) between consecutive ones.
	TryAttempts int           `mapstructure:"try_attempts"`
	TryInterval time.Duration `mapstructure:"try_interval"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	MaxConns       int32         `mapstructure:"max_conns"`

	// AutoMigrate applies the embedded reference schema at startup. Meant
	// for development deployments; production schemas are managed
	// externally.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// ApplyDefaults sets default values for unspecified fields.
func (c *Conf) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.SSLMode == "" {
		c.SSLMode = "prefer"
	}
	if c.TryAttempts == 0 {
		c.TryAttempts = 1
	}
	if c.TryInterval == 0 {
		c.TryInterval = 1 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
}

// Validate checks if the configuration is usable.
func (c *Conf) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Port == 0 {
		return fmt.Errorf("database port is required")
	}
	if c.User == "" {
		return fmt.Errorf("database user is required")
	}
	if c.Password == "" {
		return fmt.Errorf("database password is required")
	}
	if c.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if c.TryAttempts < 1 {
		return fmt.Errorf("try_attempts must be at least 1")
	}
	return nil
}

// ConnectionString builds a key/value DSN from the config.
func (c *Conf) ConnectionString() string {
	var b strings.Builder
	fmt.Fprintf(&b, "host=%s port=%d dbname=%s user=%s password=%s sslmode=%s connect_timeout=%d",
		c.Host, c.Port, c.Database, c.User, c.Password, c.SSLMode,
		int(c.ConnectTimeout.Seconds()))
	if c.CACert != "" {
		fmt.Fprintf(&b, " sslrootcert=%s", c.CACert)
	}
	if c.ClientCert != "" {
		fmt.Fprintf(&b, " sslcert=%s", c.ClientCert)
	}
	if c.ClientKey != "" {
		fmt.Fprintf(&b, " sslkey=%s", c.ClientKey)
	}
	return b.String()
}

// DB is the pipeline's database gateway.
type DB struct {
	conf      Conf
	poolConf  *pgxpool.Config
	onFailure func()

	mu   sync.Mutex
	pool *pgxpool.Pool
}

// NewDB builds a gateway from conf. The configuration is parsed eagerly so
// malformed settings fail here, but no connection is made until the first
// operation. onFailure may be nil; when set it runs after the retry
// schedule is exhausted or the settings are rejected by the server.
func NewDB(conf Conf, onFailure func()) (*DB, error) {
	conf.ApplyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	poolConf, err := pgxpool.ParseConfig(conf.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("database: parse connection string: %w", err)
	}
	poolConf.MaxConns = conf.MaxConns

	return &DB{
		conf:      conf,
		poolConf:  poolConf,
		onFailure: onFailure,
	}, nil
}

// retryDelay returns the sleep before the next attempt. The schedule stays
// flat for ten attempts, then doubles: attempts 0-9 wait interval, 10-19
// wait 2*interval, 20-29 wait 4*interval, and so on.
func retryDelay(attempt int, interval time.Duration) time.Duration {
	return time.Duration(1<<uint(attempt/10)) * interval
}

// invalidParams reports whether err indicates settings the server will
// never accept, such as bad credentials or an unknown database. Retrying
// those is pointless.
func invalidParams(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return strings.HasPrefix(pgErr.Code, "28") || strings.HasPrefix(pgErr.Code, "3D")
}

// Connect dials the database, retrying on transient failures per the
// configured schedule.
func (db *DB) Connect(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.connectLocked(ctx)
}

func (db *DB) connectLocked(ctx context.Context) error {
	if db.pool != nil {
		return nil
	}

	log.Infof("initializing database connection (%d attempts)", db.conf.TryAttempts)

	var lastErr error
	for attempt := 0; attempt < db.conf.TryAttempts; attempt++ {
		log.Debugf("database connection attempt %d", attempt)

		pool, err := pgxpool.NewWithConfig(ctx, db.poolConf)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				log.Debug("database connection successful")
				db.pool = pool
				return nil
			}
			pool.Close()
		}
		lastErr = err

		if invalidParams(err) {
			log.Debugf("invalid connection parameters: %v", err)
			break
		}
		log.Debugf("database connection error: %v", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay(attempt, db.conf.TryInterval)):
		}
	}

	if db.onFailure != nil {
		log.Error("failed to connect to the database")
		db.onFailure()
	}
	return fmt.Errorf("database: connect: %w", lastErr)
}

// ready hands out the pool, connecting first if needed and reconnecting
// when the health ping fails.
func (db *DB) ready(ctx context.Context) (*pgxpool.Pool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.pool == nil {
		if err := db.connectLocked(ctx); err != nil {
			return nil, err
		}
		return db.pool, nil
	}

	if err := db.pool.Ping(ctx); err != nil {
		log.Debugf("database ping failed, reconnecting: %v", err)
		db.pool.Close()
		db.pool = nil
		if err := db.connectLocked(ctx); err != nil {
			return nil, err
		}
	}
	return db.pool, nil
}

// Ping checks that the database answers, reconnecting if it does not.
func (db *DB) Ping(ctx context.Context) error {
	_, err := db.ready(ctx)
	return err
}

// Close tears down the connection pool.
func (db *DB) Close() {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.pool != nil {
		log.Debug("closing the database")
		db.pool.Close()
		db.pool = nil
	}
}
