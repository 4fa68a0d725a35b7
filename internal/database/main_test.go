package database

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// testConf points at the shared PostgreSQL container; zero until TestMain
// has started it.
var testConf Conf

// TestMain brings up one PostgreSQL container with the reference schema for
// all gateway tests.
func TestMain(m *testing.M) {
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("seqvault_test"),
		tcpostgres.WithUsername("seqvault_test"),
		tcpostgres.WithPassword("seqvault_test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		_ = container.Terminate(ctx)
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}

	testConf = Conf{
		Host:     host,
		Port:     port.Int(),
		User:     "seqvault_test",
		Password: "seqvault_test",
		Database: "seqvault_test",
		SSLMode:  "disable",
	}
	testConf.ApplyDefaults()

	if err := runMigrations(ctx, testConf.ConnectionString()); err != nil {
		_ = container.Terminate(ctx)
		fmt.Fprintf(os.Stderr, "failed to apply schema: %v\n", err)
		os.Exit(1)
	}

	exitCode := m.Run()

	if err := container.Terminate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to terminate container: %v\n", err)
	}

	os.Exit(exitCode)
}
