// Command seqvault-verify proves archived files are intact: it opens
// the stored header with the master key, guards against session key
// reuse and decrypts the whole body to settle the plaintext checksums.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"seqvault/internal/broker"
	"seqvault/internal/config"
	"seqvault/internal/database"
	"seqvault/internal/keys"
	"seqvault/internal/metrics"
	"seqvault/internal/pipeline"
	"seqvault/internal/storage"
	"seqvault/internal/telemetry"
)

// Build-time variables injected via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "seqvault-verify",
	Short: "Verify archived Crypt4GH files",
	Long: `seqvault-verify consumes archived-file announcements, opens the stored
envelope header with the service master key, rejects session keys that
were seen before and streams the archived ciphertext through the
decryptor to compute the plaintext checksums. Verified files are
reported to the orchestrator.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("seqvault-verify %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"path to config file (default ./config.yaml, or $CONFIGFILE)")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.NewConfig(config.ServiceVerify, configFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "seqvault-verify",
		ServiceVersion: version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	if shutdownTracing != nil {
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				log.Errorf("telemetry shutdown: %v", err)
			}
		}()
	}

	stopProfiling, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "seqvault-verify",
		ServiceVersion: version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	})
	if err != nil {
		return fmt.Errorf("initializing profiling: %w", err)
	}
	defer func() {
		if err := stopProfiling(); err != nil {
			log.Errorf("profiling shutdown: %v", err)
		}
	}()

	var (
		reg *prometheus.Registry
		m   *metrics.Worker
	)
	if cfg.Ops.Enabled {
		reg = prometheus.NewRegistry()
		m = metrics.NewWorker(reg, cfg.Service, cfg.Broker.Queue)
	}

	masterKey, err := keys.NewProvider(cfg.MasterKey)
	if err != nil {
		return err
	}

	db, err := database.NewDB(cfg.Database, func() {
		log.Error("database unreachable and retries exhausted, exiting")
		os.Exit(1)
	})
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			return err
		}
	}

	archive, err := storage.NewBackend(ctx, cfg.Archive, "")
	if err != nil {
		return fmt.Errorf("opening archive backend: %w", err)
	}

	mq, err := broker.NewMQ(cfg.Broker)
	if err != nil {
		return err
	}
	defer mq.Close()

	if cfg.Ops.Enabled {
		ops := metrics.NewServer(cfg.Ops.Port, reg, func(ctx context.Context) error {
			if mq.Connection.IsClosed() {
				return errors.New("broker connection closed")
			}
			return db.Ping(ctx)
		})
		go func() {
			log.Infof("ops endpoint listening on %s", ops.Addr)
			if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("ops server: %v", err)
			}
		}()
		defer func() { _ = ops.Shutdown(context.Background()) }()
	}

	go func() {
		if err := mq.ConnectionWatcher(); err != nil {
			log.Error(err)
			os.Exit(1)
		}
	}()

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigs
		log.Infof("received %s, shutting down", sig)
		cancel()
	}()

	w := &worker{
		db:         db,
		archive:    archive,
		privateKey: masterKey.Private(),
		metrics:    m,
	}

	handler := pipeline.Traced(telemetry.SpanVerify, cfg.Broker.Queue,
		pipeline.Instrument(m,
			pipeline.Wrap(db,
				pipeline.Validated(broker.SchemaIngestionArchived, mq, w.handle))))

	log.WithField("version", version).Info("starting verify worker")

	err = mq.Consume(ctx, cfg.Broker.Queue, cfg.Broker.RoutingKey, handler)
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
