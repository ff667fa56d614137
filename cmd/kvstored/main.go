package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mizosoft/persistm"
	"github.com/mizosoft/persistm/kvstore"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const (
	storeBackendFile   = "file"
	storeBackendBadger = "badger"
)

// fileConfig mirrors the CLI flags; flags override file values when set.
type fileConfig struct {
	Id               string        `toml:"id"`
	Address          string        `toml:"address"`
	DataDir          string        `toml:"data_dir"`
	StoreBackend     string        `toml:"store_backend"`
	MemoryMapped     bool          `toml:"mmap"`
	SnapshotEvery    int           `toml:"snapshot_every"`
	SnapshotInterval time.Duration `toml:"snapshot_interval"`
	SyncTimeout      time.Duration `toml:"sync_timeout"`
	LogFile          string        `toml:"log_file"`
}

func main() {
	app := &cli.App{
		Name:  "kvstored",
		Usage: "Run a standalone kvstore node",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "id",
				Usage: "Node ID for this server",
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "HTTP address to listen on (e.g., :8001)",
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "Snapshot directory (defaults to 'data<id>')",
			},
			&cli.StringFlag{
				Name:  "store",
				Value: storeBackendFile,
				Usage: "Snapshot store backend: file or badger",
			},
			&cli.BoolFlag{
				Name:  "mmap",
				Usage: "Enable memory-mapped snapshot reads (file backend only)",
			},
			&cli.IntFlag{
				Name:  "snapshot-every",
				Value: 1024,
				Usage: "Snapshot after this many applied commands (0 disables)",
			},
			&cli.DurationFlag{
				Name:  "snapshot-interval",
				Usage: "Periodic background snapshot interval (0 disables)",
			},
			&cli.DurationFlag{
				Name:  "sync-timeout",
				Value: time.Second,
				Usage: "Leader sync timeout for linearizable reads",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "Log output file (defaults to stderr)",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "TOML config file; flags override its values",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (fileConfig, error) {
	config := fileConfig{
		StoreBackend:  storeBackendFile,
		SnapshotEvery: 1024,
		SyncTimeout:   time.Second,
	}
	if fpath := c.String("config"); fpath != "" {
		if _, err := toml.DecodeFile(fpath, &config); err != nil {
			return config, fmt.Errorf("parsing --config: %w", err)
		}
	}

	if c.IsSet("id") {
		config.Id = c.String("id")
	}
	if c.IsSet("addr") {
		config.Address = c.String("addr")
	}
	if c.IsSet("data-dir") {
		config.DataDir = c.String("data-dir")
	}
	if c.IsSet("store") {
		config.StoreBackend = c.String("store")
	}
	if c.IsSet("mmap") {
		config.MemoryMapped = c.Bool("mmap")
	}
	if c.IsSet("snapshot-every") {
		config.SnapshotEvery = c.Int("snapshot-every")
	}
	if c.IsSet("snapshot-interval") {
		config.SnapshotInterval = c.Duration("snapshot-interval")
	}
	if c.IsSet("sync-timeout") {
		config.SyncTimeout = c.Duration("sync-timeout")
	}
	if c.IsSet("log-file") {
		config.LogFile = c.String("log-file")
	}

	if config.Id == "" {
		return config, fmt.Errorf("an id is required (--id or config file)")
	}
	if config.Address == "" {
		return config, fmt.Errorf("an address is required (--addr or config file)")
	}
	if config.DataDir == "" {
		config.DataDir = "data" + config.Id
	}
	return config, nil
}

func run(c *cli.Context) error {
	config, err := loadConfig(c)
	if err != nil {
		return err
	}

	logger, err := buildLogger(config.LogFile)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync()

	store, closeStore, err := openStore(config)
	if err != nil {
		return fmt.Errorf("opening snapshot store: %w", err)
	}
	defer closeStore()

	// Standalone single-voter mode: this node is leader of a one-node group
	// and local appends commit immediately.
	log := persistm.NewMemoryLog()
	log.SetLeader(true)
	log.AdvanceTerm()

	kv, err := kvstore.New(kvstore.Config{
		Id:            config.Id,
		Log:           log,
		Store:         store,
		SnapshotEvery: config.SnapshotEvery,
		SyncTimeout:   config.SyncTimeout,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("creating kvstore: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := kv.Start(ctx); err != nil {
		return fmt.Errorf("starting kvstore: %w", err)
	}

	if config.SnapshotInterval > 0 {
		ticker := time.NewTicker(config.SnapshotInterval)
		defer ticker.Stop()
		go func() {
			for {
				select {
				case <-ticker.C:
					kv.StateMachine().MakeSnapshotInBackground()
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	srv := &http.Server{Addr: config.Address, Handler: kv.Handler()}
	errChan := make(chan error, 1)
	go func() {
		logger.Info("Listening", zap.String("address", config.Address))
		errChan <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errChan:
		return err
	case <-quit:
	}

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	// Snapshot what we applied so the next start doesn't replay everything.
	if applied := kv.AppliedOffset(); applied >= 0 {
		if err := kv.StateMachine().EnsureSnapshotExists(shutdownCtx, applied); err != nil {
			logger.Error("Error taking final snapshot", zap.Error(err))
		}
	}
	cancel()
	kv.Close()
	return nil
}

func openStore(config fileConfig) (persistm.SnapshotStore, func(), error) {
	switch config.StoreBackend {
	case storeBackendFile:
		store, err := persistm.OpenFileSnapshotStore(persistm.FileStoreOptions{
			Dir:          config.DataDir,
			Name:         config.Id,
			MemoryMapped: config.MemoryMapped,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	case storeBackendBadger:
		store, err := persistm.OpenBadgerSnapshotStore(config.DataDir, config.Id)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", config.StoreBackend)
	}
}

func buildLogger(logFile string) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if logFile != "" {
		cfg.OutputPaths = []string{logFile}
		cfg.ErrorOutputPaths = []string{logFile}
	}
	return cfg.Build()
}
