package cmd

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hivemesh/hive/pkg/config"
	"github.com/hivemesh/hive/pkg/core"
	"github.com/hivemesh/hive/pkg/db"
	"github.com/hivemesh/hive/pkg/hapi"
	"github.com/hivemesh/hive/pkg/hapi/routes"
	"github.com/hivemesh/hive/pkg/hart"
	"github.com/hivemesh/hive/pkg/hlog"
	"github.com/hivemesh/hive/pkg/kv"
	"github.com/hivemesh/hive/pkg/store"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the Hive core",
	Long: `Starts the full core: HTTP API, UDP worker listener, scheduler,
dispatcher and harvester. Reads connection settings from the
environment and timing knobs from the tuning file.`,
	Run: run,
}

var memoryRun bool

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&memoryRun, "memory", false,
		"run entirely in memory, ignoring database, Valkey and S3 settings")
}

func run(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	cfg, err := config.ValidateEnv()
	if err != nil {
		log.Fatalf("❌ %v\n", err)
	}

	cfg.Print(log.Printf)

	tuning, err := config.LoadTuning(cfgFile)
	if err != nil {
		log.Fatalf("❌ %v\n", err)
	}

	var st store.Store
	if memoryRun {
		log.Println("⚠ Memory mode: nothing survives a restart")
		st = store.NewMemoryStore()
	} else {
		database, err := db.New(ctx, db.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
			PoolSize: cfg.DBPoolSize,
		})
		if err != nil {
			log.Fatalf("failed to initialize database: %v", err)
		}
		st = store.NewBunStore(database)
	}
	defer st.Close()

	var cache kv.Store
	if cfg.ValkeyAddr != "" && !memoryRun {
		cache, err = kv.NewValkeyStore(kv.ValkeyConfig{
			Addr:     cfg.ValkeyAddr,
			Password: cfg.ValkeyPassword,
			DB:       cfg.ValkeyDB,
		})
		if err != nil {
			log.Fatalf("failed to connect to valkey: %v", err)
		}
	} else {
		cache = kv.NewMemoryStore()
	}

	var blobs hart.Store
	if cfg.S3Endpoint != "" && !memoryRun {
		s3, err := hart.NewS3Store(hart.S3Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			log.Fatalf("failed to initialize artifact store: %v", err)
		}
		if err := s3.EnsureBucket(ctx); err != nil {
			log.Fatalf("failed to ensure artifact bucket: %v", err)
		}
		blobs = s3
	} else {
		blobs = hart.NewMemoryStore()
	}

	level, err := hlog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("❌ %v\n", err)
	}
	logger := hlog.New(hlog.Config{
		Console:      os.Stdout,
		Level:        level,
		Buffer:       tuning.LogBuffer,
		Window:       tuning.LogWindow,
		Sink:         store.NewLogSink(st),
		CleanupEvery: tuning.LogCleanupEvery,
	})
	logCtx, stopLogger := context.WithCancel(context.Background())
	loggerDone := make(chan struct{})
	go func() {
		logger.Run(logCtx)
		close(loggerDone)
	}()

	engine, err := core.New(core.Options{
		Store:   st,
		Cache:   cache,
		Blobs:   blobs,
		Log:     logger,
		Tuning:  tuning,
		UDPAddr: cfg.UDPAddr,
	})
	if err != nil {
		log.Fatalf("failed to initialize engine: %v", err)
	}
	if err := engine.Start(ctx); err != nil {
		log.Fatalf("failed to start engine: %v", err)
	}

	auth := hapi.NewAuth(cfg.AuthSecret)
	a := hapi.NewApi()
	if auth != nil {
		a.Api.UseMiddleware(auth.Middleware(a.Api))
	}
	routes.RegisterAPI(a, engine, auth)

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: a.Router}

	go func() {
		log.Printf("🚀 Hive core starting on %s\n", addr)
		log.Printf("📡 Worker datagrams on %s\n", engine.WireAddr())
		log.Printf("📚 OpenAPI docs: http://localhost%s/docs\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	// Stop taking requests, then stop the engine, then drain the log
	// pipeline so the shutdown itself gets persisted.
	log.Println("⏳ Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
	engine.Stop()
	stopLogger()
	<-loggerDone
	log.Println("✓ Bye")
}
