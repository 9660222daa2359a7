package main

import (
	"context"   // Shutdown and Redis operations
	"errors"    // Server close detection
	"net/http"  // HTTP server
	"os"        // Signals
	"os/signal" // Signal context
	"syscall"   // SIGTERM
	"time"      // Shutdown timeout

	"github.com/gin-gonic/gin"     // Gin web framework
	"github.com/redis/go-redis/v9" // Redis client
	"github.com/sirupsen/logrus"   // Logrus for structured logging

	"rift_escrow/internal/api"        // HTTP handlers and routes
	"rift_escrow/internal/blob"       // Vault and evidence storage
	"rift_escrow/internal/config"     // Configuration
	"rift_escrow/internal/db"         // Database connection
	"rift_escrow/internal/dispute"    // Triage rule names
	"rift_escrow/internal/escrow"     // Transaction lifecycle
	"rift_escrow/internal/events"     // Domain events
	"rift_escrow/internal/jobs"       // Periodic jobs
	"rift_escrow/internal/ledger"     // Wallet ledger
	"rift_escrow/internal/lock"       // Per-transaction locks
	"rift_escrow/internal/middleware" // Rate limiting
	"rift_escrow/internal/payment"    // Payment processor
	"rift_escrow/internal/vault"      // Proof vault
)

// escrowOptions maps configuration onto the escrow rules
func escrowOptions(cfg *config.Config) escrow.Options {
	opts := escrow.DefaultOptions()
	opts.ReviewWindows = cfg.ReviewWindows
	opts.PayoutHold = cfg.PayoutHold
	opts.SellerFeeRate = cfg.SellerFeeRate
	opts.Rules.Cooldown = cfg.DisputeCooldown
	if cfg.DeclarationText != "" {
		opts.Rules.DeclarationText = cfg.DeclarationText
	}
	opts.Rules.Triage.Threshold = cfg.TriageThreshold
	for rule, w := range cfg.TriageWeights {
		if !dispute.KnownRule(rule) {
			logrus.Warnf("TRIAGE_WEIGHTS: unknown rule %q ignored", rule)
			continue
		}
		opts.Rules.Triage.Weights[rule] = w // Override per rule, keep the other defaults
	}
	return opts
}

// blobStore picks S3 when a bucket is configured
func blobStore(ctx context.Context, cfg *config.Config) blob.Store {
	if cfg.S3Bucket == "" {
		if cfg.IsProd {
			logrus.Fatal("S3_BUCKET is required in production")
		}
		logrus.Warn("S3_BUCKET not set, keeping vault files in memory")
		return blob.NewMemoryStore()
	}
	store, err := blob.NewS3Store(ctx, blob.S3Options{
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
	})
	if err != nil {
		logrus.Fatalf("failed to set up S3 store: %v", err)
	}
	return store
}

// sealer loads the vault key; development runs get a throwaway key
func sealer(cfg *config.Config) *vault.Sealer {
	if cfg.VaultKey == "" {
		if cfg.IsProd {
			logrus.Fatal("VAULT_KEY is required in production")
		}
		logrus.Warn("VAULT_KEY not set, sealed secrets will not survive a restart")
		s, err := vault.NewSealer(vault.RandomKey())
		if err != nil {
			logrus.Fatalf("failed to create sealer: %v", err)
		}
		return s
	}
	s, err := vault.NewSealerFromHex(cfg.VaultKey)
	if err != nil {
		logrus.Fatalf("invalid VAULT_KEY: %v", err)
	}
	return s
}

// publisher picks Kafka when brokers are configured
func publisher(cfg *config.Config) events.Publisher {
	if len(cfg.KafkaBrokers) == 0 {
		logrus.Info("KAFKA_BROKERS not set, logging domain events")
		return events.LogPublisher{}
	}
	p, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	if err != nil {
		logrus.Fatalf("failed to create event publisher: %v", err)
	}
	return p
}

// Main function to set up and run the server
func main() {
	cfg := config.LoadConfig() // Load configuration

	// Setup logger
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cfg.JWTSecret == "" {
		logrus.Fatal("JWT_SECRET is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Open(cfg)
	if err != nil {
		logrus.Fatalf("failed to connect to DB: %v", err) // Fatal error if DB connection fails
	}
	if err := db.Migrate(gdb); err != nil {
		logrus.Fatalf("failed to migrate: %v", err)
	}

	// Setup Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr, // Redis server address
		Password: cfg.RedisPass, // Redis password
		DB:       cfg.RedisDB,   // Redis database number
	})
	defer redisClient.Close()

	// Test Redis connection
	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		logrus.Fatalf("failed to connect to Redis: %v", err)
	}

	ledgerSvc := ledger.NewService(gdb, redisClient, cfg.CacheTTL)
	vaultSvc := vault.NewService(gdb, blobStore(ctx, cfg), sealer(cfg), cfg.SignedURLTTL)
	if cfg.IsProd {
		logrus.Warn("no payment processor adapter configured, using the sandbox processor")
	}
	gateway := payment.NewGateway(payment.NewSandbox(), cfg.PaymentTimeout, cfg.PaymentRetries)
	pub := publisher(cfg)
	defer pub.Close()

	escrowSvc := escrow.NewService(gdb, ledgerSvc, vaultSvc, gateway,
		lock.NewRedisLocker(redisClient, cfg.LockLease(gateway.Budget())), pub, escrowOptions(cfg))

	runner := jobs.NewRunner(gdb, escrowSvc, jobs.Options{PayoutHold: cfg.PayoutHold})
	if err := runner.Start(ctx, jobs.Schedules{
		AutoRelease: cfg.AutoReleaseSchedule,
		Payouts:     cfg.PayoutSchedule,
		Reconcile:   cfg.ReconcileSchedule,
	}); err != nil {
		logrus.Fatalf("failed to start jobs: %v", err)
	}

	// Set Mode to Release if in production
	if cfg.IsProd {
		gin.SetMode(gin.ReleaseMode)
	}

	// Setup Gin
	r := gin.Default() // Gin router instance

	// Set trusted proxies for Gin
	if err := r.SetTrustedProxies([]string{"127.0.0.1"}); err != nil {
		logrus.Fatalf("failed to set trusted proxies: %v", err)
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				limiter.Cleanup()
			}
		}
	}()

	api.RegisterRoutes(r, api.Deps{
		Escrow:    escrowSvc,
		Ledger:    ledgerSvc,
		Vault:     vaultSvc,
		JWTSecret: cfg.JWTSecret,
		Limiter:   limiter,
	})

	srv := &http.Server{Addr: ":" + cfg.AppPort, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logrus.WithFields(logrus.Fields{
			"port":  cfg.AppPort,           // Listening port
			"db":    cfg.DBDriver,          // Database driver
			"kafka": len(cfg.KafkaBrokers), // Event brokers
			"s3":    cfg.S3Bucket != "",    // Blob storage
		}).Info("Server running")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logrus.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithFields(logrus.Fields{"error": err.Error()}).Error("HTTP shutdown failed")
	}
	runner.Stop(shutdownCtx)
}
