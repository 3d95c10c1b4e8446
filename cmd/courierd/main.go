package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/courier-mta/courierd/internal/auth"
	"github.com/courier-mta/courierd/internal/config"
	"github.com/courier-mta/courierd/internal/delivery"
	"github.com/courier-mta/courierd/internal/dkim"
	"github.com/courier-mta/courierd/internal/dnsx"
	"github.com/courier-mta/courierd/internal/greylist"
	"github.com/courier-mta/courierd/internal/logging"
	"github.com/courier-mta/courierd/internal/metrics"
	"github.com/courier-mta/courierd/internal/queue"
	"github.com/courier-mta/courierd/internal/ratelimit"
	"github.com/courier-mta/courierd/internal/security"
	smtpserver "github.com/courier-mta/courierd/internal/smtp"
	"github.com/courier-mta/courierd/internal/spam"
	"github.com/courier-mta/courierd/internal/storage/maildir"
	"github.com/courier-mta/courierd/internal/store"
)

const (
	exitFatal  = 1
	exitConfig = 2
)

var (
	cfgFile string
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitFatal)
	}
}

var rootCmd = &cobra.Command{
	Use:   "courierd",
	Short: "Self-hosted SMTP mail transfer agent",
	Long: `courierd is a mail transfer agent:
- ESMTP submission and receiving with STARTTLS and AUTH
- DKIM signing of outbound mail, SPF/DKIM/DMARC checks on inbound
- Redis-backed delivery queue with exponential backoff
- DNS-driven delivery to remote MX hosts`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
			os.Exit(exitConfig)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "/etc/courierd/config.yaml", "config file path")
	rootCmd.AddCommand(serveCmd, dkimKeygenCmd, queueStatsCmd, versionCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the mail server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
			os.Exit(exitConfig)
		}
		if err := cfg.EnsureDirectories(); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
			os.Exit(exitConfig)
		}
		return serve()
	},
}

func serve() error {
	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Info("Mail server starting", "hostname", cfg.Server.Hostname)

	db, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = db.Migrate(migrateCtx)
	migrateCancel()
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Info("Database ready", "path", cfg.Storage.DatabasePath)

	redisClient, err := openRedis(cfg.Storage.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	defer redisClient.Close()
	logger.Info("Redis connected", "url", cfg.Storage.RedisURL)

	tlsManager, err := security.NewTLSManager(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize TLS: %w", err)
	}
	if tlsManager.HasTLS() {
		logger.Info("TLS configured")
	} else {
		logger.Warn("TLS not configured - STARTTLS will not be offered")
	}

	q := queue.New(redisClient, cfg.Storage.RedisPrefix, logger)
	limiter := ratelimit.New(redisClient, ratelimit.Config{
		Prefix:             cfg.Storage.RedisPrefix,
		MaxMessagesPerHour: cfg.Limits.MaxMessagesPerHour,
		MaxMessagesPerDay:  cfg.Limits.MaxMessagesPerDay,
		MaxConnectionRate:  cfg.Limits.MaxConnectionRate,
		MaxAuthAttempts:    cfg.Auth.MaxAuthAttempts,
	}, logger)
	resolver := dnsx.New(logger)
	spamFilter := spam.New(logger)
	authHandler := auth.NewHandler(db, logger)

	greylister := greylist.New(db.DB, greylist.Config{
		Enabled:  cfg.Policy.EnableGreylisting,
		MinDelay: time.Duration(cfg.Policy.GreylistDelayMinutes) * time.Minute,
	})

	mailStore, err := maildir.NewStore(cfg.Storage.MaildirPath)
	if err != nil {
		return fmt.Errorf("failed to initialize maildir store: %w", err)
	}

	backend := smtpserver.NewBackend(cfg, db, authHandler, q, limiter, greylister,
		spamFilter, resolver, mailStore, logger)
	server := smtpserver.NewServer(backend, cfg, tlsManager.TLSConfig(), logger)

	engine := delivery.NewEngine(delivery.Config{
		Workers:        cfg.Delivery.MaxDeliveryThreads,
		Hostname:       cfg.Server.Hostname,
		ConnectTimeout: cfg.ConnectionTimeout(),
		DataTimeout:    cfg.DataTimeout(),
		RetryAttempts:  cfg.Queue.RetryAttempts,
		StaleTimeout:   cfg.StaleTimeout(),
		EnableDKIM:     cfg.DKIM.EnableSigning,
		VerifyTLS:      cfg.Delivery.VerifyTLS,
	}, db, q, resolver, limiter, logger)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	greylister.StartCleanupRoutine(rootCtx)
	go maintenanceLoop(rootCtx, db, q, logger)

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(cfg.Metrics.Port); err != nil {
				logger.Error("Metrics listener error", "error", err.Error())
			}
		}()
	}

	if err := server.ListenAndServe(); err != nil {
		return err
	}
	if err := server.ListenAndServeSubmission(); err != nil {
		return err
	}
	if err := server.ListenAndServeSSL(); err != nil {
		return err
	}
	engine.Start()

	logger.Info("Mail server started",
		"smtp_port", cfg.Server.SMTPPort,
		"submission_port", cfg.Server.SMTPTLSPort,
		"delivery_workers", cfg.Delivery.MaxDeliveryThreads,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Starting graceful shutdown")
	rootCancel()

	// Shutdown in reverse order: stop accepting, drain the delivery pool,
	// then release storage.
	if err := server.Close(); err != nil {
		logger.Error("SMTP server shutdown error", "error", err.Error())
	}
	engine.Stop()
	logger.Info("Shutdown complete")
	return nil
}

// maintenanceLoop runs periodic housekeeping: queue depth gauges, daily
// quota resets and message retention.
func maintenanceLoop(ctx context.Context, db *store.DB, q *queue.Queue, logger *logging.Logger) {
	gaugeTicker := time.NewTicker(15 * time.Second)
	defer gaugeTicker.Stop()
	dailyTicker := time.NewTicker(24 * time.Hour)
	defer dailyTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gaugeTicker.C:
			if stats, err := q.Stats(ctx); err == nil {
				metrics.QueueDepth.WithLabelValues("ready").Set(float64(stats.Ready))
				metrics.QueueDepth.WithLabelValues("in_flight").Set(float64(stats.InFlight))
				metrics.QueueDepth.WithLabelValues("retry").Set(float64(stats.Retry))
			}
		case <-dailyTicker.C:
			if err := store.ResetDailyQuotas(ctx, db); err != nil {
				logger.Error("Failed to reset daily quotas", "error", err.Error())
			}
			if purged, err := store.PurgeOldMessages(ctx, db, cfg.Queue.MessageRetentionDays); err != nil {
				logger.Error("Failed to purge old messages", "error", err.Error())
			} else if purged > 0 {
				logger.Info("Purged old messages", "count", purged)
			}
		}
	}
}

func openRedis(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolSize = 10

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

var dkimKeygenCmd = &cobra.Command{
	Use:   "dkim-keygen <domain>",
	Short: "Generate a DKIM keypair for a domain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		domain := args[0]
		selector := cfg.DKIM.Selector

		privatePEM, publicDNS, err := dkim.GenerateKey()
		if err != nil {
			return err
		}

		fmt.Println(privatePEM)
		fmt.Printf("Publish the following TXT record:\n\n")
		fmt.Printf("  %s\n  %s\n", dkim.RecordName(selector, domain), publicDNS)
		return nil
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "queue-stats",
	Short: "Show delivery queue depths",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.Default()

		redisClient, err := openRedis(cfg.Storage.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer redisClient.Close()

		q := queue.New(redisClient, cfg.Storage.RedisPrefix, logger)
		stats, err := q.Stats(context.Background())
		if err != nil {
			return err
		}

		fmt.Printf("ready:     %d\n", stats.Ready)
		fmt.Printf("in-flight: %d\n", stats.InFlight)
		fmt.Printf("retry:     %d\n", stats.Retry)
		fmt.Printf("total:     %d\n", stats.Total())
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("courierd 0.3.0")
	},
}
