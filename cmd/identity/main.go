package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/bcef-innovation/identity-core/cmd/identity/cli"
	"github.com/bcef-innovation/identity-core/internal/accounts"
	"github.com/bcef-innovation/identity-core/internal/app"
	"github.com/bcef-innovation/identity-core/internal/auth"
	"github.com/bcef-innovation/identity-core/internal/bulkimport"
	"github.com/bcef-innovation/identity-core/internal/observability"
	"github.com/bcef-innovation/identity-core/internal/platform/cache"
	"github.com/bcef-innovation/identity-core/internal/platform/db"
	"github.com/bcef-innovation/identity-core/internal/ratelimit"
	"github.com/bcef-innovation/identity-core/internal/rbac"
	"github.com/bcef-innovation/identity-core/internal/shared"
	"github.com/bcef-innovation/identity-core/internal/tokens"
	"github.com/bcef-innovation/identity-core/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		os.Exit(runJobs(ctx, cfg, os.Args[2:]))
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN, db.Options{})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(dbpool, logger)
	sessions := shared.NewSessionStore(redisClient, cfg.SessionTTL)
	limiter := ratelimit.NewLimiter(ratelimit.NewRedisStore(redisClient), logger, auditLogger, metrics)
	rbacMiddleware := rbac.Middleware{Auditor: auditLogger, Logger: logger}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	notifier := jobs.NewNotifier(jobClient, cfg.MailMaxRetry)

	hasher := accounts.BcryptHasher{Cost: cfg.BcryptCost}
	accountRepo := accounts.NewRepository(dbpool)
	authority := tokens.NewAuthority(cfg.ActivationTokenTTL, cfg.ResetTokenTTL)
	accountService := accounts.NewService(accountRepo, authority, notifier, auditLogger, logger, accounts.Config{
		TempPasswordTTL:     cfg.TempPasswordTTL,
		PasswordMaxAge:      cfg.PasswordMaxAge,
		ResetResponseFloor:  cfg.ResetResponseFloor,
		VisitorAutoActivate: cfg.VisitorAutoActivate,
	}, accounts.WithHasher(hasher))
	accountHandler := accounts.NewHandler(logger, accountService, rbacMiddleware, limiter)

	importCfg := bulkimport.DefaultConfig()
	importCfg.Rule.Limit = cfg.ImportRateLimit
	importCfg.Rule.Period = cfg.ImportRatePeriod
	pipeline := bulkimport.NewPipeline(accountService, accountRepo, limiter, auditLogger, metrics, logger, importCfg)
	importHandler := bulkimport.NewHandler(logger, pipeline, rbacMiddleware, cfg.ImportMaxBytes)

	authService := auth.NewService(accountRepo, auth.NewRedisAttempts(redisClient), sessions, hasher, auditLogger, logger, auth.Config{
		MaxFailed: cfg.LoginMaxFailed,
		Lockout:   cfg.LoginLockout,
	})
	authHandler := auth.NewHandler(logger, authService, rbacMiddleware, limiter)

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Sessions:           sessions,
		Principals:         accountService,
		AuthHandler:        authHandler,
		AccountsHandler:    accountHandler,
		ImportHandler:      importHandler,
		PermissionsHandler: rbac.NewPermissionsHandler(rbacMiddleware),
		JobHandler:         jobHandler,
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

// runJobs handles "identity jobs <trigger|stats|scheduled>".
func runJobs(ctx context.Context, cfg *app.Config, args []string) int {
	fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
	size := fs.Int("size", 10, "page size for scheduled tasks")
	if err := fs.Parse(args); err != nil || fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: identity jobs [-size n] trigger <task> | stats | scheduled")
		return 2
	}

	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer func() { _ = jobsCLI.Close() }()

	switch fs.Arg(0) {
	case "trigger":
		info, err := jobsCLI.Trigger(ctx, fs.Arg(1))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	case "stats":
		stats, err := jobsCLI.InspectQueues(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		for _, s := range stats {
			fmt.Printf("%s pending=%d active=%d scheduled=%d retry=%d\n", s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry)
		}
	case "scheduled":
		tasks, err := jobsCLI.ListScheduled(ctx, *size)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		for _, t := range tasks {
			fmt.Printf("%s %s next=%s\n", t.ID, t.Type, t.NextProcessAt.UTC().Format(time.RFC3339))
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown jobs command %q\n", fs.Arg(0))
		return 2
	}
	return 0
}
