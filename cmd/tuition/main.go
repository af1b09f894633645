package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/tuition-ledger/cmd/tuition/cli"
	"github.com/odyssey-erp/tuition-ledger/internal/app"
	"github.com/odyssey-erp/tuition-ledger/internal/observability"
	"github.com/odyssey-erp/tuition-ledger/internal/platform/cache"
	"github.com/odyssey-erp/tuition-ledger/internal/platform/db"
	"github.com/odyssey-erp/tuition-ledger/jobs"
)

const usage = `usage: tuition <command> [flags]

commands:
  serve                       run the HTTP API (default)
  migrate up|down|version|steps N
  generate --student ID --from M --to M --year Y [--value V] [--slips] [--mode dry|apply] [--yes] [--json]
  jobs trigger unit_fees|slip_sweep [--unit U] [--month M] [--year Y] [--default-value V] [--slips] [--force]
  jobs stats
  jobs scheduled [--size N]
`

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
	logger := app.NewLogger(cfg)

	args := os.Args[1:]
	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}
	var code int
	switch command {
	case "serve":
		code = serve(ctx, stop, cfg, logger)
	case "migrate":
		code = runMigrate(cfg, logger, args)
	case "generate":
		code = runGenerate(ctx, cfg, logger, args)
	case "jobs":
		code = runJobs(ctx, cfg, args)
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s", command, usage)
		code = 2
	}
	if code != 0 {
		stop()
		os.Exit(code)
	}
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) int {
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return 1
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		return 1
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics(observability.WithService("api"))
	services, err := app.NewServices(cfg, logger, pool, redisClient, metrics.Registerer())
	if err != nil {
		logger.Error("init services", slog.Any("error", err))
		return 1
	}

	inspector := asynq.NewInspector(redisOpts(cfg))
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		BillingHandler: services.Handler(cfg, logger),
		JobHandler:     jobs.NewHandler(inspector, logger),
		Metrics:        metrics,
		Readiness: map[string]app.Pinger{
			"postgres": pool,
			"redis":    app.PingFunc(func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }),
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("slip_provider", cfg.SlipProvider))
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
		return 1
	}
	return 0
}

func runMigrate(cfg *app.Config, logger *slog.Logger, args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	m, err := db.NewMigrator(cfg.PGDSN, logger)
	if err != nil {
		logger.Error("open migrator", slog.Any("error", err))
		return 1
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("close migrator", slog.Any("error", err))
		}
	}()

	switch args[0] {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	case "steps":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "migrate steps: count required")
			return 2
		}
		n, convErr := strconv.Atoi(args[1])
		if convErr != nil {
			fmt.Fprintf(os.Stderr, "migrate steps: invalid count %q\n", args[1])
			return 2
		}
		err = m.Steps(n)
	case "version":
		v, dirty, verr := m.Version()
		if verr != nil {
			err = verr
			break
		}
		fmt.Fprintf(os.Stdout, "version %d dirty=%t\n", v, dirty)
	default:
		fmt.Fprintf(os.Stderr, "migrate: unknown command %q\n", args[0])
		return 2
	}
	if err != nil {
		logger.Error("migrate", slog.String("command", args[0]), slog.Any("error", err))
		return 1
	}
	return 0
}

func runGenerate(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	var opts cli.GenerateOptions
	var mode string
	fs.StringVar(&opts.StudentID, "student", "", "student id")
	fs.IntVar(&opts.From, "from", 1, "first month (1-12)")
	fs.IntVar(&opts.To, "to", 12, "last month (1-12)")
	fs.IntVar(&opts.Year, "year", time.Now().In(cfg.Location()).Year(), "reference year")
	fs.StringVar(&opts.Value, "value", "", "override tuition value")
	fs.BoolVar(&opts.WithSlips, "slips", false, "issue payment slips for eligible installments")
	fs.StringVar(&mode, "mode", string(cli.GenerateModeDry), "dry or apply")
	fs.BoolVar(&opts.Yes, "yes", false, "skip the confirmation prompt")
	fs.BoolVar(&opts.JSONOutput, "json", false, "print JSON output")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	opts.Mode = cli.GenerateMode(mode)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return 1
	}
	defer pool.Close()
	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		return 1
	}
	defer redisClient.Close()

	services, err := app.NewServices(cfg, logger, pool, redisClient, observability.NewMetrics(observability.WithService("cli")).Registerer())
	if err != nil {
		logger.Error("init services", slog.Any("error", err))
		return 1
	}
	billingCLI, err := cli.NewBillingCLI(services.Generation, services.Ledger)
	if err != nil {
		logger.Error("init billing cli", slog.Any("error", err))
		return 1
	}
	return billingCLI.GenerateCommand(ctx, opts)
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	jobsCLI, err := cli.NewJobsCLI(redisOpts(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "jobs: %v\n", err)
		return 1
	}
	defer jobsCLI.Close()

	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "jobs trigger: job name required")
			return 2
		}
		fs := flag.NewFlagSet("jobs trigger", flag.ContinueOnError)
		var req cli.TriggerRequest
		fs.StringVar(&req.Unit, "unit", jobs.UnitAll, "unit or all")
		fs.IntVar(&req.Month, "month", 0, "reference month, current when zero")
		fs.IntVar(&req.Year, "year", 0, "reference year, current when zero")
		fs.StringVar(&req.DefaultValue, "default-value", "", "value for students without tuition")
		fs.BoolVar(&req.WithSlips, "slips", false, "issue payment slips")
		fs.BoolVar(&req.Force, "force", false, "ignore the completed-run marker")
		if err := fs.Parse(args[2:]); err != nil {
			return 2
		}
		info, err := jobsCLI.Trigger(ctx, args[1], req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs trigger: %v\n", err)
			return 1
		}
		fmt.Fprintf(os.Stdout, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	case "stats":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs stats: %v\n", err)
			return 1
		}
		fmt.Fprintf(os.Stdout, "queue=%s pending=%d active=%d scheduled=%d retry=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
	case "scheduled":
		fs := flag.NewFlagSet("jobs scheduled", flag.ContinueOnError)
		size := fs.Int("size", 10, "page size")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		tasks, err := jobsCLI.ListScheduled(ctx, *size)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs scheduled: %v\n", err)
			return 1
		}
		for _, t := range tasks {
			fmt.Fprintf(os.Stdout, "%s %s next=%s\n", t.ID, t.Type, t.NextProcessAt.Format(time.RFC3339))
		}
	default:
		err = errors.New("unknown jobs command " + strconv.Quote(args[0]))
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	return 0
}

func redisOpts(cfg *app.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
}
