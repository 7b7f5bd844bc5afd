package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/FlowPipe/internal/api"
	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/lock"
	"github.com/BTreeMap/FlowPipe/internal/lockfile"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/metrics"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/scheduler"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/FlowPipe/internal/util"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FlowPipe state data
	DefaultStateDir = "/var/lib/flowpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "flowpipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device store filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// MemoryDSN selects the in-memory store (development only).
	MemoryDSN = "memory"
)

func main() {
	envErr := godotenv.Load()
	config := loadEnvironmentConfig()
	initializeLogger(config.LogLevel)
	if envErr != nil {
		slog.Debug("No .env file loaded", "error", envErr)
	}

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping FlowPipe")
	if err := run(ctx, flags); err != nil {
		slog.Error("FlowPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("FlowPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	DatabaseURL      string
	RedisURL         string
	APIAddr          string
	LogLevel         string
	SeedFile         string
	SweepSchedule    string
	MaxRetries       int
	SkipCommand      string
	SkipMatch        string
	Timeout          time.Duration
	RestartOnTrigger bool
	AbandonMessage   string
	SendRate         float64
	SendBurst        int

	TwilioChannel    string
	TwilioAuthToken  string
	TwilioWebhookURL string
	TwilioVerify     bool

	WhatsAppChannel string
	WhatsAppDSN     string
}

// Flags holds command line flag values
type Flags struct {
	stateDir      string
	dbDSN         string
	redisURL      string
	apiAddr       string
	seedFile      string
	sweepSchedule string
	qrOutput      string
	numeric       bool

	config Config
}

// initializeLogger sets up structured logging on stdout at level.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadEnvironmentConfig reads configuration from environment variables.
func loadEnvironmentConfig() Config {
	config := Config{
		StateDir:         os.Getenv("FLOWPIPE_STATE_DIR"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		APIAddr:          os.Getenv("API_ADDR"),
		LogLevel:         os.Getenv("LOG_LEVEL"),
		SeedFile:         os.Getenv("SEED_FILE"),
		SweepSchedule:    os.Getenv("SWEEP_SCHEDULE"),
		MaxRetries:       util.ParseIntEnv("MAX_RETRIES", flow.DefaultMaxRetries),
		SkipCommand:      os.Getenv("SKIP_COMMAND"),
		SkipMatch:        os.Getenv("SKIP_MATCH"),
		Timeout:          util.ParseDurationEnv("INACTIVITY_TIMEOUT", flow.DefaultInactivityTimeout),
		RestartOnTrigger: util.ParseBoolEnv("RESTART_ON_TRIGGER", false),
		AbandonMessage:   os.Getenv("ABANDON_MESSAGE"),
		SendBurst:        util.ParseIntEnv("SEND_BURST", messaging.DefaultSendBurst),
		TwilioChannel:    os.Getenv("TWILIO_CHANNEL_ID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioWebhookURL: os.Getenv("TWILIO_WEBHOOK_URL"),
		TwilioVerify:     util.ParseBoolEnv("TWILIO_VERIFY_SIGNATURE", true),
		WhatsAppChannel:  os.Getenv("WHATSAPP_CHANNEL_ID"),
		WhatsAppDSN:      os.Getenv("WHATSAPP_DB_DSN"),
	}
	config.SendRate = float64(util.ParseIntEnv("SEND_RATE", int(messaging.DefaultSendRate)))

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}
	if config.SkipCommand == "" {
		config.SkipCommand = flow.DefaultSkipCommand
	}
	if config.SweepSchedule == "" {
		config.SweepSchedule = flow.DefaultSweepSchedule
	}
	return config
}

// parseCommandLineFlags parses args with environment defaults. The database
// paths follow -state-dir unless a DSN is given explicitly.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{config: config}
	fs.StringVar(&flags.stateDir, "state-dir", config.StateDir, "state directory for FlowPipe data (overrides $FLOWPIPE_STATE_DIR)")
	fs.StringVar(&flags.dbDSN, "db-dsn", config.DatabaseURL, "store DSN: postgres URL, SQLite path or \"memory\" (overrides $DATABASE_URL)")
	fs.StringVar(&flags.redisURL, "redis-url", config.RedisURL, "Redis URL for the per-contact lock (overrides $REDIS_URL)")
	fs.StringVar(&flags.apiAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&flags.seedFile, "seed-file", config.SeedFile, "YAML workflow seed file (overrides $SEED_FILE)")
	fs.StringVar(&flags.sweepSchedule, "sweep-schedule", config.SweepSchedule, "cron schedule of the abandonment sweep (overrides $SWEEP_SCHEDULE)")
	fs.StringVar(&flags.qrOutput, "qr-output", "", "path to write the WhatsApp login QR code")
	fs.BoolVar(&flags.numeric, "numeric-code", false, "use numeric WhatsApp login code instead of QR code")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	if flags.dbDSN == "" {
		flags.dbDSN = filepath.Join(flags.stateDir, DefaultDBFileName)
	}
	if flags.config.WhatsAppDSN == "" {
		flags.config.WhatsAppDSN = filepath.Join(flags.stateDir, DefaultWhatsAppDBFileName)
	}
	slog.Debug("flags parsed",
		"stateDir", flags.stateDir,
		"dbDSN_set", flags.dbDSN != "",
		"redisURL_set", flags.redisURL != "",
		"apiAddr", flags.apiAddr,
		"seedFile", flags.seedFile,
		"sweepSchedule", flags.sweepSchedule,
		"twilioChannel", flags.config.TwilioChannel,
		"whatsappChannel", flags.config.WhatsAppChannel)
	return flags, nil
}

// usesStateDir reports whether this process keeps files in the state directory.
func (f Flags) usesStateDir() bool {
	return (f.dbDSN != MemoryDSN && store.DetectDSNType(f.dbDSN) == "sqlite3") || f.config.WhatsAppChannel != ""
}

// openStore selects the store backend from dsn.
func openStore(dsn string) (store.Store, error) {
	if dsn == MemoryDSN {
		slog.Warn("Using in-memory store; data is lost on exit")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(dsn) == "postgres" {
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// openLock picks the per-contact lock: Redis when configured, Postgres
// advisory locks on a Postgres store, else in-process.
func openLock(ctx context.Context, redisURL string, st store.Store) (lock.KeyedLock, func(), error) {
	if redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid redis url: %w", err)
		}
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis ping failed: %w", err)
		}
		slog.Info("Using Redis contact lock")
		return lock.NewRedisLock(client), func() { client.Close() }, nil
	}
	if pg, ok := st.(*store.PostgresStore); ok {
		slog.Info("Using Postgres advisory contact lock")
		return lock.NewPGAdvisoryLock(pg.DB()), func() {}, nil
	}
	slog.Info("Using in-process contact lock; run a single instance")
	return lock.NewInMemoryLock(), func() {}, nil
}

// buildEngineOptions maps the configuration onto engine options.
func buildEngineOptions(config Config) []flow.Option {
	match := models.TriggerMatchExact
	if strings.EqualFold(config.SkipMatch, string(models.TriggerMatchPrefix)) {
		match = models.TriggerMatchPrefix
	}
	opts := []flow.Option{
		flow.WithMaxRetries(config.MaxRetries),
		flow.WithSkipCommand(config.SkipCommand, match),
		flow.WithInactivityTimeout(config.Timeout),
		flow.WithRestartOnTrigger(config.RestartOnTrigger),
	}
	if config.AbandonMessage != "" {
		opts = append(opts, flow.WithAbandonMessage(config.AbandonMessage))
	}
	return opts
}

// buildDispatcherOptions maps the send rate settings; a non-positive rate disables limiting.
func buildDispatcherOptions(config Config) []messaging.DispatcherOption {
	if config.SendRate <= 0 {
		return []messaging.DispatcherOption{messaging.WithUnlimitedRate()}
	}
	return []messaging.DispatcherOption{messaging.WithRateLimit(config.SendRate, config.SendBurst)}
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	waOpts := []whatsapp.Option{whatsapp.WithDBDSN(flags.config.WhatsAppDSN)}
	if flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(flags.qrOutput))
	}
	if flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	return waOpts
}

// buildTwilioOptions enables webhook signature checks unless disabled.
func buildTwilioOptions(config Config) []messaging.TwilioOption {
	if !config.TwilioVerify || config.TwilioAuthToken == "" {
		slog.Warn("Twilio webhook signature verification disabled")
		return nil
	}
	return []messaging.TwilioOption{messaging.WithWebhookAuth(config.TwilioAuthToken, config.TwilioWebhookURL)}
}

// inboundHandler adapts the engine to the gateways' inbound callback.
func inboundHandler(engine *flow.Engine) messaging.InboundHandler {
	return func(ctx context.Context, msg models.InboundMessage) error {
		_, err := engine.HandleInboundMessage(ctx, msg)
		return err
	}
}

// run wires the components and blocks until ctx is cancelled or one of them fails.
func run(ctx context.Context, flags Flags) error {
	if flags.usesStateDir() {
		stateLock, err := lockfile.Acquire(flags.stateDir)
		if err != nil {
			return err
		}
		defer stateLock.Release()
	}

	st, err := openStore(flags.dbDSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	locks, closeLocks, err := openLock(ctx, flags.redisURL, st)
	if err != nil {
		return err
	}
	defer closeLocks()

	collector := metrics.NewCollector()
	router := messaging.NewRouter()
	dispatcher := messaging.NewDispatcher(router, buildDispatcherOptions(flags.config)...)
	sender := store.NewOutboxSender(st, dispatcher.Send,
		store.WithPermanentErrorCheck(messaging.IsPermanent),
		store.WithSendObserver(collector.ObserveSend),
	)

	catalog := flow.NewCatalog(st, flow.DefaultCatalogCacheTTL)
	projector := flow.NewProjector(st, catalog)
	engineOpts := append(buildEngineOptions(flags.config),
		flow.WithObserver(collector),
		flow.WithOutboxNotifier(sender.Notify),
	)
	engine := flow.NewEngine(st, catalog, locks, projector, engineOpts...)

	if flags.seedFile != "" {
		seed, err := flow.LoadSeedFile(flags.seedFile)
		if err != nil {
			return err
		}
		n, err := catalog.Seed(ctx, seed)
		if err != nil {
			return fmt.Errorf("failed to seed workflows: %w", err)
		}
		slog.Info("Seeded workflows", "count", n, "file", flags.seedFile)
	}

	runner := store.NewJobRunner(st, 0, store.WithJobObserver(collector.ObserveJob))
	flow.RegisterJobHandlers(runner, projector)

	serverOpts := []api.Option{api.WithAddr(flags.apiAddr), api.WithMetrics(collector)}
	handler := inboundHandler(engine)

	if flags.config.TwilioChannel != "" {
		tc, err := twiliowhatsapp.NewClient(twiliowhatsapp.WithAuthToken(flags.config.TwilioAuthToken))
		if err != nil {
			return fmt.Errorf("failed to create Twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(flags.config.TwilioChannel, tc, handler, buildTwilioOptions(flags.config)...)
		router.Register(flags.config.TwilioChannel, svc)
		serverOpts = append(serverOpts, api.WithTwilioChannel(flags.config.TwilioChannel, svc))
	}

	queue := messaging.NewInboundQueue(ctx, handler)
	defer queue.Close()
	if flags.config.WhatsAppChannel != "" {
		wc, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(flags)...)
		if err != nil {
			return fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		defer wc.Disconnect()
		svc := messaging.NewWhatsAppService(flags.config.WhatsAppChannel, wc, queue)
		svc.Start(wc)
		router.Register(flags.config.WhatsAppChannel, svc)
	}
	if len(router.Channels()) == 0 {
		slog.Warn("No gateways configured; outbound messages will fail permanently")
	}

	if err := sender.RecoverStaleMessages(ctx); err != nil {
		slog.Warn("Failed to recover stale outbox messages", "error", err)
	}
	if err := runner.RecoverStaleJobs(ctx); err != nil {
		slog.Warn("Failed to recover stale jobs", "error", err)
	}

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := flow.NewSweeper(engine, sched, flags.sweepSchedule).Start(); err != nil {
		return err
	}

	server := api.NewServer(engine, serverOpts...)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { sender.Run(gctx); return nil })
	g.Go(func() error { runner.Run(gctx); return nil })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
