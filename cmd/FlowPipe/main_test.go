package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/lock"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("flowpipe", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoadEnvironmentConfigDefaults(t *testing.T) {
	for _, key := range []string{"FLOWPIPE_STATE_DIR", "API_ADDR", "SKIP_COMMAND", "SWEEP_SCHEDULE", "MAX_RETRIES", "INACTIVITY_TIMEOUT", "SEND_RATE"} {
		t.Setenv(key, "")
	}
	config := loadEnvironmentConfig()

	if config.StateDir != DefaultStateDir {
		t.Errorf("StateDir = %q", config.StateDir)
	}
	if config.APIAddr != ":8080" {
		t.Errorf("APIAddr = %q", config.APIAddr)
	}
	if config.SkipCommand != flow.DefaultSkipCommand || config.MaxRetries != flow.DefaultMaxRetries {
		t.Errorf("skip/retries = %q/%d", config.SkipCommand, config.MaxRetries)
	}
	if config.Timeout != flow.DefaultInactivityTimeout {
		t.Errorf("Timeout = %v", config.Timeout)
	}
	if config.SweepSchedule != flow.DefaultSweepSchedule {
		t.Errorf("SweepSchedule = %q", config.SweepSchedule)
	}
	if config.SendRate != 10 {
		t.Errorf("SendRate = %v", config.SendRate)
	}
}

func TestLoadEnvironmentConfigOverrides(t *testing.T) {
	t.Setenv("FLOWPIPE_STATE_DIR", "/tmp/fp")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("INACTIVITY_TIMEOUT", "10m")
	t.Setenv("SKIP_COMMAND", "cancel")
	t.Setenv("SKIP_MATCH", "prefix")
	t.Setenv("RESTART_ON_TRIGGER", "yes")
	t.Setenv("TWILIO_VERIFY_SIGNATURE", "off")

	config := loadEnvironmentConfig()
	if config.StateDir != "/tmp/fp" || config.MaxRetries != 5 || config.Timeout != 10*time.Minute {
		t.Errorf("unexpected config: %+v", config)
	}
	if config.SkipCommand != "cancel" || config.SkipMatch != "prefix" || !config.RestartOnTrigger {
		t.Errorf("unexpected skip settings: %+v", config)
	}
	if config.TwilioVerify {
		t.Error("TwilioVerify should be off")
	}
}

func TestParseCommandLineFlagsDerivesPaths(t *testing.T) {
	config := Config{StateDir: DefaultStateDir, APIAddr: ":8080"}
	flags, err := parseCommandLineFlags(newFlagSet(), []string{"-state-dir", "/srv/fp", "-api-addr", ":9090"}, config)
	if err != nil {
		t.Fatalf("parseCommandLineFlags: %v", err)
	}
	if flags.dbDSN != filepath.Join("/srv/fp", DefaultDBFileName) {
		t.Errorf("dbDSN = %q", flags.dbDSN)
	}
	if flags.config.WhatsAppDSN != filepath.Join("/srv/fp", DefaultWhatsAppDBFileName) {
		t.Errorf("WhatsAppDSN = %q", flags.config.WhatsAppDSN)
	}
	if flags.apiAddr != ":9090" {
		t.Errorf("apiAddr = %q", flags.apiAddr)
	}
}

func TestParseCommandLineFlagsKeepsExplicitDSN(t *testing.T) {
	config := Config{StateDir: DefaultStateDir, DatabaseURL: "postgres://db/flowpipe"}
	flags, err := parseCommandLineFlags(newFlagSet(), nil, config)
	if err != nil {
		t.Fatalf("parseCommandLineFlags: %v", err)
	}
	if flags.dbDSN != "postgres://db/flowpipe" {
		t.Errorf("dbDSN = %q", flags.dbDSN)
	}
	if flags.usesStateDir() {
		t.Error("postgres store without WhatsApp should not lock the state dir")
	}

	flags.config.WhatsAppChannel = "wa"
	if !flags.usesStateDir() {
		t.Error("WhatsApp channel keeps its device store in the state dir")
	}
}

func TestParseCommandLineFlagsRejectsUnknownFlag(t *testing.T) {
	if _, err := parseCommandLineFlags(newFlagSet(), []string{"-bogus"}, Config{}); err == nil {
		t.Error("expected error for unknown flag")
	}
}

func TestBuildEngineOptions(t *testing.T) {
	config := Config{
		MaxRetries:       2,
		SkipCommand:      "Stop",
		SkipMatch:        "PREFIX",
		Timeout:          5 * time.Minute,
		RestartOnTrigger: true,
		AbandonMessage:   "bye",
	}
	opts := flow.DefaultOpts()
	for _, o := range buildEngineOptions(config) {
		o(&opts)
	}
	if opts.MaxRetries != 2 || opts.InactivityTimeout != 5*time.Minute || !opts.RestartOnTrigger {
		t.Errorf("unexpected opts: %+v", opts)
	}
	if opts.SkipMatch != models.TriggerMatchPrefix {
		t.Errorf("SkipMatch = %q", opts.SkipMatch)
	}
	if opts.AbandonMessage != "bye" {
		t.Errorf("AbandonMessage = %q", opts.AbandonMessage)
	}
}

func TestBuildDispatcherOptions(t *testing.T) {
	if n := len(buildDispatcherOptions(Config{SendRate: 0})); n != 1 {
		t.Errorf("unlimited options = %d", n)
	}
	if n := len(buildDispatcherOptions(Config{SendRate: 5, SendBurst: 5})); n != 1 {
		t.Errorf("limited options = %d", n)
	}
}

func TestBuildTwilioOptions(t *testing.T) {
	if opts := buildTwilioOptions(Config{TwilioVerify: true}); len(opts) != 0 {
		t.Error("no auth token should disable verification")
	}
	if opts := buildTwilioOptions(Config{TwilioVerify: false, TwilioAuthToken: "tok"}); len(opts) != 0 {
		t.Error("verification explicitly disabled")
	}
	if opts := buildTwilioOptions(Config{TwilioVerify: true, TwilioAuthToken: "tok"}); len(opts) != 1 {
		t.Error("expected webhook auth option")
	}
}

func TestOpenStore(t *testing.T) {
	st, err := openStore(MemoryDSN)
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	if _, ok := st.(*store.InMemoryStore); !ok {
		t.Errorf("memory DSN gave %T", st)
	}

	st, err = openStore(filepath.Join(t.TempDir(), "fp.db"))
	if err != nil {
		t.Fatalf("sqlite store: %v", err)
	}
	defer st.Close()
	if _, ok := st.(*store.SQLiteStore); !ok {
		t.Errorf("file DSN gave %T", st)
	}
}

func TestOpenLock(t *testing.T) {
	ctx := context.Background()
	l, closeFn, err := openLock(ctx, "", store.NewInMemoryStore())
	if err != nil {
		t.Fatalf("openLock: %v", err)
	}
	closeFn()
	if _, ok := l.(*lock.InMemoryLock); !ok {
		t.Errorf("default lock is %T", l)
	}

	mr := miniredis.RunT(t)
	l, closeFn, err = openLock(ctx, "redis://"+mr.Addr(), nil)
	if err != nil {
		t.Fatalf("openLock redis: %v", err)
	}
	defer closeFn()
	if _, ok := l.(*lock.RedisLock); !ok {
		t.Errorf("redis lock is %T", l)
	}
	release, err := l.Acquire(ctx, "contact:a", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release()

	if _, _, err := openLock(ctx, "://bad", nil); err == nil {
		t.Error("expected error for malformed redis url")
	}
}

func TestInboundHandlerDrivesEngine(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	cat := flow.NewCatalog(st, time.Minute)
	engine := flow.NewEngine(st, cat, lock.NewInMemoryLock(), flow.NewProjector(st, cat))

	draft, err := cat.FromTemplate(ctx, "demo", "t1", "wa")
	if err != nil {
		t.Fatalf("FromTemplate: %v", err)
	}
	if _, err := cat.Publish(ctx, draft.ID); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	h := inboundHandler(engine)
	if err := h(ctx, models.InboundMessage{ChannelID: "wa", ContactAddress: "+15550001", Text: "demo", ProviderMessageID: "m1"}); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if _, err := engine.ActiveSession(ctx, "wa", "+15550001"); err != nil {
		t.Errorf("expected active session: %v", err)
	}
	if err := h(ctx, models.InboundMessage{ChannelID: "wa", Text: "demo"}); !models.IsInvalidInbound(err) {
		t.Errorf("malformed message error = %v", err)
	}
}
