package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/oneboxhq/onebox/pkg/account"
	"github.com/oneboxhq/onebox/pkg/classify"
	"github.com/oneboxhq/onebox/pkg/config"
	"github.com/oneboxhq/onebox/pkg/cursor"
	"github.com/oneboxhq/onebox/pkg/email"
	"github.com/oneboxhq/onebox/pkg/imap"
	"github.com/oneboxhq/onebox/pkg/index"
	"github.com/oneboxhq/onebox/pkg/notify"
	"github.com/oneboxhq/onebox/pkg/pipeline"
)

// Filled at build time with the -X linker flag.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("onebox %s (%s, built %s)\n", Tag, Commit, BuildTime)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "onebox:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	log.Info().Str("version", Tag).Int("accounts", len(cfg.Accounts)).Msg("Starting onebox")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := cursor.NewSQLiteStore(cfg.Cursor.Path)
	if err != nil {
		return fmt.Errorf("opening cursor store: %w", err)
	}
	defer store.Close()

	indexer, err := index.NewElastic(cfg.Elasticsearch.Addresses, cfg.Elasticsearch.Index, log)
	if err != nil {
		return fmt.Errorf("creating indexer: %w", err)
	}
	if err := indexer.EnsureIndex(ctx); err != nil {
		return fmt.Errorf("ensuring index: %w", err)
	}

	classifier := classify.NewGemini(cfg.Gemini.APIKey, log, classify.WithModel(cfg.Gemini.Model))
	notifier := notify.NewWebhook(cfg.Webhooks.SlackURL, cfg.Webhooks.GenericURL, log,
		notify.WithSanitizedLogs(cfg.Logging.Sanitized))

	parser := email.NewParser()
	dialer := &imap.NetDialer{Log: log, Sanitized: cfg.Logging.Sanitized}

	sup := account.NewSupervisor(&account.Options{ShutdownGrace: cfg.Sync.ShutdownGrace()}, log)
	for _, acctCfg := range cfg.Accounts {
		acctLog := log.With().Str("account", acctCfg.Identity).Logger()

		pipe := pipeline.New(classifier, indexer, notifier, acctLog, &pipeline.Options{
			MaxInFlight: cfg.Sync.PipelineInFlight,
			Sanitized:   cfg.Logging.Sanitized,
		})

		conn := imap.NewConnectionManager(imap.Account{
			Identity: acctCfg.Identity,
			Secret:   acctCfg.Secret,
			Host:     acctCfg.Host,
			Port:     acctCfg.Port,
			Security: acctCfg.Security,
		}, dialer, parser, pipe, store, &imap.ManagerOptions{
			Mailbox:        acctCfg.Mailbox,
			BatchSize:      cfg.Sync.BatchSize,
			BackfillWindow: cfg.Sync.BackfillWindow(),
			IdleTimeout:    cfg.Sync.IdleTimeout(),
			IdleMargin:     cfg.Sync.IdleMargin(),
		}, acctLog)

		sup.Add(acctCfg.Identity, conn)
	}

	go reportStatuses(ctx, sup, log)

	if err := sup.Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("Shutdown complete")
	return nil
}

func newLogger(cfg config.LoggingConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger(), nil
}

// reportStatuses periodically logs each account's health so operators can see
// which accounts are disconnected.
func reportStatuses(ctx context.Context, sup *account.Supervisor, log zerolog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, st := range sup.Statuses() {
				ev := log.Info()
				if st.Health == account.HealthUnhealthy || st.Health == account.HealthDegraded {
					ev = log.Warn()
				}
				ev.Str("account", st.Account).
					Str("health", string(st.Health)).
					Str("state", st.State.String()).
					Int("restarts", st.Restarts).
					Msg("Account status")
			}
		}
	}
}
