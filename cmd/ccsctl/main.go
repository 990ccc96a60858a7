package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/ccsctl/internal/ccs"
	"github.com/danmuck/ccsctl/internal/directory"
	"github.com/danmuck/ccsctl/internal/handlers"
	"github.com/danmuck/ccsctl/internal/logging"
	"github.com/danmuck/ccsctl/internal/observability"
	"github.com/danmuck/ccsctl/internal/transport"
	"github.com/danmuck/ccsctl/internal/transport/natsbus"
	"github.com/danmuck/ccsctl/internal/transport/stream"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
)

const envAPIKey = "CCSCTL_API_KEY"

type cliFlags struct {
	configPath string
	logLevel   string
	envFile    string
}

type invocation struct {
	projectID string
	apiKey    string
	recipient string
}

func main() {
	logging.ConfigureRuntime()

	var flags cliFlags
	cmd := &cli.Command{
		Name:        "ccsctl",
		Usage:       "CCS push-messaging client",
		ArgsUsage:   "<project-id> [api-key] <recipient>",
		Description: commandDescription,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to TOML config file",
				Sources:     cli.EnvVars("CCSCTL_CONFIG"),
				Destination: &flags.configPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (trace, debug, info, warn, error)",
				Destination: &flags.logLevel,
			},
			&cli.StringFlag{
				Name:        "env-file",
				Usage:       "dotenv file to load before reading " + envAPIKey,
				Destination: &flags.envFile,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return run(ctx, flags, c.Args().Slice())
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ccsctl: %v\n", err)
		os.Exit(1)
	}
}

const commandDescription = `Connects to the CCS broker, answers upstream ECHO, REGISTER and MESSAGE
actions, and sends one sample message to <recipient>. The api key may be
omitted when ` + envAPIKey + ` is set (optionally from --env-file).

The stream transport speaks ccsctl's own framing (a JSON login line, then
binary frames), not XMPP. Point server_addr at a broker gateway that speaks
it, or use transport = "nats"; the default ` + ccs.DefaultServer + ` only
accepts XMPP.`

func run(ctx context.Context, flags cliFlags, args []string) error {
	if flags.logLevel != "" && !logging.SetLevel(flags.logLevel) {
		return fmt.Errorf("invalid log level %q", flags.logLevel)
	}
	if err := loadEnvFile(flags.envFile); err != nil {
		return err
	}
	inv, err := parseInvocation(args, os.Getenv(envAPIKey))
	if err != nil {
		return err
	}
	cfg, err := loadRuntimeConfig(flags.configPath)
	if err != nil {
		return err
	}
	if cfg.Debug && flags.logLevel == "" {
		logging.SetLevel("debug")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if dialsXMPPEndpoint(cfg) {
		log.Warn().Str("addr", cfg.Stream.Address).Msg("ccsctl stream transport is not XMPP; set server_addr to a ccsctl broker gateway")
	}
	tr, err := newTransport(cfg)
	if err != nil {
		return err
	}
	store, err := openDirectory(cfg.DirectoryPath)
	if err != nil {
		return err
	}
	defer store.Close()
	summary, err := summarizeDirectory(ctx, store)
	if err != nil {
		return fmt.Errorf("read directory: %w", err)
	}
	log.Info().
		Int("recipients", summary.recipients).
		Int("accounts", summary.accounts).
		Int("groups", summary.groups).
		Msg("ccsctl directory loaded")

	reg := prometheus.NewRegistry()
	metrics, err := ccs.NewMetrics(reg)
	if err != nil {
		return err
	}
	if cfg.MetricsAddr != "" {
		srv, err := observability.ServeMetrics(cfg.MetricsAddr, reg)
		if err != nil {
			return fmt.Errorf("serve metrics: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	session, err := ccs.NewSession(tr, ccs.Config{
		Credentials:   ccs.CredentialsFor(inv.projectID, inv.apiKey),
		Metrics:       metrics,
		MaxPending:    cfg.MaxPending,
		BroadcastRate: cfg.BroadcastRate,
		Receipts: ccs.ReceiptFuncs{
			OnAck: func(_ context.Context, r ccs.Receipt) {
				log.Info().Str("message_id", r.MessageID).Str("from", r.From).Msg("ccsctl delivered")
			},
			OnNack: func(_ context.Context, r ccs.Receipt) {
				log.Warn().Str("message_id", r.MessageID).Str("error", r.Error).Msg("ccsctl rejected")
			},
		},
	})
	if err != nil {
		return err
	}
	defer session.Close()

	if err := handlers.Install(session.Router(), cfg.ActionPrefix, session, store); err != nil {
		return err
	}

	events, unsubscribe := session.Subscribe()
	defer unsubscribe()
	go logEvents(events)

	if err := session.Connect(ctx); err != nil {
		return err
	}

	id, err := session.SendMessage(ctx, sampleMessage(inv.recipient))
	if err != nil {
		return fmt.Errorf("send sample message: %w", err)
	}
	log.Info().Str("message_id", id).Str("to", inv.recipient).Msg("ccsctl sample message sent")

	<-ctx.Done()
	log.Info().Msg("ccsctl shutting down")
	return nil
}

// parseInvocation accepts "<project-id> <api-key> <recipient>" or, when
// envKey is set, "<project-id> <recipient>".
func parseInvocation(args []string, envKey string) (invocation, error) {
	switch len(args) {
	case 3:
		return invocation{projectID: args[0], apiKey: args[1], recipient: args[2]}, nil
	case 2:
		if strings.TrimSpace(envKey) == "" {
			return invocation{}, fmt.Errorf("api key missing: pass it as the second argument or set %s", envAPIKey)
		}
		return invocation{projectID: args[0], apiKey: envKey, recipient: args[1]}, nil
	default:
		return invocation{}, fmt.Errorf("expected <project-id> [api-key] <recipient>, got %d arguments", len(args))
	}
}

// loadEnvFile loads path, or ./.env when path is empty and the file exists.
func loadEnvFile(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func sampleMessage(to string) ccs.Downstream {
	ttl := int64(10000)
	idle := true
	return ccs.Downstream{
		To:             to,
		Payload:        map[string]string{"message": "Simple sample message"},
		CollapseKey:    "sample",
		TimeToLive:     &ttl,
		DelayWhileIdle: &idle,
	}
}

func newTransport(cfg runtimeConfig) (transport.Transport, error) {
	switch cfg.Transport {
	case transportNATS:
		return natsbus.New(cfg.NATS)
	default:
		return stream.New(cfg.Stream)
	}
}

func openDirectory(path string) (directory.Store, error) {
	if path == "" {
		return directory.NewMemoryStore(), nil
	}
	return directory.OpenBoltStore(path)
}

// dialsXMPPEndpoint reports whether the stream transport would dial the
// public CCS endpoint, which does not speak the stream framing.
func dialsXMPPEndpoint(cfg runtimeConfig) bool {
	return cfg.Transport == transportStream && cfg.Stream.Address == ccs.DefaultServer
}

type directorySummary struct {
	recipients int
	accounts   int
	groups     int
}

// summarizeDirectory counts what a durable directory carried over from
// earlier runs. groups counts accounts with a notification key name.
func summarizeDirectory(ctx context.Context, store directory.Store) (directorySummary, error) {
	var out directorySummary
	ids, err := store.AllRegistrationIDs(ctx)
	if err != nil {
		return out, err
	}
	accounts, err := store.Accounts(ctx)
	if err != nil {
		return out, err
	}
	out.recipients = len(ids)
	out.accounts = len(accounts)
	for _, account := range accounts {
		_, err := store.NotificationKeyName(ctx, account)
		switch {
		case err == nil:
			out.groups++
		case !errors.Is(err, directory.ErrNotificationKeyNotFound):
			return out, err
		}
	}
	return out, nil
}

func logEvents(events <-chan ccs.Event) {
	for ev := range events {
		entry := log.Info()
		if ev.Err != nil {
			entry = log.Warn().Err(ev.Err)
		}
		entry.Stringer("event", ev.Kind).Stringer("state", ev.State).Int("attempt", ev.Attempt).Msg("ccsctl session")
	}
}
