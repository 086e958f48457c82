// Package main is the entry point for the Brevo mail relay.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shineum/brevo-relay/internal/config"
	"github.com/shineum/brevo-relay/internal/deliverylog"
	"github.com/shineum/brevo-relay/internal/provider/brevo"
	"github.com/shineum/brevo-relay/internal/provider/stdout"
	"github.com/shineum/brevo-relay/internal/relay"
	"github.com/shineum/brevo-relay/internal/secret"
	"github.com/shineum/brevo-relay/internal/settings"
	"github.com/shineum/brevo-relay/internal/smtp"
	smtptls "github.com/shineum/brevo-relay/internal/tls"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("brevo-relay failed", "error", err)
		os.Exit(1)
	}
}

// app carries state shared by the subcommands.
type app struct {
	configPath string
	envFile    string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "brevo-relay",
		Short:         "SMTP relay that delivers mail through the Brevo API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd.ErrOrStderr())
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to YAML configuration file (optional)")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", "", "path to .env file (default .env if present)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the SMTP listener (default)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.serve(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create the delivery log table",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.migrate(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "encrypt-key [api-key]",
			Short: "Encrypt a Brevo API key for the settings file",
			Long:  "Encrypt a Brevo API key with RELAY_SECRET_KEY. The key is read from stdin when not given.",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.encryptKey(cmd.InOrStdin(), cmd.OutOrStdout(), args)
			},
		},
	)

	return root
}

// load reads the env file and configuration, then installs the logger.
func (a *app) load(logOut io.Writer) error {
	if err := config.LoadEnvFile(a.envFile); err != nil {
		return err
	}

	var err error
	if a.configPath != "" {
		a.cfg, err = config.LoadFromFile(a.configPath)
	} else {
		a.cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := newLogger(logOut, a.cfg.Logging)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}

func (a *app) serve(parent context.Context) error {
	cfg := a.cfg

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("received signal, initiating shutdown", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	store, err := settings.NewStore(cfg.Settings)
	if err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	crypter, err := secret.New(cfg.Secret.MasterKey)
	if err != nil {
		return err
	}

	sink, closeSink, err := openSink(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeSink()

	client := brevo.New(brevo.Config{
		APIURL:          cfg.Brevo.APIURL,
		SenderEmail:     cfg.Brevo.SenderEmail,
		ReplyToFallback: cfg.Brevo.ReplyToFallback,
		ConnectTimeout:  cfg.Brevo.ConnectTimeout,
		Timeout:         cfg.Brevo.Timeout,
	}, sink)
	redirector := relay.New(store, crypter, client, stdout.New())

	tlsOpts := smtptls.Options{
		CertFile: cfg.TLS.CertFile,
		KeyFile:  cfg.TLS.KeyFile,
		Hostname: cfg.SMTP.Hostname,
	}
	tlsConfig, err := smtptls.Load(tlsOpts)
	if err != nil {
		return fmt.Errorf("failed to setup TLS: %w", err)
	}
	tlsMode := "file"
	if tlsOpts.SelfSignedConfigured() {
		tlsMode = "self-signed"
	}

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Provider:       redirector,
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.SMTP.Username,
		AuthPassword:   cfg.SMTP.Password,
		IdleTimeout:    cfg.SMTP.IdleTimeout,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
	})

	slog.Info("starting brevo-relay",
		"listen", cfg.SMTP.Listen,
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", tlsMode,
		"scopes", len(store.Scopes()),
		"delivery_log", sinkKind(cfg.Database),
	)

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	slog.Info("brevo-relay stopped")
	return nil
}

func (a *app) migrate(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		return errors.New("migrate requires database.dsn or DATABASE_URL")
	}

	pg, err := deliverylog.NewPostgres(ctx, a.cfg.Database.DSN, a.cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	defer pg.Close()

	if err := pg.Migrate(ctx); err != nil {
		return err
	}
	slog.Info("delivery log table ready", "table", deliverylog.TableName)
	return nil
}

func (a *app) encryptKey(in io.Reader, out io.Writer, args []string) error {
	crypter, err := secret.New(a.cfg.Secret.MasterKey)
	if err != nil {
		return err
	}

	var plaintext string
	if len(args) == 1 {
		plaintext = args[0]
	} else {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to read API key: %w", err)
		}
		plaintext = line
	}
	plaintext = strings.TrimSpace(plaintext)
	if plaintext == "" {
		return errors.New("empty API key")
	}

	stored, err := crypter.Encrypt(plaintext)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, stored)
	return err
}

// openSink connects the PostgreSQL delivery log when a DSN is configured and
// falls back to logging records otherwise.
func openSink(ctx context.Context, db config.DatabaseConfig) (deliverylog.Sink, func(), error) {
	if db.DSN == "" {
		return deliverylog.NewSlogSink(slog.Default()), func() {}, nil
	}

	pg, err := deliverylog.NewPostgres(ctx, db.DSN, db.MaxConns)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

func sinkKind(db config.DatabaseConfig) string {
	if db.DSN == "" {
		return "log"
	}
	return "postgres"
}
