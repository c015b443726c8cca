// Package main is the entry point for the smtp-gate server.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/smtp-gate/internal/audit"
	"github.com/shineum/smtp-gate/internal/config"
	"github.com/shineum/smtp-gate/internal/metrics"
	"github.com/shineum/smtp-gate/internal/plugin"
	"github.com/shineum/smtp-gate/internal/proxy"
	"github.com/shineum/smtp-gate/internal/relay"
	"github.com/shineum/smtp-gate/internal/relay/graph"
	"github.com/shineum/smtp-gate/internal/relay/ses"
	relaysmtp "github.com/shineum/smtp-gate/internal/relay/smtp"
	"github.com/shineum/smtp-gate/internal/relay/stdout"
	"github.com/shineum/smtp-gate/internal/smtp"
	smtptls "github.com/shineum/smtp-gate/internal/tls"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const metricsShutdownTimeout = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "smtp-gate",
		Short:         "SMTP decision and relay proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration file (optional)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Accept mail and relay it upstream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				slog.Error("failed to load configuration", "error", err)
				return err
			}
			logger := setupLogger(cfg.Logging.Level, os.Stdout)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			if err := serve(ctx, cfg, logger); err != nil {
				logger.Error("server error", "error", err)
				return err
			}
			logger.Info("smtp-gate stopped")
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if err := checkConfig(cmd.Context(), cfg); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "configuration invalid:\n%v\n", err)
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration OK")
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "smtp-gate", version)
		},
	})

	return root
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string, w io.Writer) *slog.Logger {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// checkConfig builds everything that can fail at startup without opening
// sockets or touching audit sinks.
func checkConfig(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	if _, err := plugin.New(cfg.Plugin.Name, plugin.Options(cfg.Plugin.Options), logger); err != nil {
		return err
	}
	if _, err := selectRelay(ctx, cfg, logger); err != nil {
		return err
	}
	_, err := buildHooks(cfg.Audit)
	return err
}

// gateway holds the long-running parts of a serve invocation.
type gateway struct {
	server     *smtp.Server
	dispatcher *audit.Dispatcher
	metrics    *http.Server
}

// build wires configuration into a ready-to-run gateway.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	p, err := plugin.New(cfg.Plugin.Name, plugin.Options(cfg.Plugin.Options), logger)
	if err != nil {
		return nil, err
	}

	r, err := selectRelay(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	hooks, err := buildHooks(cfg.Audit)
	if err != nil {
		return nil, err
	}
	dispatcher := audit.NewDispatcher(logger, hooks...)
	if err := dispatcher.Init(ctx); err != nil {
		dispatcher.Close()
		return nil, fmt.Errorf("failed to initialize audit hooks: %w", err)
	}

	controller := proxy.New(p, r, logger, metrics.Recorder{}, dispatcher)

	var tlsConfig *tls.Config
	tlsMode := "disabled"
	if !cfg.TLS.Disable {
		tlsConfig, err = smtptls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Domain)
		if err != nil {
			dispatcher.Close()
			return nil, fmt.Errorf("failed to setup TLS: %w", err)
		}
		tlsMode = "self-signed"
		if cfg.TLS.CertFile != "" {
			tlsMode = "file"
		}
	}

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:      cfg.SMTP.Listen,
		Hostname:        cfg.SMTP.Domain,
		Handler:         controller,
		TLSConfig:       tlsConfig,
		AuthUsername:    cfg.SMTP.Username,
		AuthPassword:    cfg.SMTP.Password,
		MaxMessageBytes: cfg.SMTP.MaxMessageSize,
		MaxRecipients:   cfg.SMTP.MaxRecipients,
		ReadTimeout:     cfg.SMTP.ReadTimeout,
		WriteTimeout:    cfg.SMTP.WriteTimeout,
		Logger:          logger,
	})

	g := &gateway{server: server, dispatcher: dispatcher}
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		g.metrics = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	logger.Info("starting smtp-gate",
		"listen", cfg.SMTP.Listen,
		"plugin", p.Name(),
		"relay", r.Name(),
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", tlsMode,
		"audit_hooks", len(hooks),
		"metrics_listen", cfg.Metrics.Listen,
	)
	return g, nil
}

// serve runs the gateway until ctx is cancelled or a listener fails.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	gw, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := gw.dispatcher.Close(); err != nil {
			logger.Warn("failed to close audit hooks", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return gw.server.ListenAndServe(gctx)
	})

	if gw.metrics != nil {
		g.Go(func() error {
			err := gw.metrics.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("metrics server: %w", err)
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			return gw.metrics.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// selectRelay chooses the upstream transport based on configuration.
func selectRelay(ctx context.Context, cfg *config.Config, logger *slog.Logger) (relay.Relay, error) {
	switch cfg.Upstream.Transport {
	case "smtp":
		pc, err := cfg.PolicyConfig()
		if err != nil {
			return nil, err
		}
		policy, err := smtptls.BuildPolicy(pc)
		if err != nil {
			return nil, err
		}
		logger.Info("using SMTP relay",
			"address", cfg.Upstream.Address,
			"port", cfg.Upstream.Port,
			"tls_mode", policy.Mode(),
			"revocation", policy.Revocation(),
		)
		return relaysmtp.New(relaysmtp.Target{
			Address:  cfg.Upstream.Address,
			Port:     cfg.Upstream.Port,
			Username: cfg.Upstream.Username,
			Password: cfg.Upstream.Password,
			HeloName: cfg.Upstream.Helo,
			Timeout:  cfg.Upstream.Timeout,
		}, policy, logger), nil

	case "ses":
		if !cfg.SESConfigured() {
			return nil, errors.New("SES transport selected but SES_REGION is not set")
		}
		logger.Info("using AWS SES relay",
			"region", cfg.SES.Region,
			"sender", cfg.SES.Sender,
		)
		r, err := ses.New(ctx, ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.SES.Sender,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES relay: %w", err)
		}
		return r, nil

	case "graph":
		if !cfg.GraphConfigured() {
			return nil, errors.New("graph transport selected but GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET, and GRAPH_SENDER are required")
		}
		logger.Info("using Microsoft Graph relay",
			"sender", cfg.Graph.Sender,
		)
		return graph.New(graph.Config{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Sender:       cfg.Graph.Sender,
		}, logger), nil

	case "stdout":
		logger.Info("using stdout relay")
		return stdout.New(), nil

	default:
		return nil, fmt.Errorf("unknown upstream transport %q", cfg.Upstream.Transport)
	}
}

// buildHooks turns the audit section into hooks. Nothing is opened here.
func buildHooks(entries []config.AuditConfig) ([]audit.Hook, error) {
	hooks := make([]audit.Hook, 0, len(entries))
	for i, a := range entries {
		switch a.Type {
		case "file":
			hooks = append(hooks, audit.NewFileHook(a.Path))
		case "sqlite":
			hooks = append(hooks, audit.NewSQLiteHook(a.DSN))
		case "mysql":
			hooks = append(hooks, audit.NewMySQLHook(a.DSN))
		case "slack":
			hooks = append(hooks, audit.NewSlackHook(a.Token, a.Channel))
		default:
			return nil, fmt.Errorf("audit[%d]: unknown type %q", i, a.Type)
		}
	}
	return hooks, nil
}
