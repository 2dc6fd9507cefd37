package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/murmur/account"
	"github.com/jmcleod/murmur/api"
	"github.com/jmcleod/murmur/password"
	"github.com/jmcleod/murmur/session"
)

var (
	port               int
	devMode            bool
	sessionTTL         time.Duration
	rotateOnLogin      bool
	uniformLoginErrors bool
	privateKeyFile     string
	trustedProxies     []string
	hashConcurrency    int
	sweepInterval      time.Duration
	tlsCert            string
	tlsKey             string
	auditWebhookURL    string
	auditWebhookHeader string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the account and session API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		keys, err := loadKeys(privateKeyFile)
		if err != nil {
			return err
		}
		proxies, err := api.ParseTrustedProxies(trustedProxies)
		if err != nil {
			return fmt.Errorf("invalid --trusted-proxies: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		store, closeStore, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer closeStore()

		accounts, err := account.NewService(store,
			account.WithHasher(password.NewHasher(password.WithConcurrency(hashConcurrency))),
			account.WithUniformLoginErrors(uniformLoginErrors),
			account.WithLogger(logger))
		if err != nil {
			return err
		}

		metrics := api.NewMetrics()
		sessions := session.NewService(store, keys, session.Config{
			Duration:      sessionTTL,
			RotateOnLogin: rotateOnLogin,
		}, session.WithLogger(logger))
		auth := session.NewAuthenticator(keys, store,
			session.WithLogger(logger),
			session.WithReporter(metrics.ObserveSession))

		opts := []api.Option{
			api.WithLogger(logger),
			api.WithDevMode(devMode),
			api.WithTrustedProxies(proxies),
			api.WithMetrics(metrics),
			api.WithAlertFunc(func(e api.AlertEvent) {
				logger.Warn("security alert",
					slog.String("type", string(e.Type)),
					slog.String("message", e.Message),
					slog.Int("count", e.Count))
			}),
		}
		if auditWebhookURL != "" {
			opts = append(opts, api.WithAuditWebhook(auditWebhookURL, auditWebhookHeader))
		}
		a := api.New(accounts, sessions, auth, opts...)
		defer a.Close()

		go session.NewSweeper(store, sweepInterval, session.WithLogger(logger)).Run(ctx)
		go a.RunMaintenance(ctx, time.Minute)

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(a, metrics),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		useTLS := tlsCert != "" && tlsKey != ""
		if useTLS {
			cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			server.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}

		done := make(chan error, 1)
		go func() {
			var err error
			if useTLS {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(cmd.OutOrStdout())
		logger.Info("server started",
			slog.Int("port", port),
			slog.String("storage", storageKind),
			slog.Bool("tls", useTLS),
			slog.Bool("dev", devMode),
			slog.String("key_id", keys.ID()))
		if devMode {
			logger.Warn("dev mode: session cookies are sent without the Secure attribute over plain HTTP")
		}

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func newRouter(a *api.API, metrics *api.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(api.SecurityHeaders)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Mount("/api/v1", a.Router())
	return r
}

func init() {
	rootCmd.AddCommand(serverCmd)
	f := serverCmd.Flags()
	f.IntVarP(&port, "port", "p", 8080, "Port to listen on")
	f.BoolVar(&devMode, "dev", envOr("MURMUR_DEV", "") == "true", "Development mode: allow session cookies over plain HTTP")
	f.DurationVar(&sessionTTL, "session-ttl", session.DefaultDuration, "Session lifetime")
	f.BoolVar(&rotateOnLogin, "rotate-on-login", false, "Issue a new session id on every login instead of extending the existing one")
	f.BoolVar(&uniformLoginErrors, "uniform-login-errors", false, "Answer unknown user and wrong password with the same error")
	f.StringVar(&privateKeyFile, "private-key-file", "", "Read the signing key from this file instead of "+PrivateKeyEnv)
	f.StringSliceVar(&trustedProxies, "trusted-proxies", splitList(os.Getenv("MURMUR_TRUSTED_PROXIES")),
		"CIDRs of proxies whose forwarding headers are trusted")
	f.IntVar(&hashConcurrency, "hash-concurrency", 0, "Maximum concurrent password hashes (0 = number of CPUs)")
	f.DurationVar(&sweepInterval, "sweep-interval", session.DefaultSweepInterval, "How often expired sessions are deleted")
	f.StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	f.StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	f.StringVar(&auditWebhookURL, "audit-webhook-url", os.Getenv("MURMUR_AUDIT_WEBHOOK_URL"), "POST audit events to this URL")
	f.StringVar(&auditWebhookHeader, "audit-webhook-header", os.Getenv("MURMUR_AUDIT_WEBHOOK_HEADER"),
		`Extra header for audit webhook requests, as "Name: value"`)
	addStorageFlags(serverCmd)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
