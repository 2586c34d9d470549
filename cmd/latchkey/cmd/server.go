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
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/latchkey/api"
	"github.com/jmcleod/latchkey/auth"
	"github.com/jmcleod/latchkey/internal/util"
	"github.com/jmcleod/latchkey/notify"
	"github.com/jmcleod/latchkey/passkey"
	"github.com/jmcleod/latchkey/session"
	bboltstorage "github.com/jmcleod/latchkey/storage/bbolt"
)

var (
	port          int
	dataDir       string
	tlsCert       string
	tlsKey        string
	webhookURL    string
	webhookAuth   string
	sweepInterval time.Duration
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the passkey authentication server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

		store, err := bboltstorage.NewStoreFromFile(dataDir+"/latchkey.db", nil)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer store.Close()

		verifier, err := passkey.NewVerifier(passkey.LoadConfigFromEnv())
		if err != nil {
			return fmt.Errorf("failed to configure relying party: %w", err)
		}

		sessionCfg, err := session.LoadConfigFromEnv()
		if err != nil {
			return fmt.Errorf("failed to load session config: %w", err)
		}
		sessions := session.NewManager(store, sessionCfg)

		authCfg, err := auth.LoadConfigFromEnv()
		if err != nil {
			return fmt.Errorf("failed to load auth config: %w", err)
		}

		var sink notify.Notifier = &notify.SlogNotifier{Logger: logger}
		if webhookURL != "" {
			sink = notify.NewWebhookNotifier(webhookURL, webhookAuth)
		}
		dispatcher := notify.NewDispatcher(sink)
		defer dispatcher.Close()

		svc := auth.NewService(store, verifier, sessions, dispatcher, authCfg)

		a := api.New(svc, sessions, api.WithLogger(logger))

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Use(api.SecurityHeaders)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Mount("/api/v1", a.Router())

		// Background sweeper for expired challenges, sessions, aged
		// recovery attempts, and events past retention.
		sweepDone := make(chan struct{})
		go func() {
			ticker := time.NewTicker(sweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := svc.Sweep(); err != nil {
						logger.Warn("sweep failed", "error", err)
					}
				case <-sweepDone:
					return
				}
			}
		}()
		defer close(sweepDone)

		var tlsConfig *tls.Config
		if tlsCert != "" && tlsKey != "" {
			cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		} else {
			cert, err := util.GenerateSelfSignedCert()
			if err != nil {
				return fmt.Errorf("failed to generate self-signed certificate: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
			fmt.Println("Using self-signed runtime generated certificate for TLS")
		}

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		fmt.Printf("Starting server on port %d (data: %s)...\n", port, dataDir)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&port, "port", "p", 8440, "Port to listen on")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	serverCmd.Flags().StringVar(&webhookURL, "notify-webhook", "", "URL to POST account notifications to")
	serverCmd.Flags().StringVar(&webhookAuth, "notify-webhook-auth", "", `Auth header for the notification webhook ("Header: Value")`)
	serverCmd.Flags().DurationVar(&sweepInterval, "sweep-interval", 10*time.Minute, "Interval between expiry sweeps")
}
