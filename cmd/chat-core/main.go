// chat-core is the real-time coordination service: WebSocket gateway,
// presence tracking, message distribution, call signaling, and the
// request/response bridge to the user directory.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/example/chat-core/internal/bridge"
	"github.com/example/chat-core/internal/broker"
	"github.com/example/chat-core/internal/calls"
	"github.com/example/chat-core/internal/config"
	"github.com/example/chat-core/internal/gateway"
	"github.com/example/chat-core/internal/identity"
	"github.com/example/chat-core/internal/kvstore"
	"github.com/example/chat-core/internal/pipeline"
	"github.com/example/chat-core/internal/presence"
	"github.com/example/chat-core/internal/rest"
	"github.com/example/chat-core/internal/storage"
	"github.com/example/chat-core/pkg/otelhelper"
)

const presenceBucket = "PRESENCE"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := otelhelper.Init(ctx)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Error("OpenTelemetry shutdown failed", "error", err)
		}
	}()

	cfg := config.Load()

	nc, err := connectNATS(cfg)
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Drain() //nolint:errcheck

	js, err := nc.JetStream()
	if err != nil {
		slog.Error("Failed to get JetStream context", "error", err)
		os.Exit(1)
	}

	// Bucket TTL is a backstop for instances that die without demoting
	// their users; live records carry their own lease.
	presenceStore, err := kvstore.EnsureBucket(js, presenceBucket, 2*cfg.PresenceLease)
	if err != nil {
		slog.Error("Failed to ensure presence bucket", "error", err)
		os.Exit(1)
	}

	verifier, err := identity.NewVerifier(cfg.KeycloakURL, cfg.KeycloakRealm, cfg.KeycloakIssuerURL)
	if err != nil {
		slog.Error("Failed to initialize token verifier", "error", err)
		os.Exit(1)
	}
	defer verifier.Close()

	if cfg.AllowDevAuth {
		slog.Warn("Dev auth is enabled, X-User-Id headers are trusted without a token")
	}

	bus := broker.NewNATS(nc)
	tracker := presence.NewTracker(presenceStore, bus, cfg.PresenceLease, cfg.IdleTimeout)
	store := storage.NewNATSClient(nc, cfg.StorageTimeout)
	callManager := calls.NewManager(bus, tracker, cfg.RingTimeout)

	registry := gateway.NewRegistry()
	pipe := pipeline.New(bus, store, registry)
	if err := pipe.BindConsumers(); err != nil {
		slog.Error("Failed to bind consumers", "error", err)
		os.Exit(1)
	}

	correlator := bridge.New(bus, cfg.BridgeTimeout, cfg.BridgeSlotTTL)
	if err := correlator.Bind(bridge.TopicCheckEmail); err != nil {
		slog.Error("Failed to bind correlation bridge", "error", err)
		os.Exit(1)
	}

	go tracker.Run(ctx, cfg.SweepInterval)
	go correlator.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway.NewHandler(verifier, registry, pipe, callManager, tracker, cfg.AllowDevAuth))
	rest.NewAPI(verifier, tracker, callManager, correlator, pipe, cfg.AllowDevAuth).Register(mux)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("chat-core listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
}

func connectNATS(cfg config.Config) (*nats.Conn, error) {
	var nc *nats.Conn
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(cfg.NatsURL,
			nats.UserInfo(cfg.NatsUser, cfg.NatsPass),
			nats.Name("chat-core"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err == nil {
			slog.Info("Connected to NATS", "url", cfg.NatsURL)
			return nc, nil
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	return nil, err
}
