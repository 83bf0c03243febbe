// Command eventserver runs the HTTP SSE frontend, the RPC control-plane
// frontend, and the event store behind them as a single process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/andreasots/eventhub/internal/config"
	"github.com/andreasots/eventhub/internal/db"
	"github.com/andreasots/eventhub/internal/hub"
	"github.com/andreasots/eventhub/internal/middleware"
	"github.com/andreasots/eventhub/internal/ratelimit"
	"github.com/andreasots/eventhub/internal/rpc"
	"github.com/andreasots/eventhub/internal/sse"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	httpSocket := flag.String("http-socket", "", "Path to the HTTP/SSE unix socket (overrides EVENTHUB_HTTP_SOCKET)")
	rpcSocket := flag.String("rpc-socket", "", "Path to the RPC unix socket (overrides EVENTHUB_RPC_SOCKET)")
	dbDSN := flag.String("db-dsn", "", "Database connection string (overrides EVENTHUB_DB_DSN)")
	flag.Parse()

	cfg, err := config.LoadWithFlags(*httpSocket, *rpcSocket, *dbDSN)
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	store, err := db.OpenDB(cfg.DBType, cfg.DBDSN)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	h := hub.New(store, cfg.SubscriberBufferSize)
	limiter := ratelimit.New(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitBurst)

	mux := http.NewServeMux()
	mux.Handle("/healthz", http.HandlerFunc(handleHealthz))
	mux.Handle("/readyz", readyzHandler(store))
	mux.Handle("/", sse.New(h, cfg.KeepAliveInterval, limiter))

	handler := middleware.SecurityHeaders(middleware.RequestID(mux))
	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	httpListener, err := listenUnix(cfg.HTTPSocket)
	if err != nil {
		slog.Error("failed to bind HTTP socket", "socket", cfg.HTTPSocket, "error", err)
		os.Exit(1)
	}

	rpcFrontend := rpc.New(h, limiter)
	rpcListener, err := listenUnix(cfg.RPCSocket)
	if err != nil {
		slog.Error("failed to bind RPC socket", "socket", cfg.RPCSocket, "error", err)
		os.Exit(1)
	}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("http frontend listening", "socket", cfg.HTTPSocket)
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http serve: %w", err)
		}
	}()
	go func() {
		slog.Info("rpc frontend listening", "socket", cfg.RPCSocket)
		if err := rpcFrontend.Serve(rpcListener); err != nil && !isUseOfClosed(err) {
			errCh <- fmt.Errorf("rpc serve: %w", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		slog.Error("listener failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	rpcListener.Close()
}

// listenUnix binds a unix domain socket, removing any stale socket file left
// behind by a previous, uncleanly-terminated process.
func listenUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	return net.Listen("unix", path)
}

func isUseOfClosed(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Err.Error() == "use of closed network connection"
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func readyzHandler(store *db.DB) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}
