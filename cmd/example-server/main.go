// Command example-server runs a small gateway demonstrating the rate
// limiting middleware: per-route policies, Redis-backed shared state with
// local fallback, hard blocking of abusive origins, and an operator
// endpoint to lift blocks early.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/manenim/auth-gateway-limiter/internal/config"
	mw "github.com/manenim/auth-gateway-limiter/pkg/middleware"
	"github.com/manenim/auth-gateway-limiter/pkg/ratelimit"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	table, err := cfg.RateLimiter.Table()
	if err != nil {
		// An incomplete policy table must never serve traffic.
		logger.Error("invalid rate limit policies", "error", err)
		os.Exit(1)
	}

	opts := []ratelimit.Option{ratelimit.WithLogger(logger)}
	var client *redis.Client
	if cfg.Redis.Addr != "" {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		backend, err := ratelimit.NewRedisBackend(client,
			ratelimit.WithTimeout(cfg.Redis.Timeout),
		)
		if err != nil {
			// Start local-only rather than refuse to boot; the durable
			// store can come back without a restart mattering here.
			logger.Warn("redis unreachable, starting with local-only rate limiting",
				"addr", cfg.Redis.Addr, "error", err)
		} else {
			opts = append(opts, ratelimit.WithBackend(backend))
			logger.Info("durable rate limit backend connected", "addr", cfg.Redis.Addr)
		}
	}

	local := ratelimit.NewMemoryBackend()
	opts = append(opts, ratelimit.WithLocalStore(local))
	limiter := ratelimit.New(table, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	local.StartJanitor(ctx)

	r := chi.NewRouter()
	r.Use(mw.RateLimit(limiter,
		mw.WithLogger(logger),
		mw.WithIdentityFunc(identityFromHeaders),
		mw.WithGlobalLimit(500, 1000),
	))

	r.Get("/ping", func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte("pong\n"))
	})
	r.Post("/login", func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte("welcome\n"))
	})
	r.Get("/api/data", func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte("{\"data\":[]}\n"))
	})

	// Operator tooling, not request-path code. Protect this route at the
	// network layer in a real deployment.
	r.Post("/admin/unblock", func(w http.ResponseWriter, req *http.Request) {
		ip := req.URL.Query().Get("ip")
		if ip == "" {
			http.Error(w, "missing ip parameter", http.StatusBadRequest)
			return
		}
		if err := limiter.UnblockIP(req.Context(), ip); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("server listening", "port", cfg.Server.Port)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

// identityFromHeaders trusts upstream authentication to stamp the user
// headers; anonymous traffic falls back to IP-scoped limiting.
func identityFromHeaders(req *http.Request) ratelimit.Identity {
	return ratelimit.Identity{
		IP:     mw.ClientIP(req),
		UserID: req.Header.Get("X-User-ID"),
		Role:   req.Header.Get("X-User-Role"),
	}
}
