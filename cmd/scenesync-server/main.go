// Command scenesync-server runs the SceneSync session coordinator.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kilupskalvis/scenesync/internal/coordinator"
	"github.com/kilupskalvis/scenesync/internal/sessionstore"
)

func main() {
	listen := flag.String("listen", envOrDefault("SCENESYNC_LISTEN", "0.0.0.0:8730"), "Listen address")
	redisAddr := flag.String("redis", os.Getenv("SCENESYNC_REDIS"), "Redis address for session persistence and multi-node relay (empty: in-memory)")
	nodeID := flag.String("node-id", os.Getenv("SCENESYNC_NODE_ID"), "Node id on the relay bus (default: random)")
	lockTimeout := flag.Duration("lock-timeout", 30*time.Second, "Advisory lock auto-release timeout")
	sessionTTL := flag.Duration("session-ttl", 24*time.Hour, "Idle session expiry")
	logLevel := flag.String("log-level", envOrDefault("SCENESYNC_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", envOrDefault("SCENESYNC_LOG_FORMAT", "json"), "Log format (json, text)")
	tlsCert := flag.String("tls-cert", os.Getenv("SCENESYNC_TLS_CERT"), "TLS certificate file")
	tlsKey := flag.String("tls-key", os.Getenv("SCENESYNC_TLS_KEY"), "TLS key file")
	flag.Parse()

	// Setup logger
	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if *logFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Session store: redis when configured, in-memory otherwise.
	var store sessionstore.Store
	if *redisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		rs, err := sessionstore.NewRedisStore(ctx, *redisAddr)
		cancel()
		if err != nil {
			logger.Error("redis unavailable", "error", err, "addr", *redisAddr)
			os.Exit(1)
		}
		store = rs
		logger.Info("using redis session store", "addr", *redisAddr)
	} else {
		store = sessionstore.NewMemoryStore(*sessionTTL, nil)
		logger.Info("using in-memory session store")
	}

	cfg := coordinator.DefaultConfig()
	cfg.LockTimeout = *lockTimeout
	cfg.SessionTTL = *sessionTTL
	cfg.NodeID = *nodeID

	co := coordinator.New(store, logger, cfg)

	srv := &http.Server{
		Addr:        *listen,
		Handler:     co.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		BaseContext: func(_ net.Listener) context.Context { return context.Background() },
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("starting scenesync-server", "listen", *listen)
		var err error
		if *tlsCert != "" && *tlsKey != "" {
			err = srv.ListenAndServeTLS(*tlsCert, *tlsKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	logger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if err := co.Shutdown(ctx); err != nil {
		logger.Error("coordinator shutdown error", "error", err)
	}
	logger.Info("server stopped")
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
