package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stream-corruptor/internal/origin"
	"stream-corruptor/internal/platform/config"
	"stream-corruptor/internal/platform/logger"
	"stream-corruptor/internal/platform/metrics"
	"stream-corruptor/internal/proxy"
	"stream-corruptor/internal/segment"
	"stream-corruptor/internal/session"
	"stream-corruptor/internal/throttle"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

const (
	shutdownTimeout  = 10 * time.Second
	redisPingTimeout = 5 * time.Second
)

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	stateful := config.GetEnvBool("STATEFUL", true)
	redisAddr := config.GetEnv("REDIS_ADDR", "")
	sessionTTL := config.GetEnvDuration("SESSION_TTL", time.Hour)
	originTimeout := config.GetEnvDuration("ORIGIN_TIMEOUT", origin.DefaultTimeout)
	throttlePath := config.GetEnv("THROTTLE_PATH", segment.DefaultThrottlePath)

	log := logger.New(logLevel, logFormat)

	store, closeStore := newStore(log, redisAddr, sessionTTL)
	defer closeStore()

	client := origin.NewClient(log, originTimeout)
	svc := proxy.NewService(client, store, log,
		proxy.WithStateful(stateful),
		proxy.WithMachine(segment.NewMachine(store, log, segment.WithThrottlePath(throttlePath))),
	)
	met := metrics.New()
	h := proxy.NewHandler(svc, log, met)

	r := chi.NewRouter()
	r.Use(proxy.CORS)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			n, err := svc.ActiveSessions(r.Context())
			if err != nil {
				log.Warn("count sessions failed", "error", err)
				return
			}
			met.SetActiveSessions(n)
		}).ServeHTTP(w, r)
	})
	r.Method(http.MethodGet, throttlePath, throttle.NewHandler(client, log))
	h.Routes(r)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"stateful", stateful,
		"redis", redisAddr != "",
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}

// newStore returns the Redis store when addr is set, else the in-memory one.
func newStore(log *slog.Logger, addr string, ttl time.Duration) (session.Store, func()) {
	if addr == "" {
		return session.NewMemoryStore(), func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: config.GetEnv("REDIS_PASSWORD", ""),
		DB:       config.GetEnvInt("REDIS_DB", 0),
	})
	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Error("redis unreachable", "addr", addr, "error", err)
		os.Exit(1)
	}
	log.Info("using redis session store", "addr", addr, "ttl", ttl.String())
	return session.NewRedisStore(client, log, ttl), func() { client.Close() }
}
