// Command pricewatch runs the competitor price discovery service: scheduler,
// HTTP API and MCP endpoint over one SQLite database.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/hazyhaar/pricewatch/dbopen"
	"github.com/hazyhaar/pricewatch/discovery"
	"github.com/hazyhaar/pricewatch/horosafe"
	"github.com/hazyhaar/pricewatch/notify"
	"github.com/hazyhaar/pricewatch/shield"

	_ "modernc.org/sqlite"
)

func main() {
	addr := env("LISTEN_ADDR", ":8085")
	dbPath := env("DB_PATH", "data/pricewatch.db")

	var lvl slog.Level
	switch env("LOG_LEVEL", "info") {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	jwtSecret := []byte(os.Getenv("JWT_SECRET"))
	if err := horosafe.ValidateSecret(jwtSecret); err != nil {
		slog.Error("JWT_SECRET", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbopen.Open(dbPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open db", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	backend, closeBackend, err := openBackend(ctx)
	if err != nil {
		slog.Error("snapshot backend", "error", err)
		os.Exit(1)
	}
	defer closeBackend()

	cfg := &discovery.Config{SweepSpec: env("RULE_SWEEP_SPEC", "@every 5m")}
	cfg.Fetch.UserAgent = os.Getenv("USER_AGENT")
	cfg.Fetch.CheckRobotsTxt = true
	cfg.Scheduler.Workers = envInt("WORKERS", 4)
	cfg.Scheduler.PerCompetitorCap = envInt("PER_COMPETITOR_CAP", 1)
	cfg.Scheduler.PerDomainCap = envInt("PER_DOMAIN_CAP", 2)
	cfg.Scheduler.TickInterval = envDuration("TICK_INTERVAL", 30*time.Second)

	var opts []discovery.ServiceOption
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr, Password: os.Getenv("REDIS_PASSWORD")})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("redis", "addr", redisAddr, "error", err)
			os.Exit(1)
		}
		opts = append(opts, discovery.WithRedisLease(rdb))
		slog.Info("redis lease enabled", "addr", redisAddr)
	}

	svc, err := discovery.New(db, backend, notifier(logger), cfg, logger, opts...)
	if err != nil {
		slog.Error("discovery service", "error", err)
		os.Exit(1)
	}

	if path := os.Getenv("PROFILES_FILE"); path != "" {
		n, err := svc.LoadProfilesFile(ctx, path)
		if err != nil {
			slog.Error("load profiles", "path", path, "error", err)
			os.Exit(1)
		}
		slog.Info("profiles loaded", "path", path, "new_versions", n)
	}

	if err := svc.Start(ctx); err != nil {
		slog.Error("start", "error", err)
		os.Exit(1)
	}

	rl := shield.NewRateLimiter(20, 40, "/healthz")
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				rl.GC()
			}
		}
	}()

	r := chi.NewRouter()
	for _, mw := range shield.DefaultAPIStack(rl) {
		r.Use(mw)
	}
	r.Mount("/", svc.Handler(discovery.HTTPConfig{
		Secret:            jwtSecret,
		AdminPasswordHash: os.Getenv("ADMIN_PASSWORD_HASH"),
	}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("pricewatch starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	svc.Close()
}

func openBackend(ctx context.Context) (discovery.SnapshotBackend, func() error, error) {
	noop := func() error { return nil }
	switch kind := env("SNAPSHOT_BACKEND", "fs"); kind {
	case "s3":
		b, err := discovery.NewS3Backend(ctx, discovery.S3Config{
			Bucket:   os.Getenv("S3_BUCKET"),
			Region:   os.Getenv("S3_REGION"),
			Endpoint: os.Getenv("S3_ENDPOINT"),
			Prefix:   os.Getenv("S3_PREFIX"),
		})
		return b, noop, err
	case "gcs":
		return discovery.NewGCSBackend(ctx, discovery.GCSConfig{
			Bucket: os.Getenv("GCS_BUCKET"),
			Prefix: os.Getenv("GCS_PREFIX"),
		})
	case "fs":
		b, err := discovery.NewFSBackend(env("SNAPSHOT_DIR", "data/snapshots"))
		return b, noop, err
	default:
		return nil, nil, errors.New("unknown SNAPSHOT_BACKEND " + strconv.Quote(kind))
	}
}

// notifier routes rule actions to per-kind webhooks. Kinds without a
// configured URL are logged. The webhook kind posts to the action target.
func notifier(logger *slog.Logger) notify.Notifier {
	secret := os.Getenv("WEBHOOK_SECRET")
	router := notify.NewRouter(notify.NewLog(logger))
	router.Handle(notify.KindWebhook, notify.NewWebhook(notify.WebhookConfig{Secret: secret}, logger))
	for kind, key := range map[string]string{
		notify.KindEmail:      "WEBHOOK_URL_EMAIL",
		notify.KindSMS:        "WEBHOOK_URL_SMS",
		notify.KindAutomation: "WEBHOOK_URL_AUTOMATION",
	} {
		if u := os.Getenv(key); u != "" {
			router.Handle(kind, notify.NewWebhook(notify.WebhookConfig{URL: u, Secret: secret}, logger))
		}
	}
	return router
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func envDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return def
	}
	return d
}
