package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/pprof"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/ilyrer/ImmoNow-sub004/api"
	"github.com/ilyrer/ImmoNow-sub004/board"
	"github.com/ilyrer/ImmoNow-sub004/config"
	"github.com/ilyrer/ImmoNow-sub004/domain"
	"github.com/ilyrer/ImmoNow-sub004/outbox"
	"github.com/ilyrer/ImmoNow-sub004/storage"
)

func main() {
	debug := false
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
		debug = true
	}
	logger := log.StandardLogger()

	cfg := loadBoardConfig(logger)

	svc, pub, closeStore := openTaskService(logger)
	defer closeStore()

	rc := openRedis(logger)
	if rc != nil {
		ttl := durationEnv("CACHE_TTL", 30*time.Second)
		svc = storage.NewCache(svc, rc, ttl)
	}

	var deduper api.Deduper
	if rc != nil {
		deduper = api.NewRedisDeduper(rc, durationEnv("DEDUPER_TTL", 24*time.Hour))
	}

	if pub == nil && rc != nil {
		pub = outbox.NewRedisPublisher(rc, os.Getenv("EVENT_CHANNEL"))
	}
	var sink board.EventSink
	var exporter *outbox.Outbox
	if pub != nil {
		ob, err := outbox.Open(outbox.ConfigFromEnv(), pub, logger)
		if err != nil {
			log.Fatalf("outbox: %v", err)
		}
		exporter = ob
		sink = ob
	} else {
		logger.Warn("no event transport configured, change events stay local")
	}

	mgr := board.NewManager(board.ManagerOptions{
		Boards:  boardsByID(cfg),
		Service: svc,
		Sink:    sink,
		Policy:  board.TerminalPolicy(cfg.TerminalPolicy),
		Logger:  logger,
	})

	auth := buildAuth()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	if debug {
		pprof.Register(e)
	}

	api.Register(e, api.Options{Boards: mgr, Auth: auth, Deduper: deduper, Logger: logger})

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	go func() {
		if err := e.Start(listenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server stopped")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server shutdown failed")
	}
	mgr.CloseAll()
	if exporter != nil {
		exporter.Close()
	}
}

func loadBoardConfig(logger *log.Logger) *config.Config {
	path := os.Getenv("BOARD_CONFIG_PATH")
	if path == "" {
		logger.Info("BOARD_CONFIG_PATH not set, serving the default board")
		return config.Default()
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("board config: %v", err)
	}
	return cfg
}

// openTaskService selects the persistence backend. Azure when a
// connection string is configured, SQLite when a path is, otherwise an
// in-memory store that is lost on restart. The Azure store doubles as
// the event publisher.
func openTaskService(logger *log.Logger) (board.TaskService, outbox.Publisher, func()) {
	if connStr := os.Getenv("STORAGE_CONNECTION_STRING"); connStr != "" {
		tasksTable := os.Getenv("TASKS_TABLE")
		eventQueue := os.Getenv("EVENT_QUEUE")
		if tasksTable == "" || eventQueue == "" {
			log.Fatal("TASKS_TABLE and EVENT_QUEUE must be set with STORAGE_CONNECTION_STRING")
		}
		store, err := storage.NewAzure(connStr, tasksTable, eventQueue)
		if err != nil {
			log.Fatalf("azure storage: %v", err)
		}
		return store, store, func() {}
	}

	if path := os.Getenv("SQLITE_PATH"); path != "" {
		store, err := storage.OpenSQLite(path)
		if err != nil {
			log.Fatalf("sqlite storage: %v", err)
		}
		return store, nil, func() {
			if err := store.Close(); err != nil {
				logger.WithError(err).Error("sqlite close failed")
			}
		}
	}

	logger.Warn("no storage configured, using the in-memory task store")
	return storage.NewMemory(), nil, func() {}
}

func openRedis(logger *log.Logger) *redis.Client {
	conn := os.Getenv("REDIS_CONNECTION_STRING")
	if conn == "" {
		return nil
	}
	opts, err := redis.ParseURL(conn)
	if err != nil {
		// Azure-style connection strings are comma separated key=value
		// pairs after the address.
		parts := strings.Split(conn, ",")
		opts = &redis.Options{Addr: parts[0]}
		for _, p := range parts[1:] {
			kv := strings.SplitN(p, "=", 2)
			if len(kv) != 2 {
				continue
			}
			switch strings.ToLower(kv[0]) {
			case "password":
				opts.Password = kv[1]
			case "ssl":
				if strings.ToLower(kv[1]) == "true" {
					opts.TLSConfig = &tls.Config{}
				}
			}
		}
	}
	logger.WithField("addr", opts.Addr).Info("redis configured")
	return redis.NewClient(opts)
}

func buildAuth() *api.Auth {
	if os.Getenv("LOCAL_AUTH_MODE") != "" {
		return api.NewAuth(nil, os.Getenv("AUTH_AUDIENCE"), os.Getenv("AUTH_ISSUER"))
	}
	audience := os.Getenv("AUTH_AUDIENCE")
	authDomain := os.Getenv("AUTH_DOMAIN")
	if audience == "" || authDomain == "" {
		log.Fatal("missing auth config")
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", authDomain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
	if err != nil {
		log.Fatalf("jwks: %v", err)
	}
	return api.NewAuth(jwks, audience, "https://"+authDomain+"/")
}

func boardsByID(cfg *config.Config) map[string]domain.Board {
	out := make(map[string]domain.Board, len(cfg.Boards))
	for _, b := range cfg.Boards {
		out[b.ID] = b
	}
	return out
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		log.Fatalf("invalid %s: %v", name, err)
	}
	return d
}
