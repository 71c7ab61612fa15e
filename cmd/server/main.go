package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/christopherjohns/chatroom/internal/config"
	"github.com/christopherjohns/chatroom/internal/message"
	"github.com/christopherjohns/chatroom/internal/moderation"
	"github.com/christopherjohns/chatroom/internal/ratelimit"
	"github.com/christopherjohns/chatroom/internal/server"
	"github.com/christopherjohns/chatroom/internal/ws"
)

// limiterSweepInterval is how often expired in-memory rate limit counters
// are evicted.
const limiterSweepInterval = time.Minute

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	level, _ := logrus.ParseLevel(cfg.Log.Level)
	logger.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup storage: %v", err)
	}
	defer closeStore()

	limiter, err := buildLimiter(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup rate limiter: %v", err)
	}

	policy := moderation.DefaultPolicy()
	if cfg.Moderation.PolicyFile != "" {
		policy, err = moderation.LoadPolicy(cfg.Moderation.PolicyFile)
		if err != nil {
			logger.Fatalf("load moderation policy: %v", err)
		}
		logger.Infof("using moderation policy from %s", cfg.Moderation.PolicyFile)
	}

	conns := ws.NewConnManager(
		ws.WithMaxConns(cfg.Conn.MaxConns),
		ws.WithIdleTimeout(cfg.Conn.IdleTimeout),
		ws.WithConnLogger(logger),
	)
	hub := ws.NewHub(store,
		ws.WithLimiter(limiter),
		ws.WithValidator(policy),
		ws.WithConnManager(conns),
		ws.WithLogger(logger),
		ws.WithHistorySize(cfg.Hub.HistorySize),
	)
	go hub.Run(ctx)

	if cfg.AllowsAnyOrigin() {
		logger.Warn("accepting websocket upgrades and API calls from any origin")
	}

	gin.SetMode(gin.ReleaseMode)
	srv := server.New(server.Config{
		Addr:           cfg.Server.Addr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		TrustedProxies: cfg.Server.TrustedProxies,
		APIRate:        cfg.Server.APIRate,
		APIBurst:       cfg.Server.APIBurst,
	}, hub, store, logger)

	if err := srv.Run(ctx); err != nil {
		logger.Fatalf("http server: %v", err)
	}
	logger.Info("bye")
}

func buildStore(ctx context.Context, cfg config.Config, logger *logrus.Logger) (message.Store, func(), error) {
	switch cfg.Storage.Driver {
	case config.DriverRedis:
		rdb, err := connectRedis(ctx, cfg.Storage.URL)
		if err != nil {
			return nil, nil, err
		}
		logger.Infof("storing messages in redis at %s (key %s)", cfg.Storage.URL, cfg.Storage.Key)
		return message.NewRedisStore(rdb, cfg.Storage.Key), func() { rdb.Close() }, nil

	case config.DriverSQLite:
		db, err := message.OpenSQLite(cfg.Storage.URL)
		if err != nil {
			return nil, nil, err
		}
		store := message.NewSQLiteStore(db)
		if err := store.Init(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		logger.Infof("storing messages in sqlite at %s", cfg.Storage.URL)
		return store, func() { store.Close() }, nil

	case config.DriverMongo:
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		store, err := message.ConnectMongo(connectCtx, cfg.Storage.URL, cfg.Storage.Database, cfg.Storage.Collection)
		if err != nil {
			return nil, nil, err
		}
		if err := store.Init(connectCtx); err != nil {
			store.Close(context.Background())
			return nil, nil, err
		}
		logger.Infof("storing messages in mongo (%s.%s)", cfg.Storage.Database, cfg.Storage.Collection)
		return store, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			store.Close(closeCtx)
		}, nil

	default:
		logger.Warn("storing messages in memory; history is lost on restart")
		return message.NewMemoryStore(), func() {}, nil
	}
}

func buildLimiter(ctx context.Context, cfg config.Config, logger *logrus.Logger) (ws.Limiter, error) {
	rules := map[ratelimit.Kind]ratelimit.Rule{
		ratelimit.KindMessage: {Max: cfg.Limits.Message.Max, Window: cfg.Limits.Message.Window},
		ratelimit.KindTyping:  {Max: cfg.Limits.Typing.Max, Window: cfg.Limits.Typing.Window},
	}

	if cfg.Limits.Backend == config.DriverRedis {
		addr := cfg.LimitsRedisAddr()
		rdb, err := connectRedis(ctx, addr)
		if err != nil {
			return nil, err
		}
		logger.Infof("rate limiting through redis at %s", addr)
		return ratelimit.NewRedisLimiter(rdb, rules, logger), nil
	}

	limiter := ratelimit.New(rules)
	go limiter.Run(ctx, limiterSweepInterval)
	return limiter, nil
}

func connectRedis(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return rdb, nil
}
