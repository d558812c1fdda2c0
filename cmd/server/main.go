package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/christopherjohns/chatrelay/internal/chat"
	"github.com/christopherjohns/chatrelay/internal/config"
	"github.com/christopherjohns/chatrelay/internal/message"
	"github.com/christopherjohns/chatrelay/internal/profanity"
	"github.com/christopherjohns/chatrelay/internal/ratelimit"
	"github.com/christopherjohns/chatrelay/internal/server"
	"github.com/christopherjohns/chatrelay/internal/user"
	"github.com/christopherjohns/chatrelay/internal/ws"
	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		regOpts []user.RegistryOption
		srvOpts []server.Option
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
		}
		log.Printf("Connected to Redis at %s", cfg.RedisAddr)

		mirror := user.NewRedisMirror(rdb)
		regOpts = append(regOpts, user.WithObserver(mirror.Notify))
		srvOpts = append(srvOpts, server.WithMirror(mirror))
	}

	maps, err := message.NewMapLinker(cfg.MapURLTemplate)
	if err != nil {
		log.Fatalf("Invalid map template: %v", err)
	}

	users := user.NewRegistry(regOpts...)
	svc := chat.NewService(users,
		message.NewFormatter(message.WithMapLinker(maps)),
		profanity.NewFilter(cfg.BannedWords, cfg.AllowedWords),
	)

	hub := ws.NewHub(ws.NewConnManager(
		ws.WithMaxConns(cfg.MaxConns),
		ws.WithIdleTimeout(cfg.IdleTimeout),
		ws.WithSendBuffer(cfg.SendBuffer),
	))
	handler := ws.NewHandler(hub, svc,
		ws.WithOriginPatterns(cfg.AllowedOrigins...),
		ws.WithMaxMessageLength(cfg.MaxMessageLength),
		ws.WithReadLimit(cfg.ReadLimit),
		ws.WithJoinTimeout(cfg.JoinTimeout),
	)

	srvOpts = append(srvOpts,
		server.WithPublicDir(cfg.PublicDir),
		server.WithLimiter(ratelimit.NewIPLimiter(cfg.UpgradeRateLimit, cfg.UpgradeRateWindow)),
		server.WithShutdownTimeout(cfg.ShutdownTimeout),
	)
	srv := server.New(cfg.ListenAddr, users, hub, handler, srvOpts...)

	log.Printf("Starting chat relay on %s", cfg.ListenAddr)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Printf("Server stopped")
}
