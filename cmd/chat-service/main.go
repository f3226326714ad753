package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/beech80/clipt-sub000/internal/cache"
	"github.com/beech80/clipt-sub000/internal/chat"
	"github.com/beech80/clipt-sub000/internal/command"
	"github.com/beech80/clipt-sub000/internal/config"
	"github.com/beech80/clipt-sub000/internal/domain"
	"github.com/beech80/clipt-sub000/internal/emote"
	"github.com/beech80/clipt-sub000/internal/handler"
	"github.com/beech80/clipt-sub000/internal/hub"
	"github.com/beech80/clipt-sub000/internal/idgen"
	"github.com/beech80/clipt-sub000/internal/moderation"
	"github.com/beech80/clipt-sub000/internal/presence"
	"github.com/beech80/clipt-sub000/internal/profile"
	"github.com/beech80/clipt-sub000/internal/realtime"
	"github.com/beech80/clipt-sub000/internal/repository"
	"github.com/beech80/clipt-sub000/internal/session"
	"github.com/beech80/clipt-sub000/pkg/database"
	"github.com/beech80/clipt-sub000/pkg/jwt"
	"github.com/beech80/clipt-sub000/pkg/log"
	"github.com/beech80/clipt-sub000/pkg/middleware"
	"github.com/beech80/clipt-sub000/pkg/pubsub"
	"github.com/beech80/clipt-sub000/pkg/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log.Init(cfg.Log)
	l := log.L()
	l.Info().Str("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).Msg("starting chat service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Relational store: profiles, streams, moderation, and messages unless
	// messages go to Cassandra.
	db, err := database.New(&cfg.Database)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := database.AutoMigrate(db, domain.Models()...); err != nil {
		l.Fatal().Err(err).Msg("failed to migrate database")
	}

	var messages repository.MessageRepository
	switch cfg.Chat.Store {
	case "cassandra":
		cs, err := repository.NewCassandraSession(ctx, cfg.Cassandra)
		if err != nil {
			l.Fatal().Err(err).Msg("failed to connect to cassandra")
		}
		defer cs.Close()
		messages = repository.NewCassandraMessageRepository(cs)
		l.Info().Strs("hosts", cfg.Cassandra.Hosts).Msg("messages stored in cassandra")
	default:
		messages = repository.NewGormMessageRepository(db)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		l.Fatal().Err(err).Str("address", cfg.Redis.Address).Msg("failed to connect to redis")
	}
	defer rdb.Close()

	ps, err := pubsub.NewPubSub(cfg.PubSub)
	if err != nil {
		l.Fatal().Err(err).Str("driver", cfg.PubSub.Driver).Msg("failed to initialize pub/sub")
	}
	broker := realtime.NewBroker(ps)
	defer broker.Close()
	pub := realtime.NewPublisher(broker)

	ids, err := idgen.New(cfg.IDs.Generator, cfg.IDs.MachineID)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to create id generator")
	}

	objects, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to initialize storage")
	}

	tokens, err := jwt.NewManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to create token validator")
	}

	mods := repository.NewGormModerationRepository(db)
	resolver := profile.NewResolver(
		repository.NewGormProfileRepository(db),
		cache.NewRedisProfileCache(rdb, "chat:profile"),
		cfg.Chat.ProfileCacheTTL,
	)
	store := chat.NewStore(chat.Options{
		Repo:       messages,
		Moderators: mods,
		Authors:    resolver,
		Broker:     broker,
		IDs:        ids,
		MaxLimit:   cfg.Chat.MaxHistoryLimit,
	})
	modSvc := moderation.NewService(mods, pub, ids, cfg.Chat.BanDuration)
	gate := moderation.NewGate(
		moderation.NewRedisRateLimiter(rdb, cfg.Chat.RateLimit, cfg.Chat.RateWindow),
		mods,
		moderation.NewRuleFilter(mods),
		cfg.Chat.Cooldown,
	)
	tracker := presence.NewTracker(presence.NewRedisStore(rdb), broker, pub, presence.Config{
		TTL:               cfg.Presence.TTL,
		HeartbeatInterval: cfg.Presence.HeartbeatInterval,
	})

	var live session.LiveChecker
	if cfg.Chat.RequireLive {
		live = tracker
	}
	processor := command.NewProcessor(cfg.Chat.CommandPrefix, cfg.Chat.DefaultTimeout, modSvc, store, resolver)
	submitter := session.NewSubmitter(processor, gate, store, live, cfg.Chat.MaxMessageLen)

	wsHub := hub.NewHub(cfg.WebSocket)
	go wsHub.Run(ctx)

	wsHandler := handler.NewWSHandler(wsHub, &session.Deps{
		Store:          store,
		Presence:       tracker,
		Broker:         broker,
		Submitter:      submitter,
		Moderation:     modSvc,
		HistoryLimit:   cfg.Chat.HistoryLimit,
		TimeoutPresets: cfg.Chat.TimeoutPresets,
		RequireLive:    cfg.Chat.RequireLive,
	}, tokens, cfg.WebSocket)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), log.GinMiddleware(l))
	handler.NewHTTPHandler(handler.HTTPDeps{
		Store:          store,
		Submitter:      submitter,
		Moderation:     modSvc,
		Presence:       tracker,
		Emotes:         emote.NewCatalog(objects, time.Hour),
		AuthMiddleware: middleware.NewAuthMiddleware(tokens),
		HistoryLimit:   cfg.Chat.HistoryLimit,
		InternalToken:  cfg.Server.InternalToken,
	}).RegisterRoutes(engine)

	// WebSocket upgrades bypass gin; everything else is the REST engine.
	mux := http.NewServeMux()
	wsHandler.RegisterRoutes(mux)
	mux.Handle("/", engine)

	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     log.HTTPMiddleware(l)(mux),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		l.Info().Str("addr", server.Addr).Msg("chat service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	l.Info().Msg("shutting down chat service")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		l.Warn().Err(err).Msg("server forced to shutdown")
	}
	// Closing the hub drops every socket; their sessions leave presence.
	cancel()

	l.Info().Msg("chat service stopped")
}
