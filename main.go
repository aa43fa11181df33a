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

	"AgentChat/global/config"
	"AgentChat/logger"
	midsec "AgentChat/middleware/security"
	chatmod "AgentChat/module/chat"
	"AgentChat/module/chat/ai"
	"AgentChat/module/chat/store"
	chatsvc "AgentChat/service/chat"
	"AgentChat/service/storage"
	redisstore "AgentChat/service/storage/redis"
	"AgentChat/tools/ids"
	"AgentChat/tools/security"

	"github.com/gin-gonic/gin"
)

func main() {
	cfg := config.Load()
	defer logger.Sync()

	ids.SetNodeID(cfg.App.SnowNode)

	if err := redisstore.Init(cfg.Redis); err != nil {
		logger.Errorf("redis init failed: %v", err)
		os.Exit(1)
	}
	defer func() { _ = redisstore.Close() }()
	rdb := redisstore.GetRedis()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	db, err := store.Connect(ctx, cfg.Mongo)
	cancel()
	if err != nil {
		logger.Errorf("mongo connect failed: %v", err)
		os.Exit(1)
	}
	st := store.NewMongoStore(db)
	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	err = st.EnsureIndexes(ctx)
	cancel()
	if err != nil {
		logger.Errorf("mongo index setup failed: %v", err)
		os.Exit(1)
	}

	sessions := storage.NewSessionRegistry(rdb, storage.SessionConfig{
		TTL:             cfg.App.SessionTTL,
		ActivityTimeout: cfg.App.ActivityTimeout,
	})
	queue := storage.NewQueueEngine(rdb, storage.QueueConfig{
		MaxRetries: cfg.App.MaxRetries,
		RetryDelay: cfg.App.RetryDelay,
		MaxAge:     cfg.App.QueueMaxAge,
	})
	msgCache := storage.NewMessageCache(rdb)
	convCache := storage.NewConversationCache(rdb)

	classifier := buildClassifier(cfg.Classifier)
	registry := chatsvc.NewConnRegistry()

	router := chatsvc.NewRouter(chatsvc.RouterConfig{
		ConfidenceThreshold: cfg.App.ConfidenceThreshold,
		AssignTimeout:       cfg.App.AssignTimeout,
		MaxRetries:          cfg.App.MaxRetries,
		RetryDelay:          cfg.App.RetryDelay,
	}, st, classifier, registry, sessions, queue, msgCache, convCache)

	sender := buildSender(cfg.Facebook)
	dispatcher := chatsvc.NewDispatcher(router, sender)

	jwtOpts := security.DefaultOptions(cfg.App.JWTSecret)
	wsServer := chatsvc.NewWsServer(jwtOpts, registry, sessions, router)

	sweeper := chatsvc.NewSweeper(router, dispatcher, sessions, registry, cfg.App.SweepEvery)
	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go sweeper.Run(runCtx)

	engine := gin.New()
	engine.Use(gin.Recovery())

	handler := chatmod.NewHandler(router, wsServer, st, queue, sessions, cfg.Facebook)
	handler.RegisterRoutes(engine, midsec.Options{JWT: jwtOpts})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.App.Port),
		Handler: engine,
	}

	go func() {
		logger.Infof("node %s listening on %s", cfg.App.NodeID, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("http server: %v", err)
			stop()
		}
	}()

	<-runCtx.Done()
	logger.Infof("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	registry.Close()
}

func buildClassifier(cfg config.ClassifierConfig) ai.Classifier {
	if cfg.Provider == "openai" && cfg.APIKey != "" {
		logger.Infof("classifier: openai model=%s", cfg.Model)
		return ai.NewOpenAIClassifier(cfg.APIKey, cfg.Model)
	}
	logger.Infof("classifier: mock keyword rules")
	return ai.NewMockClassifier()
}

func buildSender(cfg config.FacebookConfig) chatsvc.ExternalSender {
	if cfg.PageToken != "" {
		return chatsvc.NewGraphSender(cfg)
	}
	logger.Warnf("FB_PAGE_TOKEN not set, outbound sends are logged only")
	return &chatsvc.LogSender{}
}
