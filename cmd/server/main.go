package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/gopherchat/internal/ai"
	"github.com/suPer8Hu/gopherchat/internal/bootstrap"
	"github.com/suPer8Hu/gopherchat/internal/chat"
	"github.com/suPer8Hu/gopherchat/internal/config"
	"github.com/suPer8Hu/gopherchat/internal/db"
	"github.com/suPer8Hu/gopherchat/internal/httpapi"
	"github.com/suPer8Hu/gopherchat/internal/logger"
	"github.com/suPer8Hu/gopherchat/internal/store/rabbitmq"
	"github.com/suPer8Hu/gopherchat/internal/store/redisstore"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()

	log := logger.New(cfg.LogFile, cfg.Env == "production")
	defer func() { _ = log.Sync() }()
	if err := cfg.Validate(); err != nil {
		log.Fatal("config", zap.Error(err))
	}
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal("db migrate", zap.Error(err))
	}

	reg, err := bootstrap.NewProviderRegistry(cfg)
	if err != nil {
		log.Fatal("provider registry", zap.Error(err))
	}

	defaultProvider, ok := ai.ParseProvider(cfg.DefaultProvider)
	if !ok {
		log.Fatal("unknown AI_PROVIDER", zap.String("provider", cfg.DefaultProvider))
	}

	repo := chat.NewRepo(gdb)

	var locker chat.ChatLocker
	switch cfg.LockBackend {
	case "redis":
		rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := rds.Ping(context.Background()); err != nil {
			log.Fatal("redis ping", zap.Error(err))
		}
		defer rds.Close()
		locker = redisstore.NewChatLocker(rds, cfg.LockTTL)
	default:
		locker = chat.NewMemoryLocker()
	}

	var titles chat.TitleDispatcher
	switch cfg.TitleDispatch {
	case "queue":
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Fatal("rabbit publisher", zap.Error(err))
		}
		defer pub.Close()
		titles = chat.NewQueueTitleDispatcher(pub, repo, log)
	default:
		gen, err := bootstrap.NewTitleGenerator(cfg, repo, reg, log)
		if err != nil {
			log.Fatal("title generator", zap.Error(err))
		}
		titles = chat.NewInlineTitleDispatcher(gen, log)
	}

	svc := chat.NewService(repo, reg, ai.NewModelRegistry(defaultProvider), chat.ServiceOptions{
		Locker:          locker,
		Titles:          titles,
		Logger:          log,
		PersistAttempts: cfg.PersistAttempts,
		PersistBackoff:  cfg.PersistBackoff,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(svc, cfg.JWTSecret, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server started", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Error("server stopped", zap.Error(err))
	}

	// let in-flight title jobs finish
	if w, ok := titles.(interface{ Wait() }); ok {
		w.Wait()
	}
}
