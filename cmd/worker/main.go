package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/gopherchat/internal/bootstrap"
	"github.com/suPer8Hu/gopherchat/internal/chat"
	"github.com/suPer8Hu/gopherchat/internal/config"
	"github.com/suPer8Hu/gopherchat/internal/db"
	"github.com/suPer8Hu/gopherchat/internal/logger"
	"github.com/suPer8Hu/gopherchat/internal/store/rabbitmq"
	"go.uber.org/zap"
)

const (
	maxAttempts = 3
	retryBase   = 5 * time.Second
)

func main() {
	cfg := config.Load()

	log := logger.New(cfg.LogFile, cfg.Env == "production")
	defer func() { _ = log.Sync() }()

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}

	reg, err := bootstrap.NewProviderRegistry(cfg)
	if err != nil {
		log.Fatal("provider registry", zap.Error(err))
	}
	gen, err := bootstrap.NewTitleGenerator(cfg, chat.NewRepo(gdb), reg, log)
	if err != nil {
		log.Fatal("title generator", zap.Error(err))
	}

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatal("rabbit dial", zap.Error(err))
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatal("rabbit channel", zap.Error(err))
	}
	defer ch.Close()

	if err := rabbitmq.DeclareQueues(ch, cfg.RabbitQueue); err != nil {
		log.Fatal("queue declare", zap.Error(err))
	}

	//  strict concurrency control
	concurrency := cfg.WorkerConcurrency

	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatal("qos", zap.Error(err))
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatal("consume", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("worker started", zap.String("queue", cfg.RabbitQueue), zap.Int("concurrency", concurrency))

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	// amqp channels are not safe for concurrent publishing
	var pubMu sync.Mutex
	retry := func(d amqp.Delivery, delay time.Duration) error {
		pubMu.Lock()
		defer pubMu.Unlock()
		return rabbitmq.Retry(ctx, ch, cfg.RabbitQueue, d, delay)
	}

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			wlog := log.With(zap.Int("worker", workerID))
			for d := range jobs {
				handleDelivery(ctx, wlog, gen, d, retry)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Warn("delivery channel closed")
				close(jobs)
				wg.Wait()
				return
			}
			jobs <- d
		}
	}
}

// handleDelivery acks on success, parks the job on the retry queue while
// attempts remain, and otherwise dead-letters it and gives up on the title.
func handleDelivery(ctx context.Context, log *zap.Logger, gen *chat.TitleGenerator, d amqp.Delivery, retry func(amqp.Delivery, time.Duration) error) {
	var job chat.TitleJob
	if err := json.Unmarshal(d.Body, &job); err != nil || job.ChatID == "" {
		log.Warn("bad message", zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	jlog := log.With(zap.String("chat_id", job.ChatID))

	start := time.Now()
	err := gen.Try(ctx, job)
	if err == nil {
		if err := d.Ack(false); err != nil {
			jlog.Warn("ack failed", zap.Error(err))
		}
		jlog.Debug("title done", zap.Duration("cost", time.Since(start)))
		return
	}

	attempt := rabbitmq.Attempt(d)
	jlog.Warn("title attempt failed", zap.Int("attempt", attempt), zap.Duration("cost", time.Since(start)), zap.Error(err))

	if chat.Retryable(err) && attempt+1 < maxAttempts && ctx.Err() == nil {
		delay := retryBase << attempt
		rErr := retry(d, delay)
		if rErr == nil {
			_ = d.Ack(false)
			return
		}
		jlog.Error("retry publish failed", zap.Error(rErr))
	}

	if ctx.Err() != nil {
		// shutting down; let the broker redeliver
		_ = d.Nack(false, true)
		return
	}
	gen.Fail(ctx, job)
	_ = d.Nack(false, false)
}
