package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/chatpipe/chatpipe/internal/broker"
	"github.com/chatpipe/chatpipe/internal/config"
	"github.com/chatpipe/chatpipe/internal/convstore"
	"github.com/chatpipe/chatpipe/internal/db"
	"github.com/chatpipe/chatpipe/internal/health"
	"github.com/chatpipe/chatpipe/internal/logging"
	"github.com/chatpipe/chatpipe/internal/metrics"
	"github.com/chatpipe/chatpipe/internal/model"
	"github.com/chatpipe/chatpipe/internal/result"
	"github.com/chatpipe/chatpipe/internal/tracing"
	"github.com/chatpipe/chatpipe/internal/worker"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("chatpipe-worker")

	shutdown, err := tracing.InitTracing(ctx, "chatpipe-worker")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	pub, err := broker.NewPublisher(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.TasksTopic, cfg.NSQ.DLQTopic)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer pub.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool, pub))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	// Shared dedup set when Redis is configured, per-process otherwise
	var dedup worker.Deduper
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Plain().WithError(err).Fatal("redis connect failed")
		}
		dedup = worker.NewRedisDeduper(client, cfg.Worker.DedupTTL)
		logger.Plain().WithField("addr", cfg.Redis.Addr).Info("using redis dedup set")
	} else {
		dedup = worker.NewMemoryDeduper(cfg.Worker.DedupTTL)
		logger.Plain().Info("using in-process dedup set")
	}

	proc := worker.New(worker.Deps{
		Store:       convstore.NewPG(pool, cfg.Store.Timeout),
		Model:       model.NewHTTPClient(cfg.Model.BaseURL, cfg.Model.APIKey, cfg.Model.Name, cfg.Model.Deadline),
		Results:     result.NewPublisher(cfg.Result.Secret, cfg.Result.SignatureHeader, cfg.Result.TimestampHeader, cfg.Result.Timeout),
		Retries:     pub,
		DeadLetters: pub,
		DLQStore:    convstore.NewDeadLetters(pool, cfg.Store.Timeout),
		Dedup:       dedup,
		Logger:      logger,
		Config: worker.Config{
			MaxAttempts:    cfg.Worker.MaxAttempts,
			BaseDelay:      cfg.Worker.BaseDelay,
			MaxDelay:       cfg.Worker.MaxDelay,
			JitterPercent:  cfg.Worker.JitterPercent,
			RateLimitFloor: cfg.Worker.RateLimitFloor,
			StoreRetries:   cfg.Worker.StoreRetries,
			MaxTaskAge:     cfg.Worker.MaxTaskAge,
		},
	})

	consumer, err := broker.NewConsumer(broker.ConsumerOpts{
		Topic:       cfg.NSQ.TasksTopic,
		Channel:     cfg.NSQ.WorkerChannel,
		MaxInFlight: cfg.Worker.MaxInFlight,
		MsgTimeout:  cfg.Worker.MsgTimeout,
	}, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}

	handler := func(ctx context.Context, d *broker.Delivery) {
		dec := proc.Process(ctx, d.Envelope)
		if dec.Status == worker.StatusRequeued && dec.RequeueDelay > 0 {
			// Retry copy could not be published; broker redelivers the original
			d.Requeue(dec.RequeueDelay)
			return
		}
		d.Ack()
	}

	if err := consumer.Start(ctx, cfg.Worker.Concurrency, cfg.NSQ.NsqdTCPAddr, cfg.NSQ.LookupHTTPAddr, handler); err != nil {
		logger.Plain().WithError(err).Fatal("nsq connect failed")
	}

	logger.Plain().Info("worker service started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down worker service")
	consumer.Stop()
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("worker service stopped")
}
