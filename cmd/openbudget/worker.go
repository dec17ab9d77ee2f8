package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"openbudget/internal/projection"
	"openbudget/pkg/mq"
	"openbudget/pkg/otel"
	"openbudget/pkg/redis"
	"openbudget/pkg/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var workerMetricsAddr string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume ledger events and maintain the Redis read model",
	RunE:  runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerMetricsAddr, "metrics-addr", ":9102", "address for /healthz, /readyz and /metrics")
	rootCmd.AddCommand(workerCmd)
}

func queueName(prefix, routingKey string) string {
	return fmt.Sprintf("%s.%s.q", prefix, routingKey)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	defer log.Sync()

	if !cfg.MQ.Enabled || !cfg.Redis.Enabled {
		return errors.New("worker needs mq.enabled and redis.enabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := otel.Init(cfg.Otel, log)
	if err != nil {
		return err
	}
	defer shutdownOtel()

	rdb, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	dlq, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		return err
	}
	defer dlq.Close()

	handlers := projection.NewHandlers(
		projection.NewReadModel(rdb).WithActivityLimit(cfg.Projection.ActivityLimit),
		util.NewDeduper(rdb, cfg.Projection.DedupTTL, log),
		util.NewRetryCounter(rdb, cfg.Projection.DedupTTL),
		dlq,
		cfg.Projection.MaxRetries,
		log,
	)

	routes := handlers.Routes()
	keys := make([]string, 0, len(routes))
	for k := range routes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		consumers []*mq.Consumer
		wg        sync.WaitGroup
	)
	defer func() {
		for _, c := range consumers {
			c.Close()
		}
	}()

	for _, routingKey := range keys {
		queue := queueName(cfg.Projection.QueuePrefix, routingKey)
		log.Info("Initializing MQ consumer...",
			zap.String("queue", queue),
			zap.String("routing_key", routingKey),
		)
		consumer, err := mq.NewConsumer(cfg.MQ.URL, queue, routingKey, log)
		if err != nil {
			return fmt.Errorf("consumer %s: %w", routingKey, err)
		}
		consumer.SetHandler(routes[routingKey])
		consumers = append(consumers, consumer)

		wg.Add(1)
		go func(c *mq.Consumer, routingKey string) {
			defer wg.Done()
			if err := c.StartConsuming(ctx); err != nil {
				log.Error("Consumer failed", zap.String("routing_key", routingKey), zap.Error(err))
				stop()
			}
		}(consumer, routingKey)
	}

	srv := &http.Server{
		Addr:              workerMetricsAddr,
		Handler:           workerRouter(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }, consumers),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", zap.Error(err))
		}
	}()

	log.Info("Projection worker running", zap.Int("consumers", len(consumers)))
	<-ctx.Done()

	log.Info("Shutting down projection worker gracefully...")
	for _, c := range consumers {
		c.Stop()
	}
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Metrics server shutdown error", zap.Error(err))
	}
	log.Info("Projection worker shutdown complete")
	return nil
}

func workerRouter(ping func(ctx context.Context) error, consumers []*mq.Consumer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 1*time.Second)
		defer cancel()

		if err := ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "redis_not_ready", "error": err.Error()})
			return
		}
		for _, consumer := range consumers {
			if !consumer.IsConnected() {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "mq_not_ready"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}
