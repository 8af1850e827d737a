package main

import (
	"context"
	"fmt"
	"time"

	"github.com/BearBump/LockerBox/config"
	"github.com/BearBump/LockerBox/internal/broker/kafka"
	"github.com/BearBump/LockerBox/internal/cache"
	"github.com/BearBump/LockerBox/internal/cache/rediscache"
	"github.com/BearBump/LockerBox/internal/integrations/carrier"
	"github.com/BearBump/LockerBox/internal/integrations/carrier/binderbyte"
	"github.com/BearBump/LockerBox/internal/integrations/carrier/fake"
	"github.com/BearBump/LockerBox/internal/services/detector"
	"github.com/BearBump/LockerBox/internal/services/notify"
	"github.com/BearBump/LockerBox/internal/services/revalidator"
	"github.com/BearBump/LockerBox/internal/services/validation"
	"github.com/BearBump/LockerBox/internal/storage/memstore"
	"github.com/BearBump/LockerBox/internal/storage/pgstore"
	"go.uber.org/zap"
)

type store interface {
	validation.Repository
	revalidator.Repository
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

type workerFactories struct {
	newStore         func(cfg *config.Config, log *zap.Logger) (st store, closeFn func(), err error)
	newCache         func(cfg *config.Config) (cache.BytesCache, func())
	newRateLimiter   func(cfg *config.Config) (revalidator.RateLimiter, func())
	newCarrierClient func(cfg *config.Config, codes []string, log *zap.Logger) carrier.Client
	newProducer      func(cfg *config.Config) (notify.Producer, func())
	newConsumer      func(cfg *config.Config, topic string) (kafkaConsumer, func())
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStore: func(cfg *config.Config, log *zap.Logger) (store, func(), error) {
			if cfg.Database.URL == "" && cfg.Database.Host == "" {
				log.Warn("no database configured, revalidating an empty in-memory store")
				return memstore.New(), nil, nil
			}
			st, err := pgstore.New(cfg.Database.ConnString())
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newCache: func(cfg *config.Config) (cache.BytesCache, func()) {
			if cfg.Redis.Host == "" {
				return nil, nil
			}
			rc := rediscache.New(redisAddr(cfg))
			return rc, func() { _ = rc.Close() }
		},
		newRateLimiter: func(cfg *config.Config) (revalidator.RateLimiter, func()) {
			if cfg.Redis.Host == "" {
				return nil, nil
			}
			rl := rediscache.NewRateLimiter(redisAddr(cfg))
			return rl, func() { _ = rl.Close() }
		},
		newCarrierClient: func(cfg *config.Config, codes []string, log *zap.Logger) carrier.Client {
			if cfg.Provider.Mode == "binderbyte" {
				return binderbyte.New(cfg.Provider.BaseURL, cfg.Provider.APIKey, log)
			}
			return fake.New(codes...)
		},
		newProducer: func(cfg *config.Config) (notify.Producer, func()) {
			if cfg.Kafka.Host == "" {
				return nil, nil
			}
			p := kafka.NewProducer(brokers(cfg))
			return p, func() { _ = p.Close() }
		},
		newConsumer: func(cfg *config.Config, topic string) (kafkaConsumer, func()) {
			if cfg.Kafka.Host == "" {
				return nil, nil
			}
			group := cfg.Kafka.ConsumerGroup
			if group == "" {
				group = "locker-worker"
			}
			c := kafka.NewConsumer(brokers(cfg), topic, group)
			return c, func() { _ = c.Close() }
		},
	}
}

type workerOpts struct {
	swaggerPath string
	onListen    func(httpAddr string)
}

// RunLockerWorker runs the revalidation loop, the notification consumer and the
// worker HTTP server until ctx is cancelled.
func RunLockerWorker(ctx context.Context, cfg *config.Config, f workerFactories, opts workerOpts, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	topic := cfg.Kafka.ShipmentEventsTopic
	if topic == "" {
		topic = "shipment.events"
	}
	pollInterval := secondsOr(cfg.LockerBox.WorkerPollIntervalSeconds, 30*time.Second)
	lease := secondsOr(cfg.LockerBox.WorkerLeaseSeconds, 2*time.Minute)
	batchSize := cfg.LockerBox.WorkerBatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	concurrency := cfg.LockerBox.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	rlPerMin := int64(cfg.LockerBox.WorkerRateLimitPerMinute)
	if rlPerMin <= 0 {
		rlPerMin = 60
	}

	det, err := detector.FromConfig(cfg.Detector)
	if err != nil {
		return err
	}

	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()
	track := func(fn func()) {
		if fn != nil {
			closers = append(closers, fn)
		}
	}

	st, closeFn, err := f.newStore(cfg, log)
	if err != nil {
		return err
	}
	track(closeFn)

	codes := make([]string, 0, len(det.Carriers()))
	for _, c := range det.Carriers() {
		codes = append(codes, c.Code)
	}
	client := f.newCarrierClient(cfg, codes, log)
	producer, closeFn := f.newProducer(cfg)
	track(closeFn)
	notifier := notify.New(producer, topic, log.Named("notify"))
	bc, closeFn := f.newCache(cfg)
	track(closeFn)
	rl, closeFn := f.newRateLimiter(cfg)
	track(closeFn)

	vs := validation.New(st, bc, secondsOr(cfg.LockerBox.ValidationCacheTTLSeconds, 24*time.Hour),
		det, validation.NewVerifier(client, secondsOr(cfg.Provider.CallTimeoutSeconds, 5*time.Second), log.Named("verifier")),
		notifier, log.Named("validation"))

	rv := revalidator.New(st, vs, rl, log.Named("revalidator")).
		WithSettings(pollInterval, batchSize, concurrency, lease, rlPerMin)
	dispatcher := notify.NewDispatcher(log.Named("dispatcher"))

	consumer, closeFn := f.newConsumer(cfg, topic)
	track(closeFn)
	if consumer != nil {
		go func() {
			log.Info("kafka consumer started", zap.String("topic", topic))
			if err := consumer.Consume(ctx, dispatcher.Handle); err != nil && ctx.Err() == nil {
				log.Error("kafka consumer stopped", zap.Error(err))
			}
		}()
	}

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr:    cfg.LockerBox.WorkerHTTPAddr,
			swaggerPath: opts.swaggerPath,
			onListen:    opts.onListen,
			revalidator: rv,
			dispatcher:  dispatcher,
			verifier:    vs,
			cfg:         cfg,
		})
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- rv.Run(ctx) }()

	select {
	case err := <-runErr:
		return err
	case err := <-httpErr:
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("worker http: %w", err)
		}
		return <-runErr
	}
}

func brokers(cfg *config.Config) []string {
	return []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
}

func redisAddr(cfg *config.Config) string {
	return fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
}

func secondsOr(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Second
}
