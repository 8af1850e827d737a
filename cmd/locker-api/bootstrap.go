package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/LockerBox/config"
	"github.com/BearBump/LockerBox/internal/api/lockerapi"
	"github.com/BearBump/LockerBox/internal/auth"
	"github.com/BearBump/LockerBox/internal/broker/kafka"
	"github.com/BearBump/LockerBox/internal/cache"
	"github.com/BearBump/LockerBox/internal/cache/rediscache"
	"github.com/BearBump/LockerBox/internal/integrations/carrier"
	"github.com/BearBump/LockerBox/internal/integrations/carrier/binderbyte"
	"github.com/BearBump/LockerBox/internal/integrations/carrier/fake"
	"github.com/BearBump/LockerBox/internal/logger"
	"github.com/BearBump/LockerBox/internal/services/detector"
	"github.com/BearBump/LockerBox/internal/services/lockers"
	"github.com/BearBump/LockerBox/internal/services/notify"
	"github.com/BearBump/LockerBox/internal/services/validation"
	"github.com/BearBump/LockerBox/internal/services/weights"
	"github.com/BearBump/LockerBox/internal/storage/memstore"
	"github.com/BearBump/LockerBox/internal/storage/pgstore"
	"go.uber.org/zap"
)

// store is satisfied by both pgstore.Storage and memstore.Store.
type store interface {
	validation.Repository
	lockers.Repository
	weights.Repository
}

type apiFactories struct {
	newStore         func(cfg *config.Config, log *zap.Logger) (st store, ping func(context.Context) error, closeFn func(), err error)
	newCache         func(cfg *config.Config) (cache.BytesCache, func())
	newSessions      func(cfg *config.Config) weights.SessionStore
	newCarrierClient func(cfg *config.Config, codes []string, log *zap.Logger) carrier.Client
	newProducer      func(cfg *config.Config) (notify.Producer, func())
}

func defaultAPIFactories() apiFactories {
	return apiFactories{
		newStore: func(cfg *config.Config, log *zap.Logger) (store, func(context.Context) error, func(), error) {
			if cfg.Database.URL == "" && cfg.Database.Host == "" {
				log.Warn("no database configured, using in-memory store")
				return memstore.New(), nil, nil, nil
			}
			st, err := openPostgresWithRetry(cfg.Database.ConnString(), 60*time.Second)
			if err != nil {
				return nil, nil, nil, err
			}
			return st, st.Ping, st.Close, nil
		},
		newCache: func(cfg *config.Config) (cache.BytesCache, func()) {
			if cfg.Redis.Host == "" {
				return nil, nil
			}
			rc := rediscache.New(redisAddr(cfg))
			return rc, func() { _ = rc.Close() }
		},
		newSessions: func(cfg *config.Config) weights.SessionStore {
			ttl := secondsOr(cfg.LockerBox.WeightSessionTTLSeconds, 10*time.Minute)
			if cfg.LockerBox.WeightSessionStore == "memory" || cfg.Redis.Host == "" {
				return weights.NewMemoryStore(ttl)
			}
			return rediscache.NewWeightSessions(redisAddr(cfg), ttl)
		},
		newCarrierClient: func(cfg *config.Config, codes []string, log *zap.Logger) carrier.Client {
			switch cfg.Provider.Mode {
			case "binderbyte":
				return binderbyte.New(cfg.Provider.BaseURL, cfg.Provider.APIKey, log)
			default:
				return fake.New(codes...)
			}
		},
		newProducer: func(cfg *config.Config) (notify.Producer, func()) {
			if cfg.Kafka.Host == "" {
				return nil, nil
			}
			p := kafka.NewProducer([]string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)})
			return p, func() { _ = p.Close() }
		},
	}
}

type lockerAPIApp struct {
	ctx     context.Context
	cancel  context.CancelFunc
	opts    lockerAPIOpts
	deps    lockerAPIDeps
	closers []func()
}

func mustBootstrapLockerAPI() *lockerAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}
	if err := logger.Init(cfg.Log.Environment, cfg.Log.Level); err != nil {
		panic(fmt.Sprintf("ошибка инициализации логгера, %v", err))
	}

	app, err := buildLockerAPI(cfg, swaggerPath, defaultAPIFactories(), logger.Get())
	if err != nil {
		panic(err)
	}
	app.ctx, app.cancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return app
}

func buildLockerAPI(cfg *config.Config, swaggerPath string, f apiFactories, log *zap.Logger) (*lockerAPIApp, error) {
	if cfg.Auth.SigningSecret == "" {
		return nil, fmt.Errorf("auth.signing_secret (AUTH_SIGNING_SECRET) is required")
	}
	httpAddr := cfg.LockerBox.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	topic := cfg.Kafka.ShipmentEventsTopic
	if topic == "" {
		topic = "shipment.events"
	}
	cacheTTL := secondsOr(cfg.LockerBox.ValidationCacheTTLSeconds, 24*time.Hour)
	callTimeout := secondsOr(cfg.Provider.CallTimeoutSeconds, 5*time.Second)
	liveness := secondsOr(cfg.LockerBox.LivenessWindowSeconds, 2*time.Minute)
	recheck := secondsOr(cfg.LockerBox.WorkerRecheckSeconds, 5*time.Minute)

	det, err := detector.FromConfig(cfg.Detector)
	if err != nil {
		return nil, err
	}

	app := &lockerAPIApp{}
	st, ping, closeDB, err := f.newStore(cfg, log)
	if err != nil {
		return nil, err
	}
	app.addCloser(closeDB)

	c, closeCache := f.newCache(cfg)
	app.addCloser(closeCache)
	producer, closeProducer := f.newProducer(cfg)
	app.addCloser(closeProducer)

	codes := make([]string, 0, len(det.Carriers()))
	for _, dc := range det.Carriers() {
		codes = append(codes, dc.Code)
	}
	client := f.newCarrierClient(cfg, codes, log)

	notifier := notify.New(producer, topic, log.Named("notify"))
	verifier := validation.NewVerifier(client, callTimeout, log.Named("verifier"))
	vs := validation.New(st, c, cacheTTL, det, verifier, notifier, log.Named("validation")).
		WithRecheckDelay(recheck)
	ws := weights.New(st, f.newSessions(cfg), notifier, log.Named("weights")).
		WithRange(cfg.LockerBox.WeightMinKg, cfg.LockerBox.WeightMaxKg)
	ls := lockers.New(st, ws, notifier, log.Named("lockers")).
		WithLivenessWindow(liveness)

	app.opts = lockerAPIOpts{httpAddr: httpAddr, swaggerPath: swaggerPath}
	app.deps = lockerAPIDeps{
		api:      lockerapi.New(vs, ls, ws, log.Named("api")),
		verifier: auth.NewVerifier(cfg.Auth.SigningSecret, cfg.Auth.Issuer),
		stats:    func() any { return map[string]any{"verifier": vs.VerifierStats()} },
		ping:     ping,
		log:      log,
	}
	return app, nil
}

func openPostgresWithRetry(connString string, wait time.Duration) (*pgstore.Storage, error) {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgstore.New(connString)
		if err == nil {
			return st, nil
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	return nil, fmt.Errorf("postgres is not ready after %s: %w", wait, lastErr)
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

func (a *lockerAPIApp) addCloser(fn func()) {
	if fn != nil {
		a.closers = append(a.closers, fn)
	}
}

func (a *lockerAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	logger.Sync()
}

func (a *lockerAPIApp) Run() error {
	return runLockerAPI(a.ctx, a.opts, a.deps)
}
