package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/LockerBox/config"
	"github.com/BearBump/LockerBox/internal/logger"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}
	if err := logger.Init(cfg.Log.Environment, cfg.Log.Level); err != nil {
		panic(fmt.Sprintf("ошибка инициализации логгера, %v", err))
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = RunLockerWorker(ctx, cfg, defaultWorkerFactories(), workerOpts{swaggerPath: os.Getenv("workerSwaggerPath")}, logger.Get())
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Get().Error("locker-worker stopped", zap.Error(err))
		panic(err)
	}
}
