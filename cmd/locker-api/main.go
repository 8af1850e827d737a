package main

import (
	"context"
	"errors"

	"github.com/BearBump/LockerBox/internal/logger"
	"go.uber.org/zap"
)

func main() {
	app := mustBootstrapLockerAPI()
	defer app.Close()

	if err := app.Run(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Get().Error("locker-api stopped", zap.Error(err))
		panic(err)
	}
}
