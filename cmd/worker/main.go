package main

import (
	"log"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"loyalty-engine/pkg/config"
	"loyalty-engine/pkg/db"
	"loyalty-engine/pkg/gen"
	"loyalty-engine/pkg/hashistack/secretmanager"
	"loyalty-engine/pkg/logger"
	"loyalty-engine/pkg/otelcol"
	"loyalty-engine/pkg/redis"
	"loyalty-engine/pkg/task"
	"loyalty-engine/services/webhook"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		otelcol.Module,
		db.Module,
		redis.Module,
		task.Server,
		gen.Module,
		fx.Provide(webhook.NewSigner),
		webhook.Worker,
		fxLogger,
	}

	if os.Getenv("VAULT_ADDR") != "" {
		opts = append(opts, secretmanager.Module)
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})
