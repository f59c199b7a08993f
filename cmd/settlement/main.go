package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"freelancehub-settlement/pkg/config"
	"freelancehub-settlement/pkg/db"
	"freelancehub-settlement/pkg/health"
	"freelancehub-settlement/pkg/logger"
	"freelancehub-settlement/pkg/processor"
	"freelancehub-settlement/pkg/redis"
	"freelancehub-settlement/pkg/server"
	"freelancehub-settlement/pkg/task"
	"freelancehub-settlement/services/account"
	"freelancehub-settlement/services/earning"
	"freelancehub-settlement/services/payout"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		task.Client,
		task.Server,
		health.Module,
		processor.Module,
		fx.Provide(
			provideSnowflakeNode,
		),
		earning.Module,
		account.Module,
		payout.Module,
		payout.TaskModule,
		server.ProvideHTTPServer,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
