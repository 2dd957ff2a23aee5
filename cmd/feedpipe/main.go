package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"feedpipe.com/internal/app"
	"feedpipe.com/internal/config"
	"feedpipe.com/internal/status"
	pkgconfig "feedpipe.com/pkg/config"
	"feedpipe.com/pkg/logger"
	"feedpipe.com/pkg/metrics"
	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	service := flag.String("config", "feedpipe", "config name, read from ./config/{name}.yaml")
	flag.Parse()

	// SIGINT / SIGTERM unsubscribe, stop the streams and drain the sinks
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg config.Cfg
	// log.level is the one setting that follows edits of the running config
	if _, err := pkgconfig.LoadAndWatch(*service, &cfg, config.Defaults(), reloadLogLevel); err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger.InitWithFile(cfg.Name, cfg.Log.Level, cfg.Log.File)
	defer logger.Sync()
	metrics.MustRegister()
	gin.SetMode(gin.ReleaseMode)

	a, err := app.New(ctx, cfg, logger.Named("app"))
	if err != nil {
		logger.Fatal(ctx, "init feedpipe", zap.Error(err))
	}
	defer a.Close()

	srv := status.NewServer(ctx, a.Stream(), status.Config{Addr: cfg.Status.Addr, StaleAfter: cfg.Status.StaleAfter})
	if err := a.Run(ctx, srv); err != nil {
		logger.Error(ctx, "feedpipe stopped with error", zap.Error(err))
		return
	}
	logger.Info(ctx, "feedpipe exit")
}

func reloadLogLevel(v *viper.Viper) {
	level := v.GetString("log.level")
	if level == logger.Level().String() {
		return
	}
	if err := logger.SetLevel(level); err != nil {
		logger.Warn(context.Background(), "ignoring log level", zap.String("level", level), zap.Error(err))
		return
	}
	logger.Info(context.Background(), "log level changed", zap.String("level", level))
}
