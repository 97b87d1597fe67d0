// Command server runs the provisioning HTTP service: it wires the
// provisioner against the shared connection pool and exposes StartBuild
// and build-event streaming over HTTP.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/hackclub/haas/internal/api"
	"github.com/hackclub/haas/internal/buildsession"
	"github.com/hackclub/haas/internal/database"
	"github.com/hackclub/haas/internal/provisioner"
	"github.com/hackclub/haas/internal/shared/logging"

	"github.com/docker/docker/client"
)

type config struct {
	Port               string        `env:"HAAS_PORT" envDefault:"8080"`
	DatabaseURL        string        `env:"HAAS_DATABASE_URL,required"`
	LogLevel           string        `env:"HAAS_LOG_LEVEL" envDefault:"info"`
	Environment        string        `env:"HAAS_ENVIRONMENT" envDefault:"development"`
	CaddyAdminURL      string        `env:"HAAS_CADDY_ADMIN_URL" envDefault:"http://localhost:2019"`
	ProxyContainerName string        `env:"HAAS_PROXY_CONTAINER_NAME" envDefault:"caddy-server"`
	WarmUpInterval     time.Duration `env:"HAAS_WARMUP_INTERVAL" envDefault:"5s"`
}

func main() {
	cfg := config{}
	if err := env.Parse(&cfg); err != nil {
		slog.Error("failed to parse config", "error", err)
		os.Exit(1)
	}

	logger := logging.NewLogger("haas-server", cfg.LogLevel, cfg.Environment)
	provisioner.WarmUpInterval = cfg.WarmUpInterval

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		logger.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()

	db, err := database.NewPoolPort(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	appStore := database.NewAppStore(db)
	proxy := provisioner.NewCaddyProxy(cfg.CaddyAdminURL, logger)
	fetcher := provisioner.NewFetcher(logger)
	imageBuilder := provisioner.NewImageBuilder(dockerClient, logger)
	deployer := provisioner.NewDeployer(dockerClient, proxy, appStore, cfg.ProxyContainerName, logger)

	manager := buildsession.NewManager(fetcher, imageBuilder, deployer, db, logger)
	svc := api.NewService(&api.Config{Port: cfg.Port}, manager, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	logger.Info("starting haas provisioning service", "port", cfg.Port, "environment", cfg.Environment)
	if err := svc.Start(ctx); err != nil {
		logger.Error("service failed", "error", err)
		os.Exit(1)
	}
	logger.Info("haas provisioning service stopped")
}
