// Command provisionctl runs a single build from the command line: it wires
// the provisioner against a dedicated database connection instead of the
// server's pool, starts one build, and prints its events until it ends.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/docker/docker/client"

	"github.com/hackclub/haas/internal/buildsession"
	"github.com/hackclub/haas/internal/database"
	"github.com/hackclub/haas/internal/provisioner"
	"github.com/hackclub/haas/internal/shared/logging"
)

type config struct {
	DatabaseURL        string        `env:"HAAS_DATABASE_URL,required"`
	LogLevel           string        `env:"HAAS_LOG_LEVEL" envDefault:"info"`
	Environment        string        `env:"HAAS_ENVIRONMENT" envDefault:"development"`
	CaddyAdminURL      string        `env:"HAAS_CADDY_ADMIN_URL" envDefault:"http://localhost:2019"`
	ProxyContainerName string        `env:"HAAS_PROXY_CONTAINER_NAME" envDefault:"caddy-server"`
	WarmUpInterval     time.Duration `env:"HAAS_WARMUP_INTERVAL" envDefault:"5s"`
}

func main() {
	appID := flag.Int64("app-id", 0, "id of the app to build")
	slug := flag.String("slug", "", "slug of the app to build")
	gitURI := flag.String("git-uri", "", "git repository to build from")
	flag.Parse()

	if *appID == 0 || *slug == "" || *gitURI == "" {
		fmt.Fprintln(os.Stderr, "usage: provisionctl -app-id <id> -slug <slug> -git-uri <uri>")
		os.Exit(2)
	}

	cfg := config{}
	if err := env.Parse(&cfg); err != nil {
		slog.Error("failed to parse config", "error", err)
		os.Exit(1)
	}

	logger := logging.NewLogger("provisionctl", cfg.LogLevel, cfg.Environment)
	provisioner.WarmUpInterval = cfg.WarmUpInterval

	ctx := context.Background()

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		logger.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()

	db, err := database.NewConnPort(ctx, cfg.DatabaseURL)
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

	buildID, err := manager.StartBuild(ctx, *appID, *slug, *gitURI)
	if err != nil {
		logger.Error("failed to start build", "app_id", *appID, "error", err)
		os.Exit(1)
	}
	logger.Info("build started", "build_id", buildID)

	events, unsubscribe, ok := manager.Subscribe(buildID)
	if !ok {
		logger.Error("build finalized before it could be observed", "build_id", buildID)
		os.Exit(1)
	}
	defer unsubscribe()

	failed := false
	for ev := range events {
		raw, err := ev.MarshalJSON()
		if err != nil {
			logger.Error("failed to serialize event", "error", err)
			continue
		}
		fmt.Println(string(raw))
		if ev.IsError() {
			failed = true
		}
	}

	if failed {
		os.Exit(1)
	}
}
