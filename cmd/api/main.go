package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/botfleet/botfleet/internal/adapters/builder"
	"github.com/botfleet/botfleet/internal/adapters/docker"
	"github.com/botfleet/botfleet/internal/adapters/gitrepo"
	botshttp "github.com/botfleet/botfleet/internal/adapters/http"
	"github.com/botfleet/botfleet/internal/adapters/registry"
	"github.com/botfleet/botfleet/internal/core/buildexec"
	"github.com/botfleet/botfleet/internal/core/logbuf"
	"github.com/botfleet/botfleet/internal/core/resolver"
	"github.com/botfleet/botfleet/internal/core/supervisor"
	"github.com/botfleet/botfleet/internal/platform/config"
	"github.com/botfleet/botfleet/internal/platform/logging"
)

func main() {
	configPath := flag.String("config", "botfleet.yaml", "path to the configuration file")
	flag.Parse()

	// local .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	if err := logging.Setup(cfg.Log); err != nil {
		logrus.Fatalf("set up logging: %v", err)
	}

	reg, err := registry.Open(cfg.DatabasePath)
	if err != nil {
		logrus.Fatalf("open registry: %v", err)
	}
	defer reg.Close()

	runtime, err := docker.NewAdapter()
	if err != nil {
		logrus.Fatalf("initialize docker runtime: %v", err)
	}
	imageBuilder, err := builder.NewAdapter()
	if err != nil {
		logrus.Fatalf("initialize image builder: %v", err)
	}

	var policy buildexec.InstallPolicy = buildexec.SkipManagedInstalls{}
	if cfg.Supervision.ExecuteInstalls {
		policy = buildexec.ExecuteAll{}
	}

	sup := supervisor.New(
		cfg.SupervisorConfig(),
		reg,
		runtime,
		imageBuilder,
		resolver.New(cfg.DataDir, gitrepo.NewCloner()),
		buildexec.New(policy),
		logbuf.NewStore(),
	)

	app := fiber.New(fiber.Config{
		AppName:               "botfleet",
		DisableStartupMessage: true,
		BodyLimit:             256 * 1024 * 1024, // bot archives can be large
	})
	botshttp.NewBotHandler(sup).RegisterRoutes(app)

	go func() {
		logrus.Infof("listening on %s", cfg.Listen)
		if err := app.Listen(cfg.Listen); err != nil {
			logrus.Fatalf("server failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logrus.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(ctx); err != nil {
		logrus.Warnf("http shutdown: %v", err)
	}
	sup.Shutdown(ctx)
	logrus.Info("bye")
}
