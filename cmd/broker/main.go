package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/uzzalhcse/proxybroker/internal/broker"
	"github.com/uzzalhcse/proxybroker/internal/config"
	"github.com/uzzalhcse/proxybroker/internal/logging"
	"github.com/uzzalhcse/proxybroker/internal/pool"
	"github.com/uzzalhcse/proxybroker/internal/proxyid"
	"github.com/uzzalhcse/proxybroker/internal/registry"
	"github.com/uzzalhcse/proxybroker/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	dev := flag.Bool("dev", false, "enable development logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Init(*dev || cfg.Logging.Development); err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	logging.Info("starting proxy broker")

	reg := registry.New(cfg.Broker.MaxErrorCount)
	p := pool.NewTagged(cfg.Broker.SweepInterval())
	factory := transport.NewSOCKS5Factory()

	controller := broker.New(reg, p, factory, logging.Get(), broker.Config{
		MaxProbeAttempts: cfg.Broker.MaxProbeAttempts,
		CheckInterval:    cfg.Broker.CheckInterval(),
		ProbeURL:         cfg.Broker.ProbeURL,
	})

	app := fiber.New(fiber.Config{AppName: "proxybroker"})

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "healthy"})
	})

	app.Post("/proxies", func(c *fiber.Ctx) error {
		var body struct {
			Proxy string            `json:"proxy"`
			Tags  map[string]string `json:"tags"`
		}
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		id, err := controller.Admit(c.Context(), body.Proxy, proxyid.Tags(body.Tags))
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return c.JSON(fiber.Map{"ip": id.IP, "port": id.Port})
	})

	app.Post("/proxies/:key/check", func(c *fiber.Ctx) error {
		proxyString := c.Params("key")
		if err := controller.ManualCheck(c.Context(), proxyString); err != nil {
			return fiber.NewError(fiber.StatusConflict, err.Error())
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"idle": p.Len()})
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		logging.Info("admin HTTP server starting", zap.String("addr", addr))
		if err := app.Listen(addr); err != nil {
			logging.Error("admin HTTP server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logging.Info("shutting down proxy broker")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logging.Error("admin HTTP server shutdown error", zap.Error(err))
	}
	if err := controller.Shutdown(shutdownCtx); err != nil {
		logging.Error("controller shutdown error", zap.Error(err))
	}
}
