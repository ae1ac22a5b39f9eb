// Command camera-daemon bridges local capture devices to a MediaMTX media
// server and exposes a JSON-RPC control surface over WebSocket.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/camerakit/camera-daemon/internal/camera"
	"github.com/camerakit/camera-daemon/internal/config"
	"github.com/camerakit/camera-daemon/internal/httpapi"
	"github.com/camerakit/camera-daemon/internal/logging"
	"github.com/camerakit/camera-daemon/internal/mediamtx"
	"github.com/camerakit/camera-daemon/internal/rpc"
	"github.com/camerakit/camera-daemon/internal/security"
	"github.com/camerakit/camera-daemon/internal/service"
)

func main() {
	configPath := flag.String("config", "config/default.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if err := logging.Setup(&cfg.Logging); err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}
	logger := logging.GetLogger("camera-daemon")
	logger.Info("Starting camera daemon")

	if cfg.Security.TokenSecret == "" {
		logger.Fatal("security.token_secret (or CAMERA_SERVICE_JWT_SECRET) must be set")
	}

	tokens, err := security.NewTokenHandler(cfg.Security.TokenSecret, logging.GetLogger("token-handler"))
	if err != nil {
		logger.WithError(err).Fatal("Failed to create token handler")
	}
	keys, err := security.NewAPIKeyStore(cfg.Security.APIKeysPath, logging.GetLogger("api-keys"))
	if err != nil {
		logger.WithError(err).Fatal("Failed to open API key store")
	}
	auth := security.NewAuthManager(tokens, keys, cfg.Server.MaxConnections, cfg.Security.RequestsPerMinute, logging.GetLogger("auth-manager"))

	client := mediamtx.NewClient(&cfg.MediaMTX, logging.GetLogger("mediamtx-client"))
	health := mediamtx.NewHealthSupervisor(client, &cfg.MediaMTX, logging.GetLogger("health-supervisor"))
	paths := mediamtx.NewPathManager(client, &cfg.MediaMTX, logging.GetLogger("path-manager"))
	capture := mediamtx.NewCaptureDriver(client, &cfg.MediaMTX, logging.GetLogger("capture-driver"))

	prober := camera.NewProber(
		&camera.V4L2Executor{},
		time.Duration(cfg.Camera.DetectionTimeout*float64(time.Second)),
		logging.GetLogger("camera-prober"),
	)
	eventSource := camera.NewDeviceEventSource("/dev", logging.GetLogger("device-events"))
	monitor, err := camera.NewMonitor(cfg.Camera, &camera.RealDeviceChecker{}, prober, eventSource, logging.GetLogger("camera-monitor"))
	if err != nil {
		logger.WithError(err).Fatal("Failed to create camera monitor")
	}

	orch := service.NewOrchestrator(cfg, client, health, paths, capture, monitor, auth, logging.GetLogger("orchestrator"))

	session, err := rpc.NewServer(cfg.Server, auth, orch, logging.GetLogger("rpc-server"))
	if err != nil {
		logger.WithError(err).Fatal("Failed to create session server")
	}
	orch.AttachSessionServer(session)

	files := httpapi.NewServer(cfg, tokens, keys, orch, orch, logging.GetLogger("http-api"))

	ctx := context.Background()
	if err := orch.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start service")
	}
	if err := files.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start file/health server")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(shutdownCtx)
	g.Go(func() error { return files.Stop(gctx) })
	g.Go(func() error { return orch.Stop(gctx) })
	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Shutdown completed with errors")
		os.Exit(1)
	}
	logger.Info("Camera daemon stopped")
}
