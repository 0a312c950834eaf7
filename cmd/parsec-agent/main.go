// parsec-agent runs a headless device: it connects to the server,
// keeps certificates and the configured workspaces in sync, and stays
// up until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Scille/parsec-cloud-sub017/internal/certif"
	"github.com/Scille/parsec-cloud-sub017/internal/client"
	"github.com/Scille/parsec-cloud-sub017/internal/config"
	"github.com/Scille/parsec-cloud-sub017/internal/protocol"
	"github.com/Scille/parsec-cloud-sub017/internal/seal"
	"github.com/Scille/parsec-cloud-sub017/internal/statusapi"
	"github.com/Scille/parsec-cloud-sub017/internal/storage"
	"github.com/Scille/parsec-cloud-sub017/internal/types"
)

func main() {
	configPath := flag.String("config", envOrDefault("PARSEC_CONFIG", "agent.json"), "configuration file")
	devicePath := flag.String("device", strings.TrimSpace(os.Getenv("PARSEC_DEVICE")), "device file")
	httpTimeout := flag.Duration("http-timeout", durationEnv("PARSEC_HTTP_TIMEOUT", 30*time.Second), "per-request timeout")
	statusAddr := flag.String("status-addr", strings.TrimSpace(os.Getenv("PARSEC_STATUS_ADDR")), "local status API address (empty disables it)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if strings.TrimSpace(*devicePath) == "" {
		log.Fatalf("device file is required (--device or PARSEC_DEVICE)")
	}
	passphrase := os.Getenv("PARSEC_DEVICE_PASSPHRASE")
	if passphrase == "" {
		log.Fatalf("PARSEC_DEVICE_PASSPHRASE is required")
	}
	device, err := certif.LoadDevice(*devicePath, passphrase)
	if err != nil {
		log.Fatalf("failed to load device: %v", err)
	}
	if device.Organization != types.OrganizationID(cfg.Organization) {
		log.Fatalf("device belongs to organization %q, config says %q", device.Organization, cfg.Organization)
	}
	if strings.TrimSpace(cfg.RootVerifyKey) == "" {
		log.Fatalf("rootVerifyKey is required in the config")
	}
	var rootKey seal.VerifyKey
	if err := rootKey.UnmarshalText([]byte(strings.TrimSpace(cfg.RootVerifyKey))); err != nil {
		log.Fatalf("invalid rootVerifyKey: %v", err)
	}

	backend, err := storage.BuildBackendFromDSN(cfg.StorageDSN)
	if err != nil {
		log.Fatalf("failed to open storage: %v", err)
	}
	httpClient := &http.Client{Timeout: *httpTimeout}
	cmds := protocol.NewHTTPClient(cfg.Server.URL, device.Organization, cfg.Server.Token, httpClient)
	listener := protocol.NewWebsocketListener(cfg.Server.URL, string(device.Organization), cfg.Server.Token, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := client.New(ctx, client.Options{
		Device:   device,
		Backend:  backend,
		Cmds:     cmds,
		Listener: listener,
		RootKey:  rootKey,
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("failed to start client: %v", err)
	}
	defer c.Stop()
	c.StartMonitors()

	if _, err := c.Certs().PollServerForNewCertificates(ctx); err != nil && !errors.Is(err, protocol.ErrOffline) {
		logger.Warn("initial certificate poll failed", "err", err)
	}
	if err := c.EnsureWorkspacesBootstrapped(ctx); err != nil && !errors.Is(err, protocol.ErrOffline) {
		logger.Warn("workspace bootstrap failed", "err", err)
	}
	for _, raw := range cfg.Workspaces {
		realmID, err := types.ParseVlobID(raw)
		if err != nil {
			log.Fatalf("invalid workspace id %q: %v", raw, err)
		}
		if _, err := c.StartWorkspace(ctx, realmID); err != nil {
			log.Fatalf("failed to start workspace %s: %v", realmID, err)
		}
		logger.Info("workspace started", "realm", realmID.String())
	}

	if *statusAddr != "" {
		status := statusapi.NewServer(c, statusapi.ServerConfig{
			Token:  strings.TrimSpace(os.Getenv("PARSEC_STATUS_TOKEN")),
			Logger: logger,
		})
		defer status.Close()
		srv := &http.Server{Addr: *statusAddr, Handler: status}
		go func() {
			logger.Info("status api listening", "addr", *statusAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status api failed", "err", err)
			}
		}()
		defer srv.Close()
	}

	logger.Info("agent running", "device", string(device.DeviceID), "server", cfg.Server.URL)
	<-ctx.Done()
	logger.Info("agent stopping")
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func newLogger(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(level)}))
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
