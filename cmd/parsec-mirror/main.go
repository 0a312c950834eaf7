// parsec-mirror keeps a local directory in step with a workspace: a
// filesystem watcher pushes local edits in, periodic cycles pull the
// synchronized remote state out.
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
	"github.com/Scille/parsec-cloud-sub017/internal/mirror"
	"github.com/Scille/parsec-cloud-sub017/internal/protocol"
	"github.com/Scille/parsec-cloud-sub017/internal/seal"
	"github.com/Scille/parsec-cloud-sub017/internal/storage"
	"github.com/Scille/parsec-cloud-sub017/internal/types"
)

func main() {
	configPath := flag.String("config", envOrDefault("PARSEC_CONFIG", "agent.json"), "configuration file")
	devicePath := flag.String("device", strings.TrimSpace(os.Getenv("PARSEC_DEVICE")), "device file")
	workspaceFlag := flag.String("workspace", "", "workspace ID (overrides the mirror config)")
	localRoot := flag.String("local-root", "", "local directory (overrides the mirror config)")
	remoteRoot := flag.String("remote-root", "", "workspace subtree to mirror (overrides the mirror config)")
	stateFile := flag.String("state-file", "", "mirror state file path")
	debounce := flag.Duration("debounce", durationEnv("PARSEC_MIRROR_DEBOUNCE", 500*time.Millisecond), "delay after a filesystem event before syncing")
	httpTimeout := flag.Duration("http-timeout", durationEnv("PARSEC_HTTP_TIMEOUT", 30*time.Second), "per-request timeout")
	once := flag.Bool("once", false, "run one sync cycle and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	workspaceID, localDir, remoteDir := mirrorTarget(cfg, *workspaceFlag, *localRoot, *remoteRoot)
	if workspaceID == "" {
		log.Fatalf("workspace is required (--workspace or the mirror config section)")
	}
	if localDir == "" {
		log.Fatalf("local root is required (--local-root or the mirror config section)")
	}
	realmID, err := types.ParseVlobID(workspaceID)
	if err != nil {
		log.Fatalf("invalid workspace id %q: %v", workspaceID, err)
	}
	interval, err := cfg.MirrorInterval()
	if err != nil {
		log.Fatalf("invalid mirror interval: %v", err)
	}

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
	ops, err := c.StartWorkspace(ctx, realmID)
	if err != nil {
		log.Fatalf("failed to start workspace %s: %v", realmID, err)
	}

	syncer, err := mirror.NewSyncer(mirror.SyncerOptions{
		Workspace:  ops,
		RemoteRoot: remoteDir,
		LocalRoot:  localDir,
		StateFile:  *stateFile,
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("failed to initialize mirror: %v", err)
	}

	if *once {
		if err := syncer.SyncOnce(ctx); err != nil {
			log.Fatalf("mirror cycle failed: %v", err)
		}
		return
	}
	logger.Info("mirror running", "workspace", realmID.String(), "local", localDir)
	if err := syncer.Watch(ctx, interval, *debounce); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("mirror stopped: %v", err)
	}
}

// mirrorTarget resolves the workspace, local and remote roots from
// flags first, the config's mirror section second.
func mirrorTarget(cfg *config.Config, workspaceFlag, localFlag, remoteFlag string) (workspaceID, localDir, remoteDir string) {
	workspaceID = strings.TrimSpace(workspaceFlag)
	localDir = strings.TrimSpace(localFlag)
	remoteDir = strings.TrimSpace(remoteFlag)
	if cfg.Mirror != nil {
		if workspaceID == "" {
			workspaceID = strings.TrimSpace(cfg.Mirror.Workspace)
		}
		if localDir == "" {
			localDir = strings.TrimSpace(cfg.Mirror.LocalRoot)
		}
		if remoteDir == "" {
			remoteDir = strings.TrimSpace(cfg.Mirror.RemoteRoot)
		}
	}
	return workspaceID, localDir, remoteDir
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
	var parsed slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		parsed = slog.LevelDebug
	case "warn":
		parsed = slog.LevelWarn
	case "error":
		parsed = slog.LevelError
	default:
		parsed = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parsed}))
}
