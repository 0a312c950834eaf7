// Package statusapi exposes a small read-only HTTP surface for a
// running agent: connection state, certificate progress and per
// workspace sync backlog. Meant to be bound to localhost.
package statusapi

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/Scille/parsec-cloud-sub017/internal/client"
	"github.com/Scille/parsec-cloud-sub017/internal/events"
	"github.com/Scille/parsec-cloud-sub017/internal/types"
)

type ServerConfig struct {
	// Token, when non-empty, is required as a bearer token on every
	// route except /health.
	Token string

	Logger *slog.Logger
}

type Server struct {
	client *client.Client
	cfg    ServerConfig
	log    *slog.Logger

	mu     sync.Mutex
	online bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer wraps a client. The server tracks connection state from
// the event bus until Close is called.
func NewServer(c *client.Client, cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		client: c,
		cfg:    cfg,
		log:    logger.With("component", "statusapi"),
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	sub := c.Bus().Subscribe(func(event events.Event) bool {
		switch event.(type) {
		case events.EventOnline, events.EventOffline:
			return true
		}
		return false
	})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer sub.Close()
		for {
			event, err := sub.Next(ctx)
			if err != nil {
				return
			}
			_, online := event.(events.EventOnline)
			s.mu.Lock()
			s.online = online
			s.mu.Unlock()
		}
	}()
	return s
}

func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "status":
		s.handleStatus(w, r)
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "workspaces":
		s.handleWorkspaces(w, r)
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "workspaces" && parts[3] == "sync":
		s.handleWorkspaceSync(w, r, parts[2])
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return false
	}
	presented := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return hmac.Equal([]byte(presented), []byte(s.cfg.Token))
}

type statusResponse struct {
	Device           string `json:"device"`
	Organization     string `json:"organization"`
	Online           bool   `json:"online"`
	CertificateCount uint64 `json:"certificateCount"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	device := s.client.Device()
	s.mu.Lock()
	online := s.online
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, statusResponse{
		Device:           string(device.DeviceID),
		Organization:     string(device.Organization),
		Online:           online,
		CertificateCount: s.client.Certs().Store().Current().Count(),
	})
}

type workspaceResponse struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Role    string `json:"role"`
	Started bool   `json:"started"`
}

func (s *Server) handleWorkspaces(w http.ResponseWriter, _ *http.Request) {
	infos := s.client.ListWorkspaces()
	out := make([]workspaceResponse, 0, len(infos))
	for _, info := range infos {
		out = append(out, workspaceResponse{
			ID:      info.RealmID.String(),
			Name:    info.Name,
			Role:    string(info.Role),
			Started: info.Started,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"workspaces": out})
}

type workspaceSyncResponse struct {
	ID              string   `json:"id"`
	OutboundBacklog []string `json:"outboundBacklog"`
}

func (s *Server) handleWorkspaceSync(w http.ResponseWriter, r *http.Request, rawID string) {
	realmID, err := types.ParseVlobID(rawID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid workspace id")
		return
	}
	ops, err := s.client.Workspace(realmID)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "workspace not started")
		return
	}
	pending, err := ops.GetNeedOutboundSync(r.Context())
	if err != nil {
		s.log.Error("backlog listing failed", "realm", realmID.String(), "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to list sync backlog")
		return
	}
	backlog := make([]string, 0, len(pending))
	for _, entryID := range pending {
		backlog = append(backlog, entryID.String())
	}
	writeJSON(w, http.StatusOK, workspaceSyncResponse{ID: realmID.String(), OutboundBacklog: backlog})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
