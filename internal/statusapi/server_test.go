package statusapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Scille/parsec-cloud-sub017/internal/certif"
	"github.com/Scille/parsec-cloud-sub017/internal/client"
	"github.com/Scille/parsec-cloud-sub017/internal/events"
	"github.com/Scille/parsec-cloud-sub017/internal/protocol/protocoltest"
	"github.com/Scille/parsec-cloud-sub017/internal/seal"
	"github.com/Scille/parsec-cloud-sub017/internal/statusapi"
	"github.com/Scille/parsec-cloud-sub017/internal/storage"
	"github.com/Scille/parsec-cloud-sub017/internal/types"
)

func openClient(t *testing.T) *client.Client {
	t.Helper()
	ctx := context.Background()
	root, err := seal.NewSigningKey()
	if err != nil {
		t.Fatalf("new root key failed: %v", err)
	}
	server := protocoltest.NewServer()
	device, err := certif.NewLocalDevice("testorg", "alice@laptop")
	if err != nil {
		t.Fatalf("new local device failed: %v", err)
	}
	timestamp := types.Now()
	userRaw, deviceRaw, err := certif.BootstrapUser(root, device, types.ProfileAdmin, "", "laptop", timestamp)
	if err != nil {
		t.Fatalf("bootstrap certificates failed: %v", err)
	}
	scope := "user/" + string(device.UserID)
	server.AppendCertificate(scope, timestamp, userRaw)
	server.AppendCertificate(scope, timestamp.Add(time.Microsecond), deviceRaw)

	cmds := server.ForDevice(device.DeviceID)
	c, err := client.New(ctx, client.Options{
		Device:  device,
		Backend: storage.NewMemoryBackend(),
		Cmds:    cmds,
		RootKey: root.VerifyKey(),
	})
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}
	t.Cleanup(c.Stop)
	if _, err := c.Certs().PollServerForNewCertificates(ctx); err != nil {
		t.Fatalf("initial poll failed: %v", err)
	}
	return c
}

func getJSON(t *testing.T, handler http.Handler, path, token string, out any) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("bad json from %s: %v", path, err)
		}
	}
	return rec.Code
}

func TestStatusReflectsClientState(t *testing.T) {
	ctx := context.Background()
	c := openClient(t)
	s := statusapi.NewServer(c, statusapi.ServerConfig{})
	defer s.Close()

	var status struct {
		Device           string `json:"device"`
		Organization     string `json:"organization"`
		Online           bool   `json:"online"`
		CertificateCount uint64 `json:"certificateCount"`
	}
	if code := getJSON(t, s, "/v1/status", "", &status); code != http.StatusOK {
		t.Fatalf("status returned %d", code)
	}
	if status.Device != "alice@laptop" || status.Organization != "testorg" {
		t.Fatalf("unexpected identity: %+v", status)
	}
	if status.CertificateCount != 2 {
		t.Fatalf("certificate count %d, want 2", status.CertificateCount)
	}

	c.Bus().Publish(events.EventOnline{})
	deadline := time.Now().Add(time.Second)
	for {
		getJSON(t, s, "/v1/status", "", &status)
		if status.Online {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("online flag never flipped")
		}
		time.Sleep(5 * time.Millisecond)
	}

	realmID, err := c.CreateWorkspace(ctx, "project-x")
	if err != nil {
		t.Fatalf("create workspace failed: %v", err)
	}
	var workspaces struct {
		Workspaces []struct {
			ID      string `json:"id"`
			Name    string `json:"name"`
			Role    string `json:"role"`
			Started bool   `json:"started"`
		} `json:"workspaces"`
	}
	if code := getJSON(t, s, "/v1/workspaces", "", &workspaces); code != http.StatusOK {
		t.Fatalf("workspaces returned %d", code)
	}
	if len(workspaces.Workspaces) != 1 {
		t.Fatalf("expected one workspace, got %+v", workspaces.Workspaces)
	}
	got := workspaces.Workspaces[0]
	if got.ID != realmID.String() || got.Name != "project-x" || got.Role != string(types.RoleOwner) || !got.Started {
		t.Fatalf("unexpected workspace: %+v", got)
	}

	var sync struct {
		ID              string   `json:"id"`
		OutboundBacklog []string `json:"outboundBacklog"`
	}
	if code := getJSON(t, s, "/v1/workspaces/"+realmID.String()+"/sync", "", &sync); code != http.StatusOK {
		t.Fatalf("sync returned %d", code)
	}
	if sync.ID != realmID.String() {
		t.Fatalf("unexpected sync payload: %+v", sync)
	}
}

func TestTokenRequiredWhenConfigured(t *testing.T) {
	c := openClient(t)
	s := statusapi.NewServer(c, statusapi.ServerConfig{Token: "s3cret"})
	defer s.Close()

	if code := getJSON(t, s, "/health", "", nil); code != http.StatusOK {
		t.Fatalf("health should stay open, got %d", code)
	}
	if code := getJSON(t, s, "/v1/status", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", code)
	}
	if code := getJSON(t, s, "/v1/status", "wrong", nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with a wrong token, got %d", code)
	}
	if code := getJSON(t, s, "/v1/status", "s3cret", nil); code != http.StatusOK {
		t.Fatalf("expected 200 with the token, got %d", code)
	}
}

func TestUnknownRouteAndBadWorkspaceID(t *testing.T) {
	c := openClient(t)
	s := statusapi.NewServer(c, statusapi.ServerConfig{})
	defer s.Close()

	if code := getJSON(t, s, "/v1/nope", "", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
	if code := getJSON(t, s, "/v1/workspaces/not-a-uuid/sync", "", nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	if code := getJSON(t, s, "/v1/workspaces/"+types.NewVlobID().String()+"/sync", "", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for a workspace that is not started, got %d", code)
	}
}
