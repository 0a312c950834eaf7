package client_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Scille/parsec-cloud-sub017/internal/certif"
	"github.com/Scille/parsec-cloud-sub017/internal/client"
	"github.com/Scille/parsec-cloud-sub017/internal/protocol/protocoltest"
	"github.com/Scille/parsec-cloud-sub017/internal/seal"
	"github.com/Scille/parsec-cloud-sub017/internal/storage"
	"github.com/Scille/parsec-cloud-sub017/internal/types"
	"github.com/Scille/parsec-cloud-sub017/internal/workspace"
)

type env struct {
	server *protocoltest.Server
	root   seal.SigningKey
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root, err := seal.NewSigningKey()
	if err != nil {
		t.Fatalf("new root key failed: %v", err)
	}
	return &env{server: protocoltest.NewServer(), root: root}
}

func (e *env) bootstrapDevice(t *testing.T, deviceID types.DeviceID, profile types.UserProfile) *certif.LocalDevice {
	t.Helper()
	device, err := certif.NewLocalDevice("testorg", deviceID)
	if err != nil {
		t.Fatalf("new local device failed: %v", err)
	}
	timestamp := types.Now()
	userRaw, deviceRaw, err := certif.BootstrapUser(e.root, device, profile, "", "laptop", timestamp)
	if err != nil {
		t.Fatalf("bootstrap certificates failed: %v", err)
	}
	scope := "user/" + string(device.UserID)
	e.server.AppendCertificate(scope, timestamp, userRaw)
	e.server.AppendCertificate(scope, timestamp.Add(time.Microsecond), deviceRaw)
	return device
}

func (e *env) openClient(t *testing.T, device *certif.LocalDevice) *client.Client {
	t.Helper()
	ctx := context.Background()
	cmds := e.server.ForDevice(device.DeviceID)
	c, err := client.New(ctx, client.Options{
		Device:   device,
		Backend:  storage.NewMemoryBackend(),
		Cmds:     cmds,
		Listener: cmds,
		RootKey:  e.root.VerifyKey(),
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

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartWorkspaceIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	c := e.openClient(t, e.bootstrapDevice(t, "alice@laptop", types.ProfileAdmin))
	realmID := types.NewVlobID()

	first, err := c.StartWorkspace(ctx, realmID)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	second, err := c.StartWorkspace(ctx, realmID)
	if err != nil {
		t.Fatalf("second start failed: %v", err)
	}
	if first != second {
		t.Fatalf("starting twice should return the same instance")
	}
	got, err := c.Workspace(realmID)
	if err != nil || got != first {
		t.Fatalf("lookup returned %v, %v", got, err)
	}

	if err := c.StopWorkspace(realmID); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if _, err := c.Workspace(realmID); !errors.Is(err, client.ErrWorkspaceNotStarted) {
		t.Fatalf("expected ErrWorkspaceNotStarted, got %v", err)
	}
	if err := c.StopWorkspace(realmID); !errors.Is(err, client.ErrWorkspaceNotStarted) {
		t.Fatalf("double stop should fail, got %v", err)
	}
	if _, err := first.Stat(ctx, "/"); !errors.Is(err, workspace.ErrStopped) {
		t.Fatalf("stopped workspace should refuse operations, got %v", err)
	}
}

func TestCreateAndListWorkspaces(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	c := e.openClient(t, e.bootstrapDevice(t, "alice@laptop", types.ProfileAdmin))

	realmID, err := c.CreateWorkspace(ctx, "project-x")
	if err != nil {
		t.Fatalf("create workspace failed: %v", err)
	}
	infos := c.ListWorkspaces()
	if len(infos) != 1 {
		t.Fatalf("expected one workspace, got %+v", infos)
	}
	info := infos[0]
	if info.RealmID != realmID || info.Name != "project-x" || info.Role != types.RoleOwner || !info.Started {
		t.Fatalf("unexpected workspace info: %+v", info)
	}
}

func TestEnsureWorkspacesBootstrappedAddsMissingKey(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	c := e.openClient(t, e.bootstrapDevice(t, "alice@laptop", types.ProfileAdmin))
	realmID := types.NewVlobID()

	// Realm created without a key, the way an older client would leave
	// it.
	if _, err := c.Certs().EnsureRealmCreated(ctx, realmID); err != nil {
		t.Fatalf("realm create failed: %v", err)
	}
	if index := c.Certs().Store().Current().CurrentKeyIndex(realmID); index != 0 {
		t.Fatalf("expected no key yet, index %d", index)
	}
	if err := c.EnsureWorkspacesBootstrapped(ctx); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if index := c.Certs().Store().Current().CurrentKeyIndex(realmID); index != 1 {
		t.Fatalf("expected key index 1, got %d", index)
	}
	// Running it again uploads nothing new.
	before := e.server.CertificateCount()
	if err := c.EnsureWorkspacesBootstrapped(ctx); err != nil {
		t.Fatalf("second bootstrap failed: %v", err)
	}
	if e.server.CertificateCount() != before {
		t.Fatalf("second bootstrap should be a no-op")
	}
}

func TestMonitorsPropagateChangesBetweenClients(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	aliceDev := e.bootstrapDevice(t, "alice@laptop", types.ProfileAdmin)
	bobDev := e.bootstrapDevice(t, "bob@laptop", types.ProfileStandard)

	alice := e.openClient(t, aliceDev)
	alice.StartMonitors()
	realmID, err := alice.CreateWorkspace(ctx, "shared")
	if err != nil {
		t.Fatalf("create workspace failed: %v", err)
	}
	aliceWs, err := alice.Workspace(realmID)
	if err != nil {
		t.Fatalf("workspace lookup failed: %v", err)
	}
	if _, err := aliceWs.CreateFile(ctx, "/hello.txt"); err != nil {
		t.Fatalf("create file failed: %v", err)
	}
	fd, err := aliceWs.OpenFile(ctx, "/hello.txt", workspace.ModeWrite)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := aliceWs.FdWrite(ctx, fd, 0, []byte("v1")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := aliceWs.FdClose(ctx, fd); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	// The outbound monitor picks the dirty entries up from the bus.
	waitFor(t, "alice outbound sync", func() bool {
		ids, err := aliceWs.GetNeedOutboundSync(ctx)
		return err == nil && len(ids) == 0
	})

	if err := alice.Certs().ShareRealm(ctx, realmID, bobDev.UserID, types.RoleReader); err != nil {
		t.Fatalf("share failed: %v", err)
	}

	bob := e.openClient(t, bobDev)
	bob.StartMonitors()
	bobWs, err := bob.StartWorkspace(ctx, realmID)
	if err != nil {
		t.Fatalf("bob start workspace failed: %v", err)
	}
	readBob := func() []byte {
		fd, err := bobWs.OpenFile(ctx, "/hello.txt", workspace.ModeRead)
		if err != nil {
			return nil
		}
		defer bobWs.FdClose(ctx, fd)
		data, err := bobWs.FdRead(ctx, fd, 0, 100)
		if err != nil {
			return nil
		}
		return data
	}
	if got := readBob(); !bytes.Equal(got, []byte("v1")) {
		t.Fatalf("bob read %q, want v1", got)
	}

	// A further edit by alice reaches bob through the server push and
	// his inbound monitor.
	fd, err = aliceWs.OpenFile(ctx, "/hello.txt", workspace.ModeWrite)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := aliceWs.FdWrite(ctx, fd, 0, []byte("v2 longer")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := aliceWs.FdClose(ctx, fd); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	waitFor(t, "bob inbound sync", func() bool {
		return bytes.Equal(readBob(), []byte("v2 longer"))
	})
}
