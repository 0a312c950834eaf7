package workspace_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Scille/parsec-cloud-sub017/internal/certif"
	"github.com/Scille/parsec-cloud-sub017/internal/events"
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

func (e *env) bootstrapDevice(t *testing.T, deviceID types.DeviceID, profile types.UserProfile, timestamp types.DateTime) *certif.LocalDevice {
	t.Helper()
	device, err := certif.NewLocalDevice("testorg", deviceID)
	if err != nil {
		t.Fatalf("new local device failed: %v", err)
	}
	userRaw, deviceRaw, err := certif.BootstrapUser(e.root, device, profile, "", "laptop", timestamp)
	if err != nil {
		t.Fatalf("bootstrap certificates failed: %v", err)
	}
	scope := "user/" + string(device.UserID)
	e.server.AppendCertificate(scope, timestamp, userRaw)
	e.server.AppendCertificate(scope, timestamp.Add(time.Microsecond), deviceRaw)
	return device
}

type client struct {
	device *certif.LocalDevice
	certs  *certif.Ops
	ws     *workspace.Ops
	bus    *events.Bus
}

func (e *env) openClient(t *testing.T, device *certif.LocalDevice, realmID types.VlobID) *client {
	t.Helper()
	ctx := context.Background()
	cmds := e.server.ForDevice(device.DeviceID)
	store, err := certif.OpenStore(ctx, storage.NewMemoryBackend(), e.root.VerifyKey())
	if err != nil {
		t.Fatalf("open certificate store failed: %v", err)
	}
	bus := events.NewBus()
	certs := certif.NewOps(device, store, cmds, bus, nil)
	if _, err := certs.PollServerForNewCertificates(ctx); err != nil {
		t.Fatalf("initial certificate poll failed: %v", err)
	}
	ws := workspace.NewOps(realmID, certs, storage.NewMemoryBackend(), cmds, bus, nil)
	if err := ws.EnsureRootExists(ctx); err != nil {
		t.Fatalf("ensure root failed: %v", err)
	}
	return &client{device: device, certs: certs, ws: ws, bus: bus}
}

// syncAll runs outbound sync until no entry needs it anymore.
func syncAll(t *testing.T, c *client) {
	t.Helper()
	ctx := context.Background()
	for round := 0; round < 5; round++ {
		ids, err := c.ws.GetNeedOutboundSync(ctx)
		if err != nil {
			t.Fatalf("list need sync failed: %v", err)
		}
		if len(ids) == 0 {
			return
		}
		for _, id := range ids {
			if err := c.ws.OutboundSync(ctx, id); err != nil {
				t.Fatalf("outbound sync of %s failed: %v", id, err)
			}
		}
	}
	t.Fatalf("outbound sync did not settle")
}

func drainFor[E events.Event](sub *events.Subscription) (E, bool) {
	for {
		event, ok := sub.TryNext()
		if !ok {
			var zero E
			return zero, false
		}
		if matched, ok := event.(E); ok {
			return matched, true
		}
	}
}

func TestFileWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	alice := e.openClient(t, e.bootstrapDevice(t, "alice@laptop", types.ProfileAdmin, types.Now()), types.NewVlobID())

	if _, err := alice.ws.CreateFile(ctx, "/notes.txt"); err != nil {
		t.Fatalf("create file failed: %v", err)
	}
	fd, err := alice.ws.OpenFile(ctx, "/notes.txt", workspace.ModeRead|workspace.ModeWrite)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if n, err := alice.ws.FdWrite(ctx, fd, 0, []byte("hello world")); err != nil || n != 11 {
		t.Fatalf("write failed: n=%d err=%v", n, err)
	}
	// Writing past the end leaves an implicit zero gap.
	if _, err := alice.ws.FdWrite(ctx, fd, 13, []byte("new")); err != nil {
		t.Fatalf("write past end failed: %v", err)
	}
	got, err := alice.ws.FdRead(ctx, fd, 0, 100)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	want := []byte("hello world\x00\x00new")
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	info, err := alice.ws.FdStat(fd)
	if err != nil {
		t.Fatalf("fd stat failed: %v", err)
	}
	if info.Size != 16 {
		t.Fatalf("size should be 16, got %d", info.Size)
	}

	// A zero-length write is a no-op wherever it points.
	if n, err := alice.ws.FdWrite(ctx, fd, 1000, nil); err != nil || n != 0 {
		t.Fatalf("zero-length write: n=%d err=%v", n, err)
	}
	if info, _ := alice.ws.FdStat(fd); info.Size != 16 {
		t.Fatalf("zero-length write must not grow the file, size %d", info.Size)
	}

	// Reads past the end are clamped.
	if got, err := alice.ws.FdRead(ctx, fd, 100, 10); err != nil || len(got) != 0 {
		t.Fatalf("read past end: got %q err=%v", got, err)
	}

	if err := alice.ws.FdClose(ctx, fd); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := alice.ws.FdRead(ctx, fd, 0, 1); !errors.Is(err, workspace.ErrBadFileDescriptor) {
		t.Fatalf("read on closed fd should fail, got %v", err)
	}
	if err := alice.ws.FdClose(ctx, fd); !errors.Is(err, workspace.ErrBadFileDescriptor) {
		t.Fatalf("double close should fail, got %v", err)
	}
}

func TestFdResizeTruncatesAndExtends(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	alice := e.openClient(t, e.bootstrapDevice(t, "alice@laptop", types.ProfileAdmin, types.Now()), types.NewVlobID())

	if _, err := alice.ws.CreateFile(ctx, "/t.txt"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	fd, err := alice.ws.OpenFile(ctx, "/t.txt", workspace.ModeRead|workspace.ModeWrite)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := alice.ws.FdWrite(ctx, fd, 0, []byte("hello world")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := alice.ws.FdResize(ctx, fd, 5); err != nil {
		t.Fatalf("truncate failed: %v", err)
	}
	got, err := alice.ws.FdRead(ctx, fd, 0, 100)
	if err != nil || !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("after truncate read %q err=%v", got, err)
	}
	if err := alice.ws.FdResize(ctx, fd, 8); err != nil {
		t.Fatalf("extend failed: %v", err)
	}
	got, err = alice.ws.FdRead(ctx, fd, 0, 100)
	if err != nil || !bytes.Equal(got, []byte("hello\x00\x00\x00")) {
		t.Fatalf("after extend read %q err=%v", got, err)
	}
}

func TestDescriptorsOnSameEntryShareState(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	alice := e.openClient(t, e.bootstrapDevice(t, "alice@laptop", types.ProfileAdmin, types.Now()), types.NewVlobID())

	if _, err := alice.ws.CreateFile(ctx, "/shared.txt"); err != nil {
		t.Fatalf("create file failed: %v", err)
	}
	fd1, err := alice.ws.OpenFile(ctx, "/shared.txt", workspace.ModeRead|workspace.ModeWrite)
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	fd2, err := alice.ws.OpenFile(ctx, "/shared.txt", workspace.ModeRead|workspace.ModeWrite)
	if err != nil {
		t.Fatalf("second open failed: %v", err)
	}
	if fd1 == fd2 {
		t.Fatalf("descriptors must be distinct, both are %d", fd1)
	}

	// A write through one descriptor is immediately visible through the
	// other, before any flush.
	if _, err := alice.ws.FdWrite(ctx, fd1, 0, []byte("AAAA")); err != nil {
		t.Fatalf("write via fd1 failed: %v", err)
	}
	got, err := alice.ws.FdRead(ctx, fd2, 0, 4)
	if err != nil {
		t.Fatalf("read via fd2 failed: %v", err)
	}
	if !bytes.Equal(got, []byte("AAAA")) {
		t.Fatalf("fd2 read %q, want %q", got, "AAAA")
	}
	if info, err := alice.ws.FdStat(fd2); err != nil || info.Size != 4 {
		t.Fatalf("fd2 stat = %+v, %v", info, err)
	}

	// Closing one descriptor must not discard what the other one still
	// appends afterwards.
	if err := alice.ws.FdClose(ctx, fd1); err != nil {
		t.Fatalf("close fd1 failed: %v", err)
	}
	if _, err := alice.ws.FdWrite(ctx, fd2, 4, []byte("BBBB")); err != nil {
		t.Fatalf("write via fd2 failed: %v", err)
	}
	if err := alice.ws.FdClose(ctx, fd2); err != nil {
		t.Fatalf("close fd2 failed: %v", err)
	}

	fd3, err := alice.ws.OpenFile(ctx, "/shared.txt", workspace.ModeRead)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, err = alice.ws.FdRead(ctx, fd3, 0, 8)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, []byte("AAAABBBB")) {
		t.Fatalf("got %q, want %q", got, "AAAABBBB")
	}
	if err := alice.ws.FdClose(ctx, fd3); err != nil {
		t.Fatalf("close fd3 failed: %v", err)
	}
}

func TestWriteRequiresWriteMode(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	alice := e.openClient(t, e.bootstrapDevice(t, "alice@laptop", types.ProfileAdmin, types.Now()), types.NewVlobID())

	if _, err := alice.ws.CreateFile(ctx, "/readonly.txt"); err != nil {
		t.Fatalf("create file failed: %v", err)
	}
	fd, err := alice.ws.OpenFile(ctx, "/readonly.txt", workspace.ModeRead)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := alice.ws.FdWrite(ctx, fd, 0, []byte("x")); !errors.Is(err, workspace.ErrNotInWriteMode) {
		t.Fatalf("expected ErrNotInWriteMode, got %v", err)
	}
}

func TestFolderOperations(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	alice := e.openClient(t, e.bootstrapDevice(t, "alice@laptop", types.ProfileAdmin, types.Now()), types.NewVlobID())

	if _, err := alice.ws.CreateFolder(ctx, "/docs"); err != nil {
		t.Fatalf("create folder failed: %v", err)
	}
	if _, err := alice.ws.CreateFolder(ctx, "/docs"); !errors.Is(err, workspace.ErrEntryExists) {
		t.Fatalf("duplicate create should fail, got %v", err)
	}
	if _, err := alice.ws.CreateFile(ctx, "/docs/a.txt"); err != nil {
		t.Fatalf("create file failed: %v", err)
	}
	info, err := alice.ws.Stat(ctx, "/docs")
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Type != workspace.TypeFolder || len(info.Children) != 1 || info.Children[0] != "a.txt" {
		t.Fatalf("unexpected folder info: %+v", info)
	}
	if err := alice.ws.RemoveEntry(ctx, "/docs"); !errors.Is(err, workspace.ErrFolderNotEmpty) {
		t.Fatalf("removing a non-empty folder should fail, got %v", err)
	}
	if err := alice.ws.RenameEntry(ctx, "/docs/a.txt", "/b.txt"); err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	if _, err := alice.ws.Stat(ctx, "/docs/a.txt"); !errors.Is(err, workspace.ErrEntryNotFound) {
		t.Fatalf("renamed-away entry should be gone, got %v", err)
	}
	if err := alice.ws.RemoveEntry(ctx, "/b.txt"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := alice.ws.RemoveEntry(ctx, "/docs"); err != nil {
		t.Fatalf("removing the now-empty folder failed: %v", err)
	}
	if _, err := alice.ws.OpenFile(ctx, "/", workspace.ModeRead); !errors.Is(err, workspace.ErrNotAFile) {
		t.Fatalf("opening a folder should fail, got %v", err)
	}
}

func TestOutboundThenInboundConvergence(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	aliceDev := e.bootstrapDevice(t, "alice@laptop", types.ProfileAdmin, types.Now())
	bobDev := e.bootstrapDevice(t, "bob@laptop", types.ProfileStandard, types.Now())
	realmID := types.NewVlobID()

	alice := e.openClient(t, aliceDev, realmID)
	if _, err := alice.ws.CreateFile(ctx, "/notes.txt"); err != nil {
		t.Fatalf("create file failed: %v", err)
	}
	fd, err := alice.ws.OpenFile(ctx, "/notes.txt", workspace.ModeWrite)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	content := []byte("the quick brown fox jumps over the lazy dog")
	if _, err := alice.ws.FdWrite(ctx, fd, 0, content); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := alice.ws.FdClose(ctx, fd); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	syncAll(t, alice)

	// Syncing a fresh workspace must also have created the realm.
	if !alice.certs.Store().Current().HasRealm(realmID) {
		t.Fatalf("realm was not created by the first sync")
	}
	if ids, _ := alice.ws.GetNeedOutboundSync(ctx); len(ids) != 0 {
		t.Fatalf("entries still pending after sync: %v", ids)
	}

	if err := alice.certs.ShareRealm(ctx, realmID, bobDev.UserID, types.RoleManager); err != nil {
		t.Fatalf("share failed: %v", err)
	}

	bob := e.openClient(t, bobDev, realmID)
	info, err := bob.ws.Stat(ctx, "/")
	if err != nil {
		t.Fatalf("bob stat root failed: %v", err)
	}
	if len(info.Children) != 1 || info.Children[0] != "notes.txt" {
		t.Fatalf("bob sees wrong root children: %v", info.Children)
	}
	bobFd, err := bob.ws.OpenFile(ctx, "/notes.txt", workspace.ModeRead)
	if err != nil {
		t.Fatalf("bob open failed: %v", err)
	}
	got, err := bob.ws.FdRead(ctx, bobFd, 0, uint64(len(content)+10))
	if err != nil {
		t.Fatalf("bob read failed: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("bob read %q, want %q", got, content)
	}
}

func TestGetNeedInboundSyncListsNewerEntries(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	aliceDev := e.bootstrapDevice(t, "alice@laptop", types.ProfileAdmin, types.Now())
	bobDev := e.bootstrapDevice(t, "bob@laptop", types.ProfileStandard, types.Now())
	realmID := types.NewVlobID()

	alice := e.openClient(t, aliceDev, realmID)
	if _, err := alice.ws.CreateFile(ctx, "/a.txt"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := alice.ws.CreateFile(ctx, "/b.txt"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	syncAll(t, alice)
	if err := alice.certs.ShareRealm(ctx, realmID, bobDev.UserID, types.RoleReader); err != nil {
		t.Fatalf("share failed: %v", err)
	}

	bob := e.openClient(t, bobDev, realmID)
	pending, err := bob.ws.GetNeedInboundSync(ctx, 0)
	if err != nil {
		t.Fatalf("inbound listing failed: %v", err)
	}
	// Opening the workspace already fetched the root, so only the two
	// files are pending.
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending entries, got %v", pending)
	}
	limited, err := bob.ws.GetNeedInboundSync(ctx, 1)
	if err != nil {
		t.Fatalf("limited inbound listing failed: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit ignored: %v", limited)
	}

	// Listing is read-only: the checkpoint has not advanced.
	if err := bob.ws.RefreshRealmCheckpoint(ctx); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	pending, err = bob.ws.GetNeedInboundSync(ctx, 0)
	if err != nil {
		t.Fatalf("inbound listing failed: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("entries still pending after refresh: %v", pending)
	}
}

func TestConcurrentFolderChangesMerge(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	aliceDev := e.bootstrapDevice(t, "alice@laptop", types.ProfileAdmin, types.Now())
	bobDev := e.bootstrapDevice(t, "bob@laptop", types.ProfileStandard, types.Now())
	realmID := types.NewVlobID()

	alice := e.openClient(t, aliceDev, realmID)
	if _, err := alice.ws.CreateFile(ctx, "/a.txt"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	syncAll(t, alice)
	if err := alice.certs.ShareRealm(ctx, realmID, bobDev.UserID, types.RoleManager); err != nil {
		t.Fatalf("share failed: %v", err)
	}

	bob := e.openClient(t, bobDev, realmID)
	if _, err := bob.ws.Stat(ctx, "/"); err != nil {
		t.Fatalf("bob stat failed: %v", err)
	}

	// Divergent additions: alice syncs first, bob hits the version
	// conflict, merges and reuploads.
	if _, err := alice.ws.CreateFile(ctx, "/c.txt"); err != nil {
		t.Fatalf("alice create failed: %v", err)
	}
	syncAll(t, alice)
	if _, err := bob.ws.CreateFile(ctx, "/b.txt"); err != nil {
		t.Fatalf("bob create failed: %v", err)
	}
	syncAll(t, bob)

	if err := alice.ws.RefreshRealmCheckpoint(ctx); err != nil {
		t.Fatalf("alice refresh failed: %v", err)
	}
	info, err := alice.ws.Stat(ctx, "/")
	if err != nil {
		t.Fatalf("alice stat failed: %v", err)
	}
	want := []string{"a.txt", "b.txt", "c.txt"}
	if len(info.Children) != len(want) {
		t.Fatalf("alice sees %v, want %v", info.Children, want)
	}
	for i, name := range want {
		if info.Children[i] != name {
			t.Fatalf("alice sees %v, want %v", info.Children, want)
		}
	}
}

func TestInboundMergeKeepsLocalFileAndResyncs(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	aliceDev := e.bootstrapDevice(t, "alice@laptop", types.ProfileAdmin, types.Now())
	bobDev := e.bootstrapDevice(t, "bob@laptop", types.ProfileStandard, types.Now())
	realmID := types.NewVlobID()

	alice := e.openClient(t, aliceDev, realmID)
	if _, err := alice.ws.CreateFile(ctx, "/shared.txt"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	syncAll(t, alice)
	if err := alice.certs.ShareRealm(ctx, realmID, bobDev.UserID, types.RoleManager); err != nil {
		t.Fatalf("share failed: %v", err)
	}
	bob := e.openClient(t, bobDev, realmID)
	if _, err := bob.ws.Stat(ctx, "/shared.txt"); err != nil {
		t.Fatalf("bob stat failed: %v", err)
	}

	writeAll := func(c *client, data []byte) {
		fd, err := c.ws.OpenFile(ctx, "/shared.txt", workspace.ModeWrite)
		if err != nil {
			t.Fatalf("open failed: %v", err)
		}
		if _, err := c.ws.FdWrite(ctx, fd, 0, data); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		if err := c.ws.FdClose(ctx, fd); err != nil {
			t.Fatalf("close failed: %v", err)
		}
	}

	writeAll(alice, []byte("from alice"))
	syncAll(t, alice)
	writeAll(bob, []byte("from bob, longer"))

	sub := bob.bus.Subscribe(nil)
	defer sub.Close()
	syncAll(t, bob)
	if _, ok := drainFor[events.EventOutboundSyncDone](sub); !ok {
		t.Fatalf("bob's conflicting upload should have completed")
	}

	// Bob's content won; alice converges on it after a pull.
	if err := alice.ws.RefreshRealmCheckpoint(ctx); err != nil {
		t.Fatalf("alice refresh failed: %v", err)
	}
	fd, err := alice.ws.OpenFile(ctx, "/shared.txt", workspace.ModeRead)
	if err != nil {
		t.Fatalf("alice open failed: %v", err)
	}
	got, err := alice.ws.FdRead(ctx, fd, 0, 100)
	if err != nil {
		t.Fatalf("alice read failed: %v", err)
	}
	if !bytes.Equal(got, []byte("from bob, longer")) {
		t.Fatalf("alice read %q after converging", got)
	}
}

func TestFlushPublishesOutboundSyncNeeded(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	alice := e.openClient(t, e.bootstrapDevice(t, "alice@laptop", types.ProfileAdmin, types.Now()), types.NewVlobID())

	id, err := alice.ws.CreateFile(ctx, "/f.txt")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	fd, err := alice.ws.OpenFile(ctx, "/f.txt", workspace.ModeWrite)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := alice.ws.FdWrite(ctx, fd, 0, []byte("dirty")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	sub := alice.bus.Subscribe(nil)
	defer sub.Close()
	if err := alice.ws.FdFlush(ctx, fd); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	event, ok := drainFor[events.EventOutboundSyncNeeded](sub)
	if !ok || event.EntryID != id {
		t.Fatalf("flush should publish an outbound sync request for the file, got %+v ok=%v", event, ok)
	}
}

func TestStoppedWorkspaceRefusesOperations(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	alice := e.openClient(t, e.bootstrapDevice(t, "alice@laptop", types.ProfileAdmin, types.Now()), types.NewVlobID())

	alice.ws.Stop()
	if _, err := alice.ws.Stat(ctx, "/"); !errors.Is(err, workspace.ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if err := alice.ws.OutboundSync(ctx, alice.ws.RealmID()); !errors.Is(err, workspace.ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestConcurrentFetchesCollapse(t *testing.T) {
	realmID := types.NewVlobID()
	store := workspace.NewStore(realmID, storage.NewMemoryBackend())
	entry := types.NewVlobID()

	var mu sync.Mutex
	calls := 0
	gate := make(chan struct{})
	fetch := func() (*workspace.LocalManifest, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-gate
		return workspace.NewLocalFolder(entry, realmID, "alice@laptop", types.Now()), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.FetchOnce(entry, fetch); err != nil {
				t.Errorf("fetch failed: %v", err)
			}
		}()
	}
	// Give the goroutines time to pile up on the same flight.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected a single collapsed fetch, got %d", calls)
	}
}
