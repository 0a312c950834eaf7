package certif_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Scille/parsec-cloud-sub017/internal/certif"
	"github.com/Scille/parsec-cloud-sub017/internal/events"
	"github.com/Scille/parsec-cloud-sub017/internal/protocol"
	"github.com/Scille/parsec-cloud-sub017/internal/protocol/protocoltest"
	"github.com/Scille/parsec-cloud-sub017/internal/seal"
	"github.com/Scille/parsec-cloud-sub017/internal/storage"
	"github.com/Scille/parsec-cloud-sub017/internal/types"
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

// bootstrapDevice seeds the server with root-signed user and device
// certificates, the way organization bootstrap would.
func (e *env) bootstrapDevice(t *testing.T, deviceID types.DeviceID, profile types.UserProfile, humanHandle string, timestamp types.DateTime) *certif.LocalDevice {
	t.Helper()
	device, err := certif.NewLocalDevice("testorg", deviceID)
	if err != nil {
		t.Fatalf("new local device failed: %v", err)
	}
	userRaw, deviceRaw, err := certif.BootstrapUser(e.root, device, profile, humanHandle, "laptop", timestamp)
	if err != nil {
		t.Fatalf("bootstrap certificates failed: %v", err)
	}
	scope := "user/" + string(device.UserID)
	e.server.AppendCertificate(scope, timestamp, userRaw)
	e.server.AppendCertificate(scope, timestamp.Add(time.Microsecond), deviceRaw)
	return device
}

func (e *env) openOps(t *testing.T, device *certif.LocalDevice) (*certif.Ops, *events.Bus) {
	t.Helper()
	return e.openOpsWithCmds(t, device, e.server.ForDevice(device.DeviceID))
}

func (e *env) openOpsWithCmds(t *testing.T, device *certif.LocalDevice, cmds protocol.Cmds) (*certif.Ops, *events.Bus) {
	t.Helper()
	store, err := certif.OpenStore(context.Background(), storage.NewMemoryBackend(), e.root.VerifyKey())
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	bus := events.NewBus()
	return certif.NewOps(device, store, cmds, bus, nil), bus
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

func TestSignVerifyRoundTrip(t *testing.T) {
	key, _ := seal.NewSigningKey()
	cert := &certif.Certificate{
		Type:      certif.TypeRealmRole,
		Author:    "alice@laptop",
		Timestamp: types.Now(),
		RealmRole: &certif.RealmRolePayload{
			RealmID: types.NewVlobID(),
			UserID:  "alice",
			Role:    types.RoleOwner,
		},
	}
	raw, err := certif.Sign(cert, key)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	decoded, err := certif.Verify(raw, key.VerifyKey())
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if decoded.RealmRole == nil || decoded.RealmRole.RealmID != cert.RealmRole.RealmID {
		t.Fatalf("payload did not survive the round trip: %+v", decoded)
	}
	if decoded.Scope() != "realm/"+cert.RealmRole.RealmID.String() {
		t.Fatalf("unexpected scope %q", decoded.Scope())
	}

	other, _ := seal.NewSigningKey()
	if _, err := certif.Verify(raw, other.VerifyKey()); !errors.Is(err, seal.ErrBadSignature) {
		t.Fatalf("expected bad signature, got %v", err)
	}
}

func TestPollIngestsBootstrapCertificates(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	alice := e.bootstrapDevice(t, "alice@laptop", types.ProfileAdmin, "Alice <alice@example.com>", types.Now())
	ops, _ := e.openOps(t, alice)

	count, err := ops.PollServerForNewCertificates(ctx)
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 certificates, got %d", count)
	}
	snap := ops.Store().Current()
	user, ok := snap.User("alice")
	if !ok || user.Profile != types.ProfileAdmin || !user.HasHumanHandle {
		t.Fatalf("unexpected user state: %+v (ok=%v)", user, ok)
	}
	if _, ok := snap.Device("alice@laptop"); !ok {
		t.Fatalf("device certificate was not folded in")
	}

	// A second poll is a no-op.
	count, err = ops.PollServerForNewCertificates(ctx)
	if err != nil || count != 2 {
		t.Fatalf("second poll: count %d, err %v", count, err)
	}
}

func TestPollRejectsCorruptedCertificate(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	alice := e.bootstrapDevice(t, "alice@laptop", types.ProfileAdmin, "", types.Now())
	e.server.AppendCertificate("user/zork", types.Now(), []byte("junk"))
	ops, bus := e.openOps(t, alice)
	sub := bus.Subscribe(nil)
	defer sub.Close()

	_, err := ops.PollServerForNewCertificates(ctx)
	if !errors.Is(err, protocol.ErrInvalidCertificate) {
		t.Fatalf("expected invalid certificate error, got %v", err)
	}
	// The valid prefix is kept.
	if got := ops.Store().Count(); got != 2 {
		t.Fatalf("expected valid prefix of 2, got %d", got)
	}
	if _, found := drainFor[events.EventInvalidCertificate](sub); !found {
		t.Fatalf("no EventInvalidCertificate published")
	}
}

func TestPollRejectsStaleTimestamp(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	base := types.Now()
	adam := e.bootstrapDevice(t, "adam@laptop", types.ProfileAdmin, "", base)
	e.bootstrapDevice(t, "alice@laptop", types.ProfileStandard, "", base.Add(time.Millisecond))

	// Properly signed profile update, but stamped before Alice's device
	// certificate: stale for the user/alice scope.
	stale := &certif.Certificate{
		Type:      certif.TypeUserUpdateProfile,
		Author:    adam.DeviceID,
		Timestamp: base,
		UserUpdateProfile: &certif.UserUpdateProfilePayload{
			UserID:     "alice",
			NewProfile: types.ProfileOutsider,
		},
	}
	raw, err := certif.Sign(stale, adam.SigningKey)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	e.server.AppendCertificate("user/alice", base, raw)

	ops, _ := e.openOps(t, adam)
	_, err = ops.PollServerForNewCertificates(ctx)
	if !errors.Is(err, protocol.ErrInvalidCertificate) {
		t.Fatalf("expected invalid certificate error, got %v", err)
	}
	user, _ := ops.Store().Current().User("alice")
	if user.Profile != types.ProfileStandard {
		t.Fatalf("stale update was folded in: %+v", user)
	}
}

func TestEnsureRealmCreatedOutcomes(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	alice := e.bootstrapDevice(t, "alice@laptop", types.ProfileStandard, "", types.Now())
	ops1, _ := e.openOps(t, alice)
	ops2, _ := e.openOps(t, alice)

	// ops2 syncs before the realm exists, so its view goes stale.
	if _, err := ops2.PollServerForNewCertificates(ctx); err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if _, err := ops1.PollServerForNewCertificates(ctx); err != nil {
		t.Fatalf("poll failed: %v", err)
	}

	realmID := types.NewVlobID()
	outcome, err := ops1.EnsureRealmCreated(ctx, realmID)
	if err != nil || outcome != certif.RealmCreated {
		t.Fatalf("expected created, got %v (%v)", outcome, err)
	}
	if role := ops1.Store().Current().RealmRole(realmID, "alice"); role != types.RoleOwner {
		t.Fatalf("expected owner role after creation, got %q", role)
	}

	outcome, err = ops1.EnsureRealmCreated(ctx, realmID)
	if err != nil || outcome != certif.RealmLocalIdempotent {
		t.Fatalf("expected local idempotent, got %v (%v)", outcome, err)
	}

	outcome, err = ops2.EnsureRealmCreated(ctx, realmID)
	if err != nil || outcome != certif.RealmRemoteIdempotent {
		t.Fatalf("expected remote idempotent, got %v (%v)", outcome, err)
	}
	if role := ops2.Store().Current().RealmRole(realmID, "alice"); role != types.RoleOwner {
		t.Fatalf("stale client did not catch up after remote idempotent create")
	}
}

func TestTimestampRetryBumpsPastScope(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	now := types.Now()
	adam := e.bootstrapDevice(t, "adam@laptop", types.ProfileAdmin, "", now)
	// Bob's certificates sit 2 minutes in the future, inside the
	// ballpark but ahead of any honest local clock.
	e.bootstrapDevice(t, "bob@laptop", types.ProfileStandard, "", now.Add(2*time.Minute))

	ops, _ := e.openOps(t, adam)
	if _, err := ops.PollServerForNewCertificates(ctx); err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if err := ops.UpdateProfile(ctx, "bob", types.ProfileOutsider); err != nil {
		t.Fatalf("update profile failed: %v", err)
	}
	user, _ := ops.Store().Current().User("bob")
	if user.Profile != types.ProfileOutsider {
		t.Fatalf("profile not updated: %+v", user)
	}
	last, _ := ops.Store().Current().LastTimestamp("user/bob")
	if !last.After(now.Add(2 * time.Minute)) {
		t.Fatalf("retried timestamp %s not past the scope's last", last)
	}
}

func TestTimestampOutOfBallparkPublishesDriftEvent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	alice := e.bootstrapDevice(t, "alice@laptop", types.ProfileStandard, "", types.Now())
	ops, bus := e.openOps(t, alice)
	if _, err := ops.PollServerForNewCertificates(ctx); err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	sub := bus.Subscribe(nil)
	defer sub.Close()

	e.server.SetNow(func() types.DateTime { return types.Now().Add(10 * time.Minute) })
	_, err := ops.EnsureRealmCreated(ctx, types.NewVlobID())
	if !errors.Is(err, protocol.ErrTimestampOutOfBallpark) {
		t.Fatalf("expected ballpark error, got %v", err)
	}
	if _, found := drainFor[events.EventTooMuchDriftWithServerClock](sub); !found {
		t.Fatalf("no drift event published")
	}
}

func TestProduceRejectedLocallyBeforeRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.bootstrapDevice(t, "adam@laptop", types.ProfileAdmin, "", types.Now())
	bob := e.bootstrapDevice(t, "bob@laptop", types.ProfileStandard, "", types.Now().Add(time.Millisecond))
	ops, _ := e.openOps(t, bob)
	if _, err := ops.PollServerForNewCertificates(ctx); err != nil {
		t.Fatalf("poll failed: %v", err)
	}

	before := e.server.CertificateCount()
	err := ops.UpdateProfile(ctx, "adam", types.ProfileOutsider)
	if !errors.Is(err, protocol.ErrInvalidCertificate) {
		t.Fatalf("expected local rejection, got %v", err)
	}
	if e.server.CertificateCount() != before {
		t.Fatalf("rejected certificate reached the server")
	}
}

func TestShareRealmGivesNewMemberAllKeys(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	now := types.Now()
	alice := e.bootstrapDevice(t, "alice@laptop", types.ProfileAdmin, "", now)
	bob := e.bootstrapDevice(t, "bob@laptop", types.ProfileStandard, "", now.Add(time.Millisecond))

	aliceOps, _ := e.openOps(t, alice)
	if _, err := aliceOps.PollServerForNewCertificates(ctx); err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	realmID := types.NewVlobID()
	if _, err := aliceOps.BootstrapRealm(ctx, realmID, "wksp"); err != nil {
		t.Fatalf("bootstrap realm failed: %v", err)
	}
	if err := aliceOps.ShareRealm(ctx, realmID, "bob", types.RoleReader); err != nil {
		t.Fatalf("share failed: %v", err)
	}

	bobOps, _ := e.openOps(t, bob)
	if _, err := bobOps.PollServerForNewCertificates(ctx); err != nil {
		t.Fatalf("bob poll failed: %v", err)
	}
	snap := bobOps.Store().Current()
	if role := snap.RealmRole(realmID, "bob"); role != types.RoleReader {
		t.Fatalf("expected reader role, got %q", role)
	}
	// The share triggered a rotation, so bob holds keys 1 and 2 and
	// can open content sealed under the pre-share key.
	if index := snap.CurrentKeyIndex(realmID); index != 2 {
		t.Fatalf("expected key index 2 after share rotation, got %d", index)
	}
	bobKey1, err := bobOps.RealmKey(realmID, 1)
	if err != nil {
		t.Fatalf("bob cannot open key 1: %v", err)
	}
	aliceKey1, err := aliceOps.RealmKey(realmID, 1)
	if err != nil {
		t.Fatalf("alice cannot open key 1: %v", err)
	}
	if bobKey1 != aliceKey1 {
		t.Fatalf("key 1 differs between members")
	}
	name, err := bobOps.RealmName(realmID)
	if err != nil || name != "wksp" {
		t.Fatalf("bob cannot read realm name: %q %v", name, err)
	}
}

func TestShareRevocationRotatesKey(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	now := types.Now()
	alice := e.bootstrapDevice(t, "alice@laptop", types.ProfileAdmin, "", now)
	e.bootstrapDevice(t, "bob@laptop", types.ProfileStandard, "", now.Add(time.Millisecond))

	ops, _ := e.openOps(t, alice)
	if _, err := ops.PollServerForNewCertificates(ctx); err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	realmID := types.NewVlobID()
	if _, err := ops.BootstrapRealm(ctx, realmID, ""); err != nil {
		t.Fatalf("bootstrap realm failed: %v", err)
	}
	if err := ops.ShareRealm(ctx, realmID, "bob", types.RoleContributor); err != nil {
		t.Fatalf("share failed: %v", err)
	}
	if err := ops.ShareRealm(ctx, realmID, "bob", types.RoleNone); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	snap := ops.Store().Current()
	if role := snap.RealmRole(realmID, "bob"); role != types.RoleNone {
		t.Fatalf("bob still holds role %q", role)
	}
	index := snap.CurrentKeyIndex(realmID)
	if index != 3 {
		t.Fatalf("expected key index 3 (create, share, revoke), got %d", index)
	}
	rotation, _ := snap.KeyRotation(realmID, index)
	if _, hasBob := rotation.Keys["bob"]; hasBob {
		t.Fatalf("revoked member received the new key")
	}
}

// recordingCmds records CertificateGet offsets to observe refetches.
type recordingCmds struct {
	protocol.Cmds
	offsets []uint64
}

func (r *recordingCmds) CertificateGet(ctx context.Context, offset uint64) ([][]byte, error) {
	r.offsets = append(r.offsets, offset)
	return r.Cmds.CertificateGet(ctx, offset)
}

func TestRedactionSwitchRebuildsLog(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	now := types.Now()
	adam := e.bootstrapDevice(t, "adam@laptop", types.ProfileAdmin, "Adam <adam@example.com>", now)
	alice := e.bootstrapDevice(t, "alice@laptop", types.ProfileStandard, "Alice <alice@example.com>", now.Add(time.Millisecond))

	adamOps, _ := e.openOps(t, adam)
	if _, err := adamOps.PollServerForNewCertificates(ctx); err != nil {
		t.Fatalf("adam poll failed: %v", err)
	}
	if err := adamOps.UpdateProfile(ctx, "alice", types.ProfileOutsider); err != nil {
		t.Fatalf("update profile failed: %v", err)
	}

	recording := &recordingCmds{Cmds: e.server.ForDevice(alice.DeviceID)}
	aliceOps, _ := e.openOpsWithCmds(t, alice, recording)
	count, err := aliceOps.PollServerForNewCertificates(ctx)
	if err != nil {
		t.Fatalf("alice poll failed: %v", err)
	}
	if count != uint64(e.server.CertificateCount()) {
		t.Fatalf("log not rebuilt to server count: %d != %d", count, e.server.CertificateCount())
	}
	// The switch clears the log and refetches from zero: offset 0 must
	// have been requested more than once.
	zeroFetches := 0
	for _, offset := range recording.offsets {
		if offset == 0 {
			zeroFetches++
		}
	}
	if zeroFetches < 2 {
		t.Fatalf("expected a refetch from offset 0 after the redaction switch, offsets: %v", recording.offsets)
	}
}

func TestSnapshotAtIndexIsStable(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	alice := e.bootstrapDevice(t, "alice@laptop", types.ProfileAdmin, "", types.Now())
	ops, _ := e.openOps(t, alice)
	if _, err := ops.PollServerForNewCertificates(ctx); err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	frozen, err := ops.Store().SnapshotAt(ctx, certif.UpToIndex(2))
	if err != nil {
		t.Fatalf("snapshot at index failed: %v", err)
	}
	realmID := types.NewVlobID()
	if _, err := ops.BootstrapRealm(ctx, realmID, ""); err != nil {
		t.Fatalf("bootstrap realm failed: %v", err)
	}
	if frozen.HasRealm(realmID) {
		t.Fatalf("frozen snapshot observed later certificates")
	}
	if !ops.Store().Current().HasRealm(realmID) {
		t.Fatalf("current snapshot misses the realm")
	}
	if frozen.Count() != 2 {
		t.Fatalf("expected frozen count 2, got %d", frozen.Count())
	}
}

func TestStoppedOpsRefuseOperations(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	alice := e.bootstrapDevice(t, "alice@laptop", types.ProfileStandard, "", types.Now())
	ops, _ := e.openOps(t, alice)
	ops.Stop()
	if _, err := ops.PollServerForNewCertificates(ctx); !errors.Is(err, certif.ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if _, err := ops.EnsureRealmCreated(ctx, types.NewVlobID()); !errors.Is(err, certif.ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}
