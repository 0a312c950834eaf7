package certif

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Scille/parsec-cloud-sub017/internal/codec"
	"github.com/Scille/parsec-cloud-sub017/internal/events"
	"github.com/Scille/parsec-cloud-sub017/internal/protocol"
	"github.com/Scille/parsec-cloud-sub017/internal/seal"
	"github.com/Scille/parsec-cloud-sub017/internal/types"
)

// maxTimestampRetries bounds the bump-and-resubmit loop on
// RequireGreaterTimestamp replies.
const maxTimestampRetries = 8

var (
	ErrStopped                = errors.New("certificate ops stopped")
	ErrTimestampDriftExceeded = errors.New("timestamp retries exceeded, clocks drift too fast")
	ErrRealmKeyNotFound       = errors.New("realm key not found")
	ErrNoKeyAccess            = errors.New("no key access for this realm key")
)

// Ops drives the certificate side against the server: polling new
// certificates into the store and producing new ones with the bounded
// timestamp retry protocol.
type Ops struct {
	device *LocalDevice
	store  *Store
	cmds   protocol.Cmds
	bus    *events.Bus
	log    *slog.Logger

	// pollMu keeps a single poll cycle in flight.
	pollMu  sync.Mutex
	stopped atomic.Bool
}

func NewOps(device *LocalDevice, store *Store, cmds protocol.Cmds, bus *events.Bus, logger *slog.Logger) *Ops {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ops{
		device: device,
		store:  store,
		cmds:   cmds,
		bus:    bus,
		log:    logger.With("component", "certif"),
	}
}

func (o *Ops) Device() *LocalDevice { return o.device }
func (o *Ops) Store() *Store        { return o.store }

// Stop makes every subsequent operation fail with ErrStopped.
func (o *Ops) Stop() { o.stopped.Store(true) }

func (o *Ops) guard() error {
	if o.stopped.Load() {
		return ErrStopped
	}
	return nil
}

// PollServerForNewCertificates fetches everything past the local log,
// validates and appends it, then runs the redaction switch. Returns
// the resulting log count.
func (o *Ops) PollServerForNewCertificates(ctx context.Context) (uint64, error) {
	if err := o.guard(); err != nil {
		return 0, err
	}
	o.pollMu.Lock()
	defer o.pollMu.Unlock()

	switched := false
	for {
		for {
			offset := o.store.Count()
			batch, err := o.cmds.CertificateGet(ctx, offset)
			if err != nil {
				return o.store.Count(), err
			}
			if len(batch) == 0 {
				break
			}
			added, err := o.store.Ingest(ctx, offset, batch)
			if errors.Is(err, ErrIndexRegressed) {
				continue
			}
			if added > 0 {
				o.bus.Publish(events.EventCertificatesUpdated{Index: o.store.Count()})
			}
			if err != nil {
				var invalid *InvalidCertificateError
				if errors.As(err, &invalid) {
					o.log.Warn("rejected certificate from server",
						"index", invalid.Index, "reason", string(invalid.Reason))
					o.bus.Publish(events.EventInvalidCertificate{Reason: string(invalid.Reason)})
				}
				return o.store.Count(), err
			}
		}
		// One redaction switch per poll: clear the log once the local
		// profile turns Outsider while non-redacted certificates are
		// held, then refetch everything in redacted form.
		if switched {
			break
		}
		self, ok := o.store.Current().User(o.device.UserID)
		if !ok || self.Profile != types.ProfileOutsider || !o.store.Current().HasPersonalData() {
			break
		}
		o.log.Info("local profile is outsider, rebuilding certificate log in redacted form")
		if err := o.store.Clear(ctx); err != nil {
			return 0, err
		}
		switched = true
	}
	return o.store.Count(), nil
}

// withTimestampRetry runs submit with a fresh timestamp, bumping it
// past StrictlyGreaterThan on RequireGreaterTimestamp replies, up to
// maxTimestampRetries attempts.
func (o *Ops) withTimestampRetry(ctx context.Context, submit func(timestamp types.DateTime) error) error {
	timestamp := types.Now()
	for attempt := 0; attempt < maxTimestampRetries; attempt++ {
		err := submit(timestamp)
		var greater *protocol.RequireGreaterTimestampError
		if errors.As(err, &greater) {
			timestamp = laterOf(types.Now(), greater.StrictlyGreaterThan.Add(time.Microsecond))
			continue
		}
		var ballpark *protocol.TimestampOutOfBallparkError
		if errors.As(err, &ballpark) {
			o.bus.Publish(events.EventTooMuchDriftWithServerClock{
				ClientTimestamp: ballpark.ClientTimestamp,
				ServerTimestamp: ballpark.ServerTimestamp,
			})
		}
		return err
	}
	return ErrTimestampDriftExceeded
}

func laterOf(a, b types.DateTime) types.DateTime {
	if a.After(b) {
		return a
	}
	return b
}

// produce signs and submits a certificate built at each attempted
// timestamp, then polls so the accepted certificate lands in the local
// log before returning.
func (o *Ops) produce(ctx context.Context, build func(timestamp types.DateTime) *Certificate, send func(ctx context.Context, timestamp types.DateTime, raw []byte) error) error {
	if err := o.guard(); err != nil {
		return err
	}
	err := o.withTimestampRetry(ctx, func(timestamp types.DateTime) error {
		cert := build(timestamp)
		cert.Author = o.device.DeviceID
		cert.Timestamp = timestamp
		raw, err := Sign(cert, o.device.SigningKey)
		if err != nil {
			return err
		}
		switch validation := o.store.Prevalidate(raw); validation.Verdict {
		case VerdictRetry:
			return &protocol.RequireGreaterTimestampError{StrictlyGreaterThan: validation.StrictlyGreaterThan}
		case VerdictReject:
			return &InvalidCertificateError{Index: o.store.Count() + 1, Reason: validation.Reason}
		}
		return send(ctx, timestamp, raw)
	})
	if err != nil {
		return err
	}
	// The server accepted; pull the certificate into the local log. A
	// failure here is not a failure of the operation, the monitor will
	// catch up.
	if _, pollErr := o.PollServerForNewCertificates(ctx); pollErr != nil {
		o.log.Warn("post-submit certificate poll failed", "err", pollErr)
	}
	return nil
}

type RealmCreateOutcome string

const (
	// RealmCreated means this call uploaded the creation certificate.
	RealmCreated RealmCreateOutcome = "created"
	// RealmLocalIdempotent means the local log already shows the realm.
	RealmLocalIdempotent RealmCreateOutcome = "local_idempotent"
	// RealmRemoteIdempotent means the server already knew the realm,
	// typically after a retried request whose first attempt landed.
	RealmRemoteIdempotent RealmCreateOutcome = "remote_idempotent"
)

// EnsureRealmCreated creates the realm by uploading a self-granted
// Owner role certificate. Calling it again for an existing realm is
// not an error.
func (o *Ops) EnsureRealmCreated(ctx context.Context, realmID types.VlobID) (RealmCreateOutcome, error) {
	if err := o.guard(); err != nil {
		return "", err
	}
	if o.store.Current().RealmRole(realmID, o.device.UserID) != types.RoleNone {
		return RealmLocalIdempotent, nil
	}
	outcome := RealmCreated
	err := o.produce(ctx,
		func(types.DateTime) *Certificate {
			return &Certificate{
				Type: TypeRealmRole,
				RealmRole: &RealmRolePayload{
					RealmID: realmID,
					UserID:  o.device.UserID,
					Role:    types.RoleOwner,
				},
			}
		},
		func(ctx context.Context, timestamp types.DateTime, raw []byte) error {
			err := o.cmds.RealmCreate(ctx, realmID, timestamp, raw)
			if errors.Is(err, protocol.ErrRealmAlreadyExists) {
				outcome = RealmRemoteIdempotent
				return nil
			}
			return err
		})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// ShareRealm grants (or with RoleNone revokes) a role. After a grant
// that allows reading, the realm key is rotated so the new member can
// open a key; after a revocation it is rotated so future content is
// sealed away from the revoked member.
func (o *Ops) ShareRealm(ctx context.Context, realmID types.VlobID, userID types.UserID, role types.RealmRole) error {
	err := o.produce(ctx,
		func(types.DateTime) *Certificate {
			return &Certificate{
				Type: TypeRealmRole,
				RealmRole: &RealmRolePayload{
					RealmID: realmID,
					UserID:  userID,
					Role:    role,
				},
			}
		},
		func(ctx context.Context, timestamp types.DateTime, raw []byte) error {
			return o.cmds.RealmShare(ctx, realmID, timestamp, raw)
		})
	if err != nil {
		return err
	}
	if role == types.RoleNone {
		return o.RotateRealmKey(ctx, realmID)
	}
	if !role.CanRead() {
		return nil
	}
	snap := o.store.Current()
	if index := snap.CurrentKeyIndex(realmID); index > 0 {
		if rotation, ok := snap.KeyRotation(realmID, index); ok {
			if _, hasKey := rotation.Keys[userID]; hasKey {
				return nil
			}
		}
	}
	return o.RotateRealmKey(ctx, realmID)
}

// RotateRealmKey introduces the next realm key. Every current member
// receives the full key bundle (all indexes so far plus the new one)
// sealed for their public key, so freshly shared members can open
// content sealed under earlier indexes too.
func (o *Ops) RotateRealmKey(ctx context.Context, realmID types.VlobID) error {
	if err := o.guard(); err != nil {
		return err
	}
	snap := o.store.Current()
	bundle, _, err := o.keyBundle(snap, realmID)
	if err != nil && !errors.Is(err, ErrRealmKeyNotFound) {
		return err
	}
	newKey, err := seal.NewSecretKey()
	if err != nil {
		return err
	}
	bundle = append(bundle, newKey)
	canary, err := newKey.Encrypt(nil)
	if err != nil {
		return err
	}
	encodedBundle, err := encodeKeyBundle(bundle)
	if err != nil {
		return err
	}
	keys := map[types.UserID][]byte{}
	for _, member := range snap.RealmMembers(realmID) {
		state, ok := snap.User(member)
		if !ok {
			continue
		}
		sealed, err := state.PublicKey.SealAnonymous(encodedBundle)
		if err != nil {
			return fmt.Errorf("seal realm keys for %s: %w", member, err)
		}
		keys[member] = sealed
	}
	keyIndex := snap.CurrentKeyIndex(realmID) + 1
	if uint64(len(bundle)) != keyIndex {
		return fmt.Errorf("realm %s: key bundle holds %d keys, expected %d", realmID, len(bundle), keyIndex)
	}
	return o.produce(ctx,
		func(types.DateTime) *Certificate {
			return &Certificate{
				Type: TypeRealmKeyRotation,
				RealmKeyRotation: &RealmKeyRotationPayload{
					RealmID:  realmID,
					KeyIndex: keyIndex,
					Canary:   canary,
					Keys:     keys,
				},
			}
		},
		func(ctx context.Context, timestamp types.DateTime, raw []byte) error {
			return o.cmds.RealmRotateKey(ctx, realmID, keyIndex, timestamp, raw)
		})
}

// RenameRealm uploads a name certificate sealed with the current realm
// key.
func (o *Ops) RenameRealm(ctx context.Context, realmID types.VlobID, name string) error {
	key, keyIndex, err := o.CurrentRealmKey(realmID)
	if err != nil {
		return err
	}
	encrypted, err := key.Encrypt([]byte(name))
	if err != nil {
		return err
	}
	err = o.produce(ctx,
		func(types.DateTime) *Certificate {
			return &Certificate{
				Type: TypeRealmName,
				RealmName: &RealmNamePayload{
					RealmID:       realmID,
					KeyIndex:      keyIndex,
					EncryptedName: encrypted,
				},
			}
		},
		func(ctx context.Context, timestamp types.DateTime, raw []byte) error {
			return o.cmds.RealmRename(ctx, realmID, timestamp, raw)
		})
	if err != nil {
		return err
	}
	o.bus.Publish(events.EventWorkspaceRenamed{RealmID: realmID, NewName: name})
	return nil
}

// UpdateProfile uploads a profile change for another user; requires
// the local user to be an Admin.
func (o *Ops) UpdateProfile(ctx context.Context, userID types.UserID, profile types.UserProfile) error {
	return o.produce(ctx,
		func(types.DateTime) *Certificate {
			return &Certificate{
				Type: TypeUserUpdateProfile,
				UserUpdateProfile: &UserUpdateProfilePayload{
					UserID:     userID,
					NewProfile: profile,
				},
			}
		},
		func(ctx context.Context, timestamp types.DateTime, raw []byte) error {
			return o.cmds.UserUpdateProfile(ctx, userID, timestamp, raw)
		})
}

// BootstrapRealm makes sure the realm exists with a usable key and,
// when name is non-empty, an initial name. Safe to call again.
func (o *Ops) BootstrapRealm(ctx context.Context, realmID types.VlobID, name string) (RealmCreateOutcome, error) {
	outcome, err := o.EnsureRealmCreated(ctx, realmID)
	if err != nil {
		return "", err
	}
	if o.store.Current().CurrentKeyIndex(realmID) == 0 {
		if err := o.RotateRealmKey(ctx, realmID); err != nil {
			return "", err
		}
	}
	if name != "" {
		if _, _, ok := o.store.Current().RealmEncryptedName(realmID); !ok {
			if err := o.RenameRealm(ctx, realmID, name); err != nil {
				return "", err
			}
		}
	}
	return outcome, nil
}

// keyBundle opens the most recent key bundle the local user has access
// to and checks its newest key against the rotation canary.
func (o *Ops) keyBundle(snap *Snapshot, realmID types.VlobID) ([]seal.SecretKey, *RealmKeyRotationPayload, error) {
	rotations := snap.KeyRotations(realmID)
	if len(rotations) == 0 {
		return nil, nil, fmt.Errorf("realm %s has no key yet: %w", realmID, ErrRealmKeyNotFound)
	}
	for i := len(rotations) - 1; i >= 0; i-- {
		rotation := rotations[i]
		sealed, ok := rotation.Keys[o.device.UserID]
		if !ok {
			continue
		}
		raw, err := o.device.PrivateKey.OpenAnonymous(sealed)
		if err != nil {
			return nil, nil, fmt.Errorf("open realm key bundle: %w", err)
		}
		bundle, err := decodeKeyBundle(raw)
		if err != nil {
			return nil, nil, err
		}
		if uint64(len(bundle)) != rotation.KeyIndex {
			return nil, nil, fmt.Errorf("realm key bundle holds %d keys, rotation says %d", len(bundle), rotation.KeyIndex)
		}
		if _, err := bundle[len(bundle)-1].Decrypt(rotation.Canary); err != nil {
			return nil, nil, fmt.Errorf("realm key does not match rotation canary: %w", err)
		}
		return bundle, rotation, nil
	}
	return nil, nil, fmt.Errorf("realm %s: %w", realmID, ErrNoKeyAccess)
}

// RealmKey returns the realm key introduced at keyIndex.
func (o *Ops) RealmKey(realmID types.VlobID, keyIndex uint64) (seal.SecretKey, error) {
	bundle, _, err := o.keyBundle(o.store.Current(), realmID)
	if err != nil {
		return seal.SecretKey{}, err
	}
	if keyIndex == 0 || keyIndex > uint64(len(bundle)) {
		return seal.SecretKey{}, fmt.Errorf("realm %s key index %d: %w", realmID, keyIndex, ErrRealmKeyNotFound)
	}
	return bundle[keyIndex-1], nil
}

// CurrentRealmKey returns the newest realm key this user can open and
// its index.
func (o *Ops) CurrentRealmKey(realmID types.VlobID) (seal.SecretKey, uint64, error) {
	bundle, rotation, err := o.keyBundle(o.store.Current(), realmID)
	if err != nil {
		return seal.SecretKey{}, 0, err
	}
	return bundle[len(bundle)-1], rotation.KeyIndex, nil
}

func encodeKeyBundle(bundle []seal.SecretKey) ([]byte, error) {
	raw := make([][]byte, len(bundle))
	for i, key := range bundle {
		k := key
		raw[i] = k[:]
	}
	return codec.Marshal(raw)
}

func decodeKeyBundle(data []byte) ([]seal.SecretKey, error) {
	var raw [][]byte
	if err := codec.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("realm key bundle: %w", err)
	}
	bundle := make([]seal.SecretKey, len(raw))
	for i, entry := range raw {
		key, err := seal.SecretKeyFromBytes(entry)
		if err != nil {
			return nil, fmt.Errorf("realm key bundle entry %d: %w", i, err)
		}
		bundle[i] = key
	}
	return bundle, nil
}

// RealmName decrypts the latest realm name certificate; empty when the
// realm was never named.
func (o *Ops) RealmName(realmID types.VlobID) (string, error) {
	encrypted, keyIndex, ok := o.store.Current().RealmEncryptedName(realmID)
	if !ok {
		return "", nil
	}
	key, err := o.RealmKey(realmID, keyIndex)
	if err != nil {
		return "", err
	}
	name, err := key.Decrypt(encrypted)
	if err != nil {
		return "", fmt.Errorf("realm name: %w", err)
	}
	return string(name), nil
}
