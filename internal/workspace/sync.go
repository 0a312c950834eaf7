package workspace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Scille/parsec-cloud-sub017/internal/certif"
	"github.com/Scille/parsec-cloud-sub017/internal/events"
	"github.com/Scille/parsec-cloud-sub017/internal/protocol"
	"github.com/Scille/parsec-cloud-sub017/internal/seal"
	"github.com/Scille/parsec-cloud-sub017/internal/storage"
	"github.com/Scille/parsec-cloud-sub017/internal/types"
)

// maxConflictRetries bounds the merge-and-reupload loop when the
// server keeps rejecting our version as stale.
const maxConflictRetries = 4

var ErrSyncConflictExceeded = errors.New("sync conflict retries exceeded")

// GetNeedOutboundSync lists entries with local changes to upload.
func (o *Ops) GetNeedOutboundSync(ctx context.Context) ([]types.VlobID, error) {
	if err := o.guard(); err != nil {
		return nil, err
	}
	return o.store.ListNeedSync(ctx)
}

// GetNeedInboundSync lists entries the server has a newer version of,
// without advancing the local checkpoint or applying anything. A limit
// of 0 means no limit.
func (o *Ops) GetNeedInboundSync(ctx context.Context, limit int) ([]types.VlobID, error) {
	if err := o.guard(); err != nil {
		return nil, err
	}
	checkpoint, err := o.store.Checkpoint(ctx)
	if err != nil {
		return nil, err
	}
	_, changes, err := o.cmds.VlobPollChanges(ctx, o.realmID, checkpoint)
	if err != nil {
		return nil, err
	}
	out, err := o.filterNewer(ctx, changes)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (o *Ops) filterNewer(ctx context.Context, changes map[types.VlobID]uint32) ([]types.VlobID, error) {
	var out []types.VlobID
	for id, version := range changes {
		local, err := o.store.Get(ctx, id)
		if errors.Is(err, storage.ErrNotInStorage) {
			out = append(out, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if version > local.BaseVersion {
			out = append(out, id)
		}
	}
	return out, nil
}

// RefreshRealmCheckpoint polls the server for vlobs changed since the
// stored checkpoint, pulls every newer entry, then advances the
// checkpoint.
func (o *Ops) RefreshRealmCheckpoint(ctx context.Context) error {
	if err := o.guard(); err != nil {
		return err
	}
	checkpoint, err := o.store.Checkpoint(ctx)
	if err != nil {
		return err
	}
	newCheckpoint, changes, err := o.cmds.VlobPollChanges(ctx, o.realmID, checkpoint)
	if err != nil {
		return err
	}
	newer, err := o.filterNewer(ctx, changes)
	if err != nil {
		return err
	}
	for _, id := range newer {
		if err := o.InboundSync(ctx, id); err != nil {
			return err
		}
	}
	return o.store.SetCheckpoint(ctx, newCheckpoint)
}

// InboundSync pulls the latest remote version of one entry and merges
// it into the local state. A no-op when the entry was never uploaded
// or the local base is already current.
func (o *Ops) InboundSync(ctx context.Context, entryID types.VlobID) error {
	if err := o.guard(); err != nil {
		return err
	}
	vlob, err := o.cmds.VlobRead(ctx, o.realmID, entryID, 0)
	if errors.Is(err, protocol.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return o.applyRemote(ctx, vlob)
}

func (o *Ops) applyRemote(ctx context.Context, vlob protocol.Vlob) error {
	remote, err := o.decodeRemote(vlob)
	if err != nil {
		return err
	}
	o.treeMu.Lock()
	defer o.treeMu.Unlock()
	local, err := o.store.Get(ctx, vlob.VlobID)
	switch {
	case errors.Is(err, storage.ErrNotInStorage):
		local = nil
	case err != nil:
		return err
	case vlob.Version <= local.BaseVersion:
		return nil
	}
	var merged *LocalManifest
	if local == nil {
		merged = FromRemote(remote, vlob.Version)
	} else {
		merged = mergeManifests(local, remote, vlob.Version)
	}
	if err := o.store.Set(ctx, merged); err != nil {
		return err
	}
	o.bus.Publish(events.EventInboundSyncDone{RealmID: o.realmID, EntryID: vlob.VlobID})
	if merged.NeedSync {
		o.bus.Publish(events.EventOutboundSyncNeeded{RealmID: o.realmID, EntryID: vlob.VlobID})
	}
	return nil
}

// OutboundSync uploads the local changes of one entry. A placeholder
// becomes version 1 through vlob_create; anything else goes through
// vlob_update at base version + 1. A stale version triggers an inbound
// merge and a retry.
func (o *Ops) OutboundSync(ctx context.Context, entryID types.VlobID) error {
	if err := o.guard(); err != nil {
		return err
	}
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		m, err := o.store.Get(ctx, entryID)
		if errors.Is(err, storage.ErrNotInStorage) {
			return nil
		}
		if err != nil {
			return err
		}
		if !m.NeedSync {
			return nil
		}
		if !o.certs.Store().Current().HasRealm(o.realmID) {
			// First sync of a locally created workspace also materializes
			// the realm itself: creation certificate and initial key.
			if _, err := o.certs.BootstrapRealm(ctx, o.realmID, ""); err != nil {
				return err
			}
		}
		o.bus.Publish(events.EventOutboundSyncStarted{RealmID: o.realmID, EntryID: entryID})
		conflict, err := o.uploadEntry(ctx, m)
		if err != nil {
			return err
		}
		if !conflict {
			o.bus.Publish(events.EventOutboundSyncDone{RealmID: o.realmID, EntryID: entryID})
			return nil
		}
		if err := o.InboundSync(ctx, entryID); err != nil {
			return err
		}
	}
	return fmt.Errorf("entry %s: %w", entryID, ErrSyncConflictExceeded)
}

// uploadEntry pushes one snapshot of the entry. It reports a version
// conflict instead of failing so the caller can merge and retry.
func (o *Ops) uploadEntry(ctx context.Context, m *LocalManifest) (conflict bool, err error) {
	key, keyIndex, err := o.currentKey(ctx)
	if err != nil {
		return false, err
	}
	remote := m.clone().Entry
	remote.Author = o.device().DeviceID
	if m.Entry.Type == TypeFile && len(m.Fragments) > 0 {
		remote.Blocks, err = o.reshapeBlocks(ctx, m, key, keyIndex)
		if err != nil {
			return false, err
		}
	}
	blob, err := SealManifest(remote, o.device().SigningKey, key)
	if err != nil {
		return false, err
	}
	err = o.withTimestampRetry(ctx, func(timestamp types.DateTime) error {
		if m.IsPlaceholder() {
			return o.cmds.VlobCreate(ctx, o.realmID, m.Entry.ID, keyIndex, timestamp, blob)
		}
		return o.cmds.VlobUpdate(ctx, o.realmID, m.Entry.ID, m.BaseVersion+1, keyIndex, timestamp, blob)
	})
	if errors.Is(err, protocol.ErrBadVersion) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, o.commitUpload(ctx, m, remote, m.BaseVersion+1)
}

// currentKey returns the realm's newest key, rotating one in for a
// realm that has none yet.
func (o *Ops) currentKey(ctx context.Context) (seal.SecretKey, uint64, error) {
	key, keyIndex, err := o.certs.CurrentRealmKey(o.realmID)
	if errors.Is(err, certif.ErrRealmKeyNotFound) {
		if err := o.certs.RotateRealmKey(ctx, o.realmID); err != nil {
			return seal.SecretKey{}, 0, err
		}
		key, keyIndex, err = o.certs.CurrentRealmKey(o.realmID)
	}
	return key, keyIndex, err
}

// reshapeBlocks materializes the file content (base blocks overlaid
// with fragments) and uploads it as fresh blocksize-aligned blocks.
func (o *Ops) reshapeBlocks(ctx context.Context, m *LocalManifest, key seal.SecretKey, keyIndex uint64) ([]BlockAccess, error) {
	blocksize := m.Entry.Blocksize
	if blocksize == 0 {
		blocksize = DefaultBlocksize
	}
	var blocks []BlockAccess
	for offset := uint64(0); offset < m.Entry.Size; offset += blocksize {
		stop := minU64(m.Entry.Size, offset+blocksize)
		part, err := o.readRange(ctx, m, offset, stop)
		if err != nil {
			return nil, err
		}
		sealed, err := key.Encrypt(part)
		if err != nil {
			return nil, err
		}
		blockID := types.NewBlockID()
		err = o.cmds.BlockCreate(ctx, o.realmID, blockID, keyIndex, sealed)
		if err != nil && !errors.Is(err, protocol.ErrBlockAlreadyExists) {
			return nil, err
		}
		blocks = append(blocks, BlockAccess{
			ID:       blockID,
			Offset:   offset,
			Size:     stop - offset,
			Digest:   seal.Hash(part),
			KeyIndex: keyIndex,
		})
	}
	return blocks, nil
}

// commitUpload rebases the stored manifest onto the version the server
// just accepted. Local changes made while the upload was in flight
// stay pending; otherwise the entry becomes clean and its chunks are
// dropped.
func (o *Ops) commitUpload(ctx context.Context, uploaded *LocalManifest, remote Manifest, version uint32) error {
	o.treeMu.Lock()
	defer o.treeMu.Unlock()
	current, err := o.store.Get(ctx, uploaded.Entry.ID)
	if err != nil {
		return err
	}
	unchanged := fragmentsEqual(current.Fragments, uploaded.Fragments) &&
		childrenEqual(current.Entry.Children, uploaded.Entry.Children) &&
		current.Entry.Size == uploaded.Entry.Size
	if unchanged {
		clean := FromRemote(remote, version)
		if err := o.store.Set(ctx, clean); err != nil {
			return err
		}
		for id := range referencedChunks(uploaded.Fragments) {
			if err := o.store.DeleteChunk(ctx, id); err != nil {
				o.log.Warn("chunk cleanup failed", "chunk", id.String(), "err", err)
			}
		}
		return nil
	}
	// Concurrent local writes landed during the upload. The new base
	// already carries the uploaded fragments' bytes, so keeping every
	// remaining fragment as overlay stays correct.
	rebased := current.clone()
	rebased.Base = remote
	rebased.BaseVersion = version
	rebased.Entry.Blocks = append([]BlockAccess(nil), remote.Blocks...)
	rebased.NeedSync = true
	return o.store.Set(ctx, rebased)
}

func fragmentsEqual(a, b []Fragment) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// withTimestampRetry resubmits with a bumped timestamp on
// RequireGreaterTimestamp replies, mirroring the certificate upload
// path.
func (o *Ops) withTimestampRetry(ctx context.Context, submit func(timestamp types.DateTime) error) error {
	const maxAttempts = 8
	timestamp := types.Now()
	for attempt := 0; attempt < maxAttempts; attempt++ {
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
	return certif.ErrTimestampDriftExceeded
}

func laterOf(a, b types.DateTime) types.DateTime {
	if a.After(b) {
		return a
	}
	return b
}
