package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Scille/parsec-cloud-sub017/internal/certif"
	"github.com/Scille/parsec-cloud-sub017/internal/events"
	"github.com/Scille/parsec-cloud-sub017/internal/protocol"
	"github.com/Scille/parsec-cloud-sub017/internal/seal"
	"github.com/Scille/parsec-cloud-sub017/internal/storage"
	"github.com/Scille/parsec-cloud-sub017/internal/types"
)

var ErrStopped = errors.New("workspace stopped")

// Ops is the entry point of one running workspace: path-based tree
// operations, the open file table, and entry-level sync. The realm's
// root folder manifest has the realm's own ID.
type Ops struct {
	realmID types.VlobID
	certs   *certif.Ops
	store   *Store
	cmds    protocol.Cmds
	bus     *events.Bus
	log     *slog.Logger
	files   *openFileTable

	// treeMu serializes local tree and descriptor mutations. Network
	// calls never run under it.
	treeMu  sync.Mutex
	stopped atomic.Bool
}

func NewOps(realmID types.VlobID, certs *certif.Ops, backend storage.Backend, cmds protocol.Cmds, bus *events.Bus, logger *slog.Logger) *Ops {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ops{
		realmID: realmID,
		certs:   certs,
		store:   NewStore(realmID, backend),
		cmds:    cmds,
		bus:     bus,
		log:     logger.With("component", "workspace", "realm", realmID.String()),
		files:   newOpenFileTable(),
	}
}

func (o *Ops) RealmID() types.VlobID { return o.realmID }

// Stop makes every subsequent operation fail with ErrStopped. Open
// descriptors are not flushed; callers close them first.
func (o *Ops) Stop() { o.stopped.Store(true) }

func (o *Ops) guard() error {
	if o.stopped.Load() {
		return ErrStopped
	}
	return nil
}

// EnsureRootExists loads the root manifest, fetching it from the
// server or, for a realm whose root was never uploaded (or while
// offline on first access), creating a speculative placeholder.
func (o *Ops) EnsureRootExists(ctx context.Context) error {
	if err := o.guard(); err != nil {
		return err
	}
	_, err := o.store.Get(ctx, o.realmID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotInStorage) {
		return err
	}
	if _, err := o.fetchEntry(ctx, o.realmID); err == nil {
		return nil
	} else if !errors.Is(err, ErrEntryNotFound) && !errors.Is(err, protocol.ErrOffline) {
		return err
	}
	root := NewLocalFolder(o.realmID, types.VlobID{}, o.device().DeviceID, types.Now())
	return o.store.Set(ctx, root)
}

func (o *Ops) device() *certif.LocalDevice { return o.certs.Device() }

// loadEntry returns the local state of an entry, fetching the latest
// remote version if the entry was never seen locally.
func (o *Ops) loadEntry(ctx context.Context, id types.VlobID) (*LocalManifest, error) {
	m, err := o.store.Get(ctx, id)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, storage.ErrNotInStorage) {
		return nil, err
	}
	return o.fetchEntry(ctx, id)
}

// fetchEntry pulls an entry from the server. Concurrent fetches of the
// same entry are collapsed into one flight.
func (o *Ops) fetchEntry(ctx context.Context, id types.VlobID) (*LocalManifest, error) {
	return o.store.FetchOnce(id, func() (*LocalManifest, error) {
		if m, err := o.store.Get(ctx, id); err == nil {
			return m, nil
		}
		vlob, err := o.cmds.VlobRead(ctx, o.realmID, id, 0)
		if errors.Is(err, protocol.ErrNotFound) {
			return nil, fmt.Errorf("entry %s: %w", id, ErrEntryNotFound)
		}
		if err != nil {
			return nil, err
		}
		remote, err := o.decodeRemote(vlob)
		if err != nil {
			return nil, err
		}
		local := FromRemote(remote, vlob.Version)
		if err := o.store.Set(ctx, local); err != nil {
			return nil, err
		}
		return local, nil
	})
}

// decodeRemote opens a vlob blob and validates it against the
// certificate state: known author, write access, matching entry ID.
func (o *Ops) decodeRemote(vlob protocol.Vlob) (Manifest, error) {
	invalid := func(reason string) (Manifest, error) {
		o.bus.Publish(events.EventInvalidManifest{
			RealmID: o.realmID,
			EntryID: vlob.VlobID,
			Reason:  reason,
		})
		return Manifest{}, fmt.Errorf("%w: entry %s: %s", ErrInvalidManifest, vlob.VlobID, reason)
	}
	key, err := o.certs.RealmKey(o.realmID, vlob.KeyIndex)
	if err != nil {
		return Manifest{}, err
	}
	snap := o.certs.Store().Current()
	device, ok := snap.Device(vlob.Author)
	if !ok {
		return invalid("unknown author")
	}
	if !snap.RealmRole(o.realmID, vlob.Author.UserID()).CanWrite() {
		return invalid("author cannot write")
	}
	m, err := OpenManifest(vlob.Blob, key, device.VerifyKey)
	if err != nil {
		return invalid(err.Error())
	}
	if m.ID != vlob.VlobID {
		return invalid("manifest id does not match vlob id")
	}
	return m, nil
}

func splitPath(path string) []string {
	var out []string
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// resolve walks a slash-separated path from the realm root.
func (o *Ops) resolve(ctx context.Context, path string) (*LocalManifest, error) {
	current, err := o.loadEntry(ctx, o.realmID)
	if err != nil {
		return nil, err
	}
	for _, name := range splitPath(path) {
		if current.Entry.Type != TypeFolder {
			return nil, fmt.Errorf("%s: %w", path, ErrNotAFolder)
		}
		childID, ok := current.Entry.Children[name]
		if !ok {
			return nil, fmt.Errorf("%s: %w", path, ErrEntryNotFound)
		}
		current, err = o.loadEntry(ctx, childID)
		if err != nil {
			return nil, err
		}
	}
	return current, nil
}

// resolveParent resolves everything but the last path segment and
// returns the parent folder plus the leaf name.
func (o *Ops) resolveParent(ctx context.Context, path string) (*LocalManifest, string, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, "", fmt.Errorf("%s: path has no leaf", path)
	}
	parent, err := o.resolve(ctx, strings.Join(parts[:len(parts)-1], "/"))
	if err != nil {
		return nil, "", err
	}
	if parent.Entry.Type != TypeFolder {
		return nil, "", fmt.Errorf("%s: %w", path, ErrNotAFolder)
	}
	return parent, parts[len(parts)-1], nil
}

// EntryInfo is the stat view of an entry.
type EntryInfo struct {
	ID          types.VlobID
	Type        ManifestType
	Size        uint64
	Created     types.DateTime
	Updated     types.DateTime
	BaseVersion uint32
	NeedSync    bool
	Placeholder bool
	Children    []string
}

func infoOf(m *LocalManifest) EntryInfo {
	info := EntryInfo{
		ID:          m.Entry.ID,
		Type:        m.Entry.Type,
		Size:        m.Entry.Size,
		Created:     m.Entry.Created,
		Updated:     m.Entry.Updated,
		BaseVersion: m.BaseVersion,
		NeedSync:    m.NeedSync,
		Placeholder: m.IsPlaceholder(),
	}
	if m.Entry.Type == TypeFolder {
		info.Children = make([]string, 0, len(m.Entry.Children))
		for name := range m.Entry.Children {
			info.Children = append(info.Children, name)
		}
		sort.Strings(info.Children)
	}
	return info
}

func (o *Ops) Stat(ctx context.Context, path string) (EntryInfo, error) {
	if err := o.guard(); err != nil {
		return EntryInfo{}, err
	}
	m, err := o.resolve(ctx, path)
	if err != nil {
		return EntryInfo{}, err
	}
	return infoOf(m), nil
}

// CreateFolder makes a new empty folder, failing if the name is taken.
func (o *Ops) CreateFolder(ctx context.Context, path string) (types.VlobID, error) {
	return o.createEntry(ctx, path, TypeFolder)
}

// CreateFile makes a new empty file, failing if the name is taken.
func (o *Ops) CreateFile(ctx context.Context, path string) (types.VlobID, error) {
	return o.createEntry(ctx, path, TypeFile)
}

func (o *Ops) createEntry(ctx context.Context, path string, entryType ManifestType) (types.VlobID, error) {
	if err := o.guard(); err != nil {
		return types.VlobID{}, err
	}
	o.treeMu.Lock()
	defer o.treeMu.Unlock()
	parent, name, err := o.resolveParent(ctx, path)
	if err != nil {
		return types.VlobID{}, err
	}
	if _, taken := parent.Entry.Children[name]; taken {
		return types.VlobID{}, fmt.Errorf("%s: %w", path, ErrEntryExists)
	}
	now := types.Now()
	id := types.NewVlobID()
	var child *LocalManifest
	if entryType == TypeFolder {
		child = NewLocalFolder(id, parent.Entry.ID, o.device().DeviceID, now)
	} else {
		child = NewLocalFile(id, parent.Entry.ID, o.device().DeviceID, now)
	}
	if err := o.store.Set(ctx, child); err != nil {
		return types.VlobID{}, err
	}
	parent.Entry.Children[name] = id
	parent.Entry.Updated = now
	parent.NeedSync = true
	if err := o.store.Set(ctx, parent); err != nil {
		return types.VlobID{}, err
	}
	o.bus.Publish(events.EventOutboundSyncNeeded{RealmID: o.realmID, EntryID: id})
	o.bus.Publish(events.EventOutboundSyncNeeded{RealmID: o.realmID, EntryID: parent.Entry.ID})
	return id, nil
}

// RenameEntry moves src to dst, possibly across folders. The
// destination name must be free.
func (o *Ops) RenameEntry(ctx context.Context, src, dst string) error {
	if err := o.guard(); err != nil {
		return err
	}
	o.treeMu.Lock()
	defer o.treeMu.Unlock()
	srcParent, srcName, err := o.resolveParent(ctx, src)
	if err != nil {
		return err
	}
	id, ok := srcParent.Entry.Children[srcName]
	if !ok {
		return fmt.Errorf("%s: %w", src, ErrEntryNotFound)
	}
	dstParent, dstName, err := o.resolveParent(ctx, dst)
	if err != nil {
		return err
	}
	if _, taken := dstParent.Entry.Children[dstName]; taken {
		return fmt.Errorf("%s: %w", dst, ErrEntryExists)
	}
	now := types.Now()
	if srcParent.Entry.ID == dstParent.Entry.ID {
		delete(srcParent.Entry.Children, srcName)
		srcParent.Entry.Children[dstName] = id
		srcParent.Entry.Updated = now
		srcParent.NeedSync = true
		if err := o.store.Set(ctx, srcParent); err != nil {
			return err
		}
		o.bus.Publish(events.EventOutboundSyncNeeded{RealmID: o.realmID, EntryID: srcParent.Entry.ID})
		return nil
	}
	delete(srcParent.Entry.Children, srcName)
	srcParent.Entry.Updated = now
	srcParent.NeedSync = true
	dstParent.Entry.Children[dstName] = id
	dstParent.Entry.Updated = now
	dstParent.NeedSync = true
	if err := o.store.Set(ctx, srcParent); err != nil {
		return err
	}
	if err := o.store.Set(ctx, dstParent); err != nil {
		return err
	}
	o.bus.Publish(events.EventOutboundSyncNeeded{RealmID: o.realmID, EntryID: srcParent.Entry.ID})
	o.bus.Publish(events.EventOutboundSyncNeeded{RealmID: o.realmID, EntryID: dstParent.Entry.ID})
	return nil
}

// RemoveEntry unlinks a file or an empty folder.
func (o *Ops) RemoveEntry(ctx context.Context, path string) error {
	if err := o.guard(); err != nil {
		return err
	}
	o.treeMu.Lock()
	defer o.treeMu.Unlock()
	parent, name, err := o.resolveParent(ctx, path)
	if err != nil {
		return err
	}
	id, ok := parent.Entry.Children[name]
	if !ok {
		return fmt.Errorf("%s: %w", path, ErrEntryNotFound)
	}
	child, err := o.loadEntry(ctx, id)
	if err != nil {
		return err
	}
	if child.Entry.Type == TypeFolder && len(child.Entry.Children) > 0 {
		return fmt.Errorf("%s: %w", path, ErrFolderNotEmpty)
	}
	delete(parent.Entry.Children, name)
	parent.Entry.Updated = types.Now()
	parent.NeedSync = true
	if err := o.store.Set(ctx, parent); err != nil {
		return err
	}
	o.bus.Publish(events.EventOutboundSyncNeeded{RealmID: o.realmID, EntryID: parent.Entry.ID})
	return nil
}

// OpenFile opens a file path and returns a descriptor. Descriptors
// start at 1 and are never reused while the workspace runs; descriptors
// on the same entry share its working state.
func (o *Ops) OpenFile(ctx context.Context, path string, mode FdMode) (uint64, error) {
	if err := o.guard(); err != nil {
		return 0, err
	}
	m, err := o.resolve(ctx, path)
	if err != nil {
		return 0, err
	}
	if m.Entry.Type != TypeFile {
		return 0, fmt.Errorf("%s: %w", path, ErrNotAFile)
	}
	return o.files.open(m.Entry.ID, mode, m), nil
}

// FdWrite splices data into the file at offset. Writing past the end
// grows the file, leaving an implicit zero gap; a zero-length write
// changes nothing, wherever its offset points.
func (o *Ops) FdWrite(ctx context.Context, fd uint64, offset uint64, data []byte) (int, error) {
	if err := o.guard(); err != nil {
		return 0, err
	}
	o.treeMu.Lock()
	defer o.treeMu.Unlock()
	cursor, err := o.files.get(fd)
	if err != nil {
		return 0, err
	}
	if !cursor.mode.canWrite() {
		return 0, ErrNotInWriteMode
	}
	if len(data) == 0 {
		return 0, nil
	}
	file := cursor.file
	chunkID := types.NewChunkID()
	if err := o.store.SetChunk(ctx, chunkID, data); err != nil {
		return 0, err
	}
	before := referencedChunks(file.manifest.Fragments)
	file.manifest.Fragments = spliceFragments(file.manifest.Fragments, Fragment{
		Start:   offset,
		Stop:    offset + uint64(len(data)),
		ChunkID: chunkID,
	})
	after := referencedChunks(file.manifest.Fragments)
	for id := range before {
		if _, still := after[id]; !still {
			file.removedChunks = append(file.removedChunks, id)
		}
	}
	if end := offset + uint64(len(data)); end > file.manifest.Entry.Size {
		file.manifest.Entry.Size = end
	}
	file.manifest.Entry.Updated = types.Now()
	file.manifest.NeedSync = true
	file.dirty = true
	return len(data), nil
}

// FdRead returns up to size bytes from offset, clamped at the file
// end.
func (o *Ops) FdRead(ctx context.Context, fd uint64, offset, size uint64) ([]byte, error) {
	if err := o.guard(); err != nil {
		return nil, err
	}
	o.treeMu.Lock()
	cursor, err := o.files.get(fd)
	if err != nil {
		o.treeMu.Unlock()
		return nil, err
	}
	m := cursor.file.manifest.clone()
	o.treeMu.Unlock()

	if offset >= m.Entry.Size {
		return nil, nil
	}
	stop := minU64(m.Entry.Size, offset+size)
	return o.readRange(ctx, m, offset, stop)
}

// readRange assembles file bytes from local chunks, cached or remote
// blocks, and zero gaps.
func (o *Ops) readRange(ctx context.Context, m *LocalManifest, offset, stop uint64) ([]byte, error) {
	out := make([]byte, 0, stop-offset)
	for _, seg := range planRead(m, offset, stop) {
		switch {
		case seg.fromChunk:
			data, err := o.store.GetChunk(ctx, seg.chunkID)
			if err != nil {
				return nil, fmt.Errorf("chunk %s: %w", seg.chunkID, err)
			}
			if seg.srcOffset+seg.length() > uint64(len(data)) {
				return nil, fmt.Errorf("chunk %s shorter than fragment", seg.chunkID)
			}
			out = append(out, data[seg.srcOffset:seg.srcOffset+seg.length()]...)
		case seg.block != nil:
			data, err := o.loadBlock(ctx, *seg.block)
			if err != nil {
				return nil, err
			}
			from := seg.start - seg.block.Offset
			out = append(out, data[from:from+seg.length()]...)
		default:
			out = append(out, make([]byte, seg.length())...)
		}
	}
	return out, nil
}

// loadBlock returns block plaintext, from local storage or the server.
// Downloaded blocks are checked against the manifest digest and cached.
func (o *Ops) loadBlock(ctx context.Context, access BlockAccess) ([]byte, error) {
	if data, err := o.store.GetBlock(ctx, access.ID); err == nil {
		return data, nil
	} else if !errors.Is(err, storage.ErrNotInStorage) {
		return nil, err
	}
	sealed, keyIndex, err := o.cmds.BlockRead(ctx, access.ID)
	if err != nil {
		return nil, err
	}
	key, err := o.certs.RealmKey(o.realmID, keyIndex)
	if err != nil {
		return nil, err
	}
	data, err := key.Decrypt(sealed)
	if err != nil {
		return nil, fmt.Errorf("block %s: %w", access.ID, err)
	}
	if seal.Hash(data) != access.Digest {
		return nil, fmt.Errorf("block %s: digest mismatch", access.ID)
	}
	if uint64(len(data)) != access.Size {
		return nil, fmt.Errorf("block %s: size mismatch", access.ID)
	}
	if err := o.store.SetBlock(ctx, access.ID, data); err != nil {
		return nil, err
	}
	return data, nil
}

// FdResize truncates or extends the file to length. Extending leaves
// an implicit zero gap; truncating drops the fragments past the cut.
func (o *Ops) FdResize(ctx context.Context, fd uint64, length uint64) error {
	if err := o.guard(); err != nil {
		return err
	}
	o.treeMu.Lock()
	defer o.treeMu.Unlock()
	cursor, err := o.files.get(fd)
	if err != nil {
		return err
	}
	if !cursor.mode.canWrite() {
		return ErrNotInWriteMode
	}
	file := cursor.file
	m := file.manifest
	if length == m.Entry.Size {
		return nil
	}
	if length < m.Entry.Size {
		before := referencedChunks(m.Fragments)
		var kept []Fragment
		for _, f := range m.Fragments {
			if f.Start >= length {
				continue
			}
			if f.Stop > length {
				f.Stop = length
			}
			kept = append(kept, f)
		}
		m.Fragments = kept
		after := referencedChunks(kept)
		for id := range before {
			if _, still := after[id]; !still {
				file.removedChunks = append(file.removedChunks, id)
			}
		}
	}
	m.Entry.Size = length
	m.Entry.Updated = types.Now()
	m.NeedSync = true
	file.dirty = true
	return nil
}

// FdStat reports the descriptor's working view, which may be ahead of
// the persisted manifest until the next flush.
func (o *Ops) FdStat(fd uint64) (EntryInfo, error) {
	if err := o.guard(); err != nil {
		return EntryInfo{}, err
	}
	o.treeMu.Lock()
	defer o.treeMu.Unlock()
	cursor, err := o.files.get(fd)
	if err != nil {
		return EntryInfo{}, err
	}
	return infoOf(cursor.file.manifest), nil
}

// FdFlush persists the descriptor's pending writes and drops chunks
// displaced by splices.
func (o *Ops) FdFlush(ctx context.Context, fd uint64) error {
	if err := o.guard(); err != nil {
		return err
	}
	o.treeMu.Lock()
	defer o.treeMu.Unlock()
	cursor, err := o.files.get(fd)
	if err != nil {
		return err
	}
	return o.flushFile(ctx, cursor.file)
}

func (o *Ops) flushFile(ctx context.Context, file *openFile) error {
	if !file.dirty {
		return nil
	}
	if err := o.store.Set(ctx, file.manifest); err != nil {
		return err
	}
	for _, id := range file.removedChunks {
		if err := o.store.DeleteChunk(ctx, id); err != nil {
			o.log.Warn("chunk cleanup failed", "chunk", id.String(), "err", err)
		}
	}
	file.removedChunks = nil
	file.dirty = false
	o.bus.Publish(events.EventOutboundSyncNeeded{RealmID: o.realmID, EntryID: file.entryID})
	return nil
}

// FdClose flushes and invalidates the descriptor. Closing it again is
// ErrBadFileDescriptor.
func (o *Ops) FdClose(ctx context.Context, fd uint64) error {
	if err := o.guard(); err != nil {
		return err
	}
	o.treeMu.Lock()
	defer o.treeMu.Unlock()
	cursor, err := o.files.remove(fd)
	if err != nil {
		return err
	}
	return o.flushFile(ctx, cursor.file)
}
