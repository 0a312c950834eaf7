package workspace

import (
	"errors"
	"sync"

	"github.com/Scille/parsec-cloud-sub017/internal/types"
)

var (
	ErrEntryNotFound     = errors.New("entry not found")
	ErrEntryExists       = errors.New("entry already exists")
	ErrNotAFolder        = errors.New("not a folder")
	ErrNotAFile          = errors.New("not a file")
	ErrFolderNotEmpty    = errors.New("folder not empty")
	ErrBadFileDescriptor = errors.New("bad file descriptor")
	ErrNotInWriteMode    = errors.New("file descriptor not open in write mode")
)

type FdMode int

const (
	ModeRead FdMode = 1 << iota
	ModeWrite
)

func (m FdMode) canRead() bool  { return m&ModeRead != 0 }
func (m FdMode) canWrite() bool { return m&ModeWrite != 0 }

// openFile is an open entry's working state, shared by every
// descriptor on that entry: writes through any of them splice the same
// manifest, and a flush persists what all of them did.
type openFile struct {
	entryID types.VlobID
	refs    int

	manifest      *LocalManifest
	dirty         bool
	removedChunks []types.ChunkID
}

// fdCursor is one descriptor's view on an open entry.
type fdCursor struct {
	mode FdMode
	file *openFile
}

// openFileTable hands out monotonically increasing descriptors
// starting at 1. Descriptors are never reused while the workspace is
// running; closing one makes it permanently invalid.
type openFileTable struct {
	mu      sync.Mutex
	nextFd  uint64
	cursors map[uint64]*fdCursor
	entries map[types.VlobID]*openFile
}

func newOpenFileTable() *openFileTable {
	return &openFileTable{
		cursors: map[uint64]*fdCursor{},
		entries: map[types.VlobID]*openFile{},
	}
}

// open registers a descriptor on an entry. A descriptor on an already
// open entry joins its shared state; manifest only seeds the first one.
func (t *openFileTable) open(entryID types.VlobID, mode FdMode, manifest *LocalManifest) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	file, ok := t.entries[entryID]
	if !ok {
		file = &openFile{entryID: entryID, manifest: manifest}
		t.entries[entryID] = file
	}
	file.refs++
	t.nextFd++
	t.cursors[t.nextFd] = &fdCursor{mode: mode, file: file}
	return t.nextFd
}

func (t *openFileTable) get(fd uint64) (*fdCursor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cursor, ok := t.cursors[fd]
	if !ok {
		return nil, ErrBadFileDescriptor
	}
	return cursor, nil
}

func (t *openFileTable) remove(fd uint64) (*fdCursor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cursor, ok := t.cursors[fd]
	if !ok {
		return nil, ErrBadFileDescriptor
	}
	delete(t.cursors, fd)
	cursor.file.refs--
	if cursor.file.refs == 0 {
		delete(t.entries, cursor.file.entryID)
	}
	return cursor, nil
}

// openIDs lists entries with at least one open descriptor.
func (t *openFileTable) openIDs() map[types.VlobID]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := map[types.VlobID]int{}
	for id, file := range t.entries {
		out[id] = file.refs
	}
	return out
}
