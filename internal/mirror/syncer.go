// Package mirror keeps a plain local directory and a subtree of a
// started workspace in step: local edits are pushed into the workspace
// through its file descriptors, synchronized remote state is written
// back out. When both sides changed the same file, the local copy
// wins.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Scille/parsec-cloud-sub017/internal/seal"
	"github.com/Scille/parsec-cloud-sub017/internal/types"
	"github.com/Scille/parsec-cloud-sub017/internal/workspace"
)

// WorkspaceFS is the slice of workspace operations the syncer drives.
// A started *workspace.Ops satisfies it.
type WorkspaceFS interface {
	Stat(ctx context.Context, path string) (workspace.EntryInfo, error)
	CreateFile(ctx context.Context, path string) (types.VlobID, error)
	CreateFolder(ctx context.Context, path string) (types.VlobID, error)
	RemoveEntry(ctx context.Context, path string) error
	OpenFile(ctx context.Context, path string, mode workspace.FdMode) (uint64, error)
	FdRead(ctx context.Context, fd uint64, offset, size uint64) ([]byte, error)
	FdWrite(ctx context.Context, fd uint64, offset uint64, data []byte) (int, error)
	FdResize(ctx context.Context, fd uint64, length uint64) error
	FdClose(ctx context.Context, fd uint64) error
}

type SyncerOptions struct {
	Workspace  WorkspaceFS
	RemoteRoot string
	LocalRoot  string
	StateFile  string
	Logger     *slog.Logger
}

type Syncer struct {
	ws         WorkspaceFS
	remoteRoot string
	localRoot  string
	stateFile  string
	log        *slog.Logger
	state      mirrorState
	loaded     bool
}

// mirrorState is persisted between runs so the syncer can tell which
// side of each file changed.
type mirrorState struct {
	Files map[string]trackedFile `json:"files"`
}

type trackedFile struct {
	LocalHash  string `json:"localHash"`
	RemoteHash string `json:"remoteHash"`
}

func NewSyncer(opts SyncerOptions) (*Syncer, error) {
	if opts.Workspace == nil {
		return nil, fmt.Errorf("workspace is required")
	}
	localRootRaw := strings.TrimSpace(opts.LocalRoot)
	if localRootRaw == "" {
		return nil, fmt.Errorf("local root is required")
	}
	localRoot := filepath.Clean(localRootRaw)
	remoteRoot := normalizeRemotePath(opts.RemoteRoot)
	stateFile := strings.TrimSpace(opts.StateFile)
	if stateFile == "" {
		stateFile = filepath.Join(localRoot, ".parsec-mirror-state.json")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(localRoot, 0o755); err != nil {
		return nil, err
	}
	return &Syncer{
		ws:         opts.Workspace,
		remoteRoot: remoteRoot,
		localRoot:  localRoot,
		stateFile:  stateFile,
		log:        logger.With("component", "mirror"),
		state:      mirrorState{Files: map[string]trackedFile{}},
	}, nil
}

// SyncOnce runs one push/pull cycle and persists the state file.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	if err := s.loadState(); err != nil {
		return err
	}
	local, err := s.scanLocal()
	if err != nil {
		return err
	}
	remote, err := s.scanRemote(ctx)
	if err != nil {
		return err
	}
	if err := s.push(ctx, local, remote); err != nil {
		return err
	}
	if err := s.pull(ctx, local, remote); err != nil {
		return err
	}
	return s.saveState()
}

// push uploads local files that changed since the last cycle and
// removes workspace files whose local counterpart disappeared.
func (s *Syncer) push(ctx context.Context, local map[string][]byte, remote map[string][]byte) error {
	for _, remotePath := range sortedKeys(local) {
		data := local[remotePath]
		tracked, known := s.state.Files[remotePath]
		localHash := seal.Hash(data)
		if known && tracked.LocalHash == localHash {
			continue
		}
		if err := s.writeWorkspaceFile(ctx, remotePath, data); err != nil {
			return err
		}
		s.state.Files[remotePath] = trackedFile{LocalHash: localHash, RemoteHash: localHash}
		remote[remotePath] = data
	}
	for _, remotePath := range sortedKeys(s.state.Files) {
		if _, stillLocal := local[remotePath]; stillLocal {
			continue
		}
		tracked := s.state.Files[remotePath]
		remoteData, exists := remote[remotePath]
		if exists && seal.Hash(remoteData) != tracked.RemoteHash {
			// Removed locally but changed in the workspace since the
			// last cycle; the pull below restores it instead.
			continue
		}
		if exists {
			if err := s.ws.RemoveEntry(ctx, joinRemote(s.remoteRoot, remotePath)); err != nil && !errors.Is(err, workspace.ErrEntryNotFound) {
				return err
			}
			delete(remote, remotePath)
		}
		delete(s.state.Files, remotePath)
	}
	return nil
}

// pull writes workspace state out to the local directory, skipping
// files with unpushed local edits (the conflict rule: local wins).
func (s *Syncer) pull(ctx context.Context, local map[string][]byte, remote map[string][]byte) error {
	for _, remotePath := range sortedKeys(remote) {
		data := remote[remotePath]
		remoteHash := seal.Hash(data)
		tracked, known := s.state.Files[remotePath]
		localData, existsLocally := local[remotePath]
		if known && existsLocally && seal.Hash(localData) != tracked.LocalHash {
			s.log.Warn("conflict, keeping local copy", "path", remotePath)
			continue
		}
		if existsLocally && seal.Hash(localData) == remoteHash {
			s.state.Files[remotePath] = trackedFile{LocalHash: remoteHash, RemoteHash: remoteHash}
			continue
		}
		localPath := filepath.Join(s.localRoot, filepath.FromSlash(strings.TrimPrefix(remotePath, "/")))
		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			return err
		}
		if err := writeFileAtomic(localPath, data, 0o644); err != nil {
			return err
		}
		s.state.Files[remotePath] = trackedFile{LocalHash: remoteHash, RemoteHash: remoteHash}
	}
	// Workspace-side deletions: drop the local copy only when it is
	// untouched since the last cycle.
	for _, remotePath := range sortedKeys(s.state.Files) {
		if _, stillRemote := remote[remotePath]; stillRemote {
			continue
		}
		tracked := s.state.Files[remotePath]
		localData, existsLocally := local[remotePath]
		if existsLocally && seal.Hash(localData) == tracked.LocalHash {
			localPath := filepath.Join(s.localRoot, filepath.FromSlash(strings.TrimPrefix(remotePath, "/")))
			if err := os.Remove(localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}
		delete(s.state.Files, remotePath)
	}
	return nil
}

// writeWorkspaceFile replaces the full content of a workspace file,
// creating it and its parent folders as needed.
func (s *Syncer) writeWorkspaceFile(ctx context.Context, remotePath string, data []byte) error {
	fullPath := joinRemote(s.remoteRoot, remotePath)
	if err := s.ensureRemoteFolders(ctx, fullPath); err != nil {
		return err
	}
	if _, err := s.ws.Stat(ctx, fullPath); errors.Is(err, workspace.ErrEntryNotFound) {
		if _, err := s.ws.CreateFile(ctx, fullPath); err != nil && !errors.Is(err, workspace.ErrEntryExists) {
			return err
		}
	} else if err != nil {
		return err
	}
	fd, err := s.ws.OpenFile(ctx, fullPath, workspace.ModeWrite)
	if err != nil {
		return err
	}
	defer s.ws.FdClose(ctx, fd)
	if len(data) > 0 {
		if _, err := s.ws.FdWrite(ctx, fd, 0, data); err != nil {
			return err
		}
	}
	return s.ws.FdResize(ctx, fd, uint64(len(data)))
}

func (s *Syncer) ensureRemoteFolders(ctx context.Context, fullPath string) error {
	parts := strings.Split(strings.Trim(fullPath, "/"), "/")
	if len(parts) <= 1 {
		return nil
	}
	current := ""
	for _, part := range parts[:len(parts)-1] {
		current = current + "/" + part
		_, err := s.ws.CreateFolder(ctx, current)
		if err != nil && !errors.Is(err, workspace.ErrEntryExists) {
			return err
		}
	}
	return nil
}

// scanLocal reads every file under the local root, keyed by its
// root-relative slash path.
func (s *Syncer) scanLocal() (map[string][]byte, error) {
	out := map[string][]byte{}
	statePathAbs, err := filepath.Abs(s.stateFile)
	if err != nil {
		return nil, err
	}
	err = filepath.WalkDir(s.localRoot, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if absPath, err := filepath.Abs(path); err == nil && absPath == statePathAbs {
			return nil
		}
		rel, err := filepath.Rel(s.localRoot, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out["/"+filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// scanRemote reads every file under the remote root of the workspace,
// keyed by its root-relative path.
func (s *Syncer) scanRemote(ctx context.Context) (map[string][]byte, error) {
	out := map[string][]byte{}
	var walk func(remotePath string) error
	walk = func(remotePath string) error {
		fullPath := joinRemote(s.remoteRoot, remotePath)
		info, err := s.ws.Stat(ctx, fullPath)
		if errors.Is(err, workspace.ErrEntryNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Type == workspace.TypeFolder {
			for _, name := range info.Children {
				if err := walk(joinRemote(remotePath, "/"+name)); err != nil {
					return err
				}
			}
			return nil
		}
		data, err := s.readWorkspaceFile(ctx, fullPath, info.Size)
		if err != nil {
			return err
		}
		out[remotePath] = data
		return nil
	}
	if err := walk("/"); err != nil {
		return nil, err
	}
	delete(out, "/")
	return out, nil
}

func (s *Syncer) readWorkspaceFile(ctx context.Context, fullPath string, size uint64) ([]byte, error) {
	fd, err := s.ws.OpenFile(ctx, fullPath, workspace.ModeRead)
	if err != nil {
		return nil, err
	}
	defer s.ws.FdClose(ctx, fd)
	data, err := s.ws.FdRead(ctx, fd, 0, size)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Syncer) loadState() error {
	if s.loaded {
		return nil
	}
	s.loaded = true
	data, err := os.ReadFile(s.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state mirrorState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Files == nil {
		state.Files = map[string]trackedFile{}
	}
	s.state = state
	return nil
}

func (s *Syncer) saveState() error {
	data, err := json.Marshal(s.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.stateFile), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(s.stateFile, data, 0o644)
}

func normalizeRemotePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	return path
}

func joinRemote(root, rel string) string {
	root = normalizeRemotePath(root)
	rel = normalizeRemotePath(rel)
	if rel == "/" {
		return root
	}
	if root == "/" {
		return rel
	}
	return root + rel
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for key := range m {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
