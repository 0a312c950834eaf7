// Package workspace implements one mounted realm: the manifest tree
// with its local/base split, the open file table, and inbound/outbound
// synchronization against the server.
package workspace

import (
	"errors"
	"fmt"

	"github.com/Scille/parsec-cloud-sub017/internal/codec"
	"github.com/Scille/parsec-cloud-sub017/internal/seal"
	"github.com/Scille/parsec-cloud-sub017/internal/types"
)

var ErrInvalidManifest = errors.New("invalid manifest")

type ManifestType string

const (
	TypeFolder ManifestType = "folder_manifest"
	TypeFile   ManifestType = "file_manifest"
)

// DefaultBlocksize is the block granularity files are cut into when
// uploaded.
const DefaultBlocksize = 512 * 1024

// BlockAccess points at an uploaded immutable block of a file.
type BlockAccess struct {
	ID       types.BlockID `cbor:"id"`
	Offset   uint64        `cbor:"offset"`
	Size     uint64        `cbor:"size"`
	Digest   string        `cbor:"digest"`
	KeyIndex uint64        `cbor:"key_index"`
}

// Manifest is the synchronized form of one entry, the payload of a
// vlob version. A folder carries Children; a file carries Size,
// Blocksize and Blocks.
type Manifest struct {
	Type    ManifestType   `cbor:"type"`
	ID      types.VlobID   `cbor:"id"`
	Parent  types.VlobID   `cbor:"parent,omitempty"`
	Author  types.DeviceID `cbor:"author,omitempty"`
	Created types.DateTime `cbor:"created"`
	Updated types.DateTime `cbor:"updated"`

	Children map[string]types.VlobID `cbor:"children,omitempty"`

	Size      uint64        `cbor:"size,omitempty"`
	Blocksize uint64        `cbor:"blocksize,omitempty"`
	Blocks    []BlockAccess `cbor:"blocks,omitempty"`
}

// Fragment is a locally written byte range overlaying the base blocks
// of a file: bytes [Start, Stop) come from the stored chunk, starting
// at SrcOffset within it.
type Fragment struct {
	Start     uint64        `cbor:"start"`
	Stop      uint64        `cbor:"stop"`
	ChunkID   types.ChunkID `cbor:"chunk_id"`
	SrcOffset uint64        `cbor:"src_offset,omitempty"`
}

// LocalManifest is the persisted local state of one entry: the local
// view (Entry plus, for files, the Fragments overlay), the base it was
// last synchronized against, and the need-sync flag. BaseVersion 0
// marks a placeholder that was never uploaded.
type LocalManifest struct {
	Entry       Manifest   `cbor:"entry"`
	Fragments   []Fragment `cbor:"fragments,omitempty"`
	Base        Manifest   `cbor:"base,omitempty"`
	BaseVersion uint32     `cbor:"base_version"`
	NeedSync    bool       `cbor:"need_sync"`
}

func (m *LocalManifest) IsPlaceholder() bool { return m.BaseVersion == 0 }

func (m *LocalManifest) clone() *LocalManifest {
	out := *m
	out.Fragments = append([]Fragment(nil), m.Fragments...)
	out.Entry.Children = cloneChildren(m.Entry.Children)
	out.Entry.Blocks = append([]BlockAccess(nil), m.Entry.Blocks...)
	out.Base.Children = cloneChildren(m.Base.Children)
	out.Base.Blocks = append([]BlockAccess(nil), m.Base.Blocks...)
	return &out
}

func cloneChildren(children map[string]types.VlobID) map[string]types.VlobID {
	if children == nil {
		return nil
	}
	out := make(map[string]types.VlobID, len(children))
	for name, id := range children {
		out[name] = id
	}
	return out
}

// NewLocalFolder builds a placeholder folder manifest.
func NewLocalFolder(id, parent types.VlobID, author types.DeviceID, now types.DateTime) *LocalManifest {
	return &LocalManifest{
		Entry: Manifest{
			Type:     TypeFolder,
			ID:       id,
			Parent:   parent,
			Author:   author,
			Created:  now,
			Updated:  now,
			Children: map[string]types.VlobID{},
		},
		NeedSync: true,
	}
}

// NewLocalFile builds a placeholder file manifest.
func NewLocalFile(id, parent types.VlobID, author types.DeviceID, now types.DateTime) *LocalManifest {
	return &LocalManifest{
		Entry: Manifest{
			Type:      TypeFile,
			ID:        id,
			Parent:    parent,
			Author:    author,
			Created:   now,
			Updated:   now,
			Blocksize: DefaultBlocksize,
		},
		NeedSync: true,
	}
}

// FromRemote builds the local state for an entry that has no local
// changes: the entry mirrors the base.
func FromRemote(remote Manifest, version uint32) *LocalManifest {
	return &LocalManifest{
		Entry:       remote,
		Base:        remote,
		BaseVersion: version,
		NeedSync:    false,
	}
}

func encodeLocalManifest(m *LocalManifest) ([]byte, error) {
	return codec.Marshal(m)
}

func decodeLocalManifest(blob []byte) (*LocalManifest, error) {
	var m LocalManifest
	if err := codec.Unmarshal(blob, &m); err != nil {
		return nil, fmt.Errorf("local manifest: %w", err)
	}
	return &m, nil
}

type signedManifest struct {
	Payload   []byte `cbor:"payload"`
	Signature []byte `cbor:"signature"`
}

// SealManifest signs the manifest with the device key and seals the
// signed envelope with the realm key. The result is the vlob blob
// uploaded to the server.
func SealManifest(m Manifest, signing seal.SigningKey, key seal.SecretKey) ([]byte, error) {
	payload, err := codec.Marshal(m)
	if err != nil {
		return nil, err
	}
	envelope, err := codec.Marshal(signedManifest{
		Payload:   payload,
		Signature: signing.Sign(payload),
	})
	if err != nil {
		return nil, err
	}
	return key.Encrypt(envelope)
}

// OpenManifest decrypts a vlob blob and checks the embedded signature
// against the author's verify key.
func OpenManifest(blob []byte, key seal.SecretKey, author seal.VerifyKey) (Manifest, error) {
	envelope, err := key.Decrypt(blob)
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	var signed signedManifest
	if err := codec.Unmarshal(envelope, &signed); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := author.Verify(signed.Payload, signed.Signature); err != nil {
		return Manifest{}, fmt.Errorf("%w: bad signature", ErrInvalidManifest)
	}
	var m Manifest
	if err := codec.Unmarshal(signed.Payload, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if m.Type != TypeFolder && m.Type != TypeFile {
		return Manifest{}, fmt.Errorf("%w: unknown type %q", ErrInvalidManifest, m.Type)
	}
	return m, nil
}
