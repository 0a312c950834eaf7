// Package protocol is the client side of the request/response transport.
// Payloads (certificates, manifests, blocks) are opaque bytes here;
// identifiers and timestamps travel as explicit arguments so the
// transport never decodes application data.
package protocol

import (
	"context"

	"github.com/Scille/parsec-cloud-sub017/internal/types"
)

// Vlob is the server-side envelope for an encrypted manifest.
type Vlob struct {
	VlobID    types.VlobID
	Version   uint32
	KeyIndex  uint64
	Author    types.DeviceID
	Timestamp types.DateTime
	Blob      []byte
}

// Cmds is the closed set of authenticated commands consumed from the
// server. Every method suspends on the network and reports no-response
// conditions as ErrOffline.
type Cmds interface {
	// CertificateGet returns all certificates with insertion index
	// >= offset, in insertion order.
	CertificateGet(ctx context.Context, offset uint64) ([][]byte, error)

	// RealmCreate uploads the initial self-role certificate. Replies:
	// ok, RealmAlreadyExistsError, RequireGreaterTimestampError,
	// TimestampOutOfBallparkError, ErrInvalidCertificate.
	RealmCreate(ctx context.Context, realmID types.VlobID, timestamp types.DateTime, roleCertificate []byte) error

	// RealmShare uploads a role grant/revoke certificate for another
	// user.
	RealmShare(ctx context.Context, realmID types.VlobID, timestamp types.DateTime, roleCertificate []byte) error

	// RealmRename uploads a realm name certificate.
	RealmRename(ctx context.Context, realmID types.VlobID, timestamp types.DateTime, nameCertificate []byte) error

	// RealmRotateKey uploads a key rotation certificate for keyIndex.
	RealmRotateKey(ctx context.Context, realmID types.VlobID, keyIndex uint64, timestamp types.DateTime, keyRotationCertificate []byte) error

	// UserUpdateProfile uploads a profile update certificate.
	UserUpdateProfile(ctx context.Context, userID types.UserID, timestamp types.DateTime, profileCertificate []byte) error

	// VlobCreate uploads version 1 of a vlob. Replies: ok,
	// ErrBadVersion (already exists), RequireGreaterTimestampError,
	// ErrNotAllowed.
	VlobCreate(ctx context.Context, realmID, vlobID types.VlobID, keyIndex uint64, timestamp types.DateTime, blob []byte) error

	// VlobUpdate uploads the given version; the server rejects with
	// ErrBadVersion unless version == current + 1.
	VlobUpdate(ctx context.Context, realmID, vlobID types.VlobID, version uint32, keyIndex uint64, timestamp types.DateTime, blob []byte) error

	// VlobRead fetches a vlob; version 0 means latest.
	VlobRead(ctx context.Context, realmID, vlobID types.VlobID, version uint32) (Vlob, error)

	// VlobPollChanges lists vlobs changed since checkpoint, returning
	// the new checkpoint and the latest version per changed vlob.
	VlobPollChanges(ctx context.Context, realmID types.VlobID, checkpoint uint64) (uint64, map[types.VlobID]uint32, error)

	// BlockCreate uploads an immutable block. Uploading the same block
	// twice replies ErrBlockAlreadyExists, which callers treat as
	// success.
	BlockCreate(ctx context.Context, realmID types.VlobID, blockID types.BlockID, keyIndex uint64, data []byte) error

	// BlockRead fetches a block, returning its bytes and the key index
	// it was sealed under.
	BlockRead(ctx context.Context, blockID types.BlockID) ([]byte, uint64, error)
}

// ServerEvent is a push notification from the events_listen stream.
type ServerEvent interface {
	isServerEvent()
}

type ServerEventCertificatesUpdated struct {
	Index uint64 `json:"index"`
}

type ServerEventRealmVlobsUpdated struct {
	RealmID    types.VlobID `json:"realmId"`
	Checkpoint uint64       `json:"checkpoint"`
	SrcID      types.VlobID `json:"srcId"`
	SrcVersion uint32       `json:"srcVersion"`
}

type ServerEventMessageReceived struct {
	Index uint64 `json:"index"`
}

type ServerEventInviteStatusChanged struct {
	Token  string `json:"token"`
	Status string `json:"status"`
}

type ServerEventRealmMaintenance struct {
	RealmID  types.VlobID `json:"realmId"`
	Finished bool         `json:"finished"`
}

func (ServerEventCertificatesUpdated) isServerEvent() {}
func (ServerEventRealmVlobsUpdated) isServerEvent()   {}
func (ServerEventMessageReceived) isServerEvent()     {}
func (ServerEventInviteStatusChanged) isServerEvent() {}
func (ServerEventRealmMaintenance) isServerEvent()    {}

// EventStream is the events_listen server-push stream. Next blocks for
// the next event; a broken stream surfaces as ErrOffline and the
// connection monitor reconnects once the server is reachable again.
type EventStream interface {
	Next(ctx context.Context) (ServerEvent, error)
	Close() error
}

// Listener opens event streams.
type Listener interface {
	Listen(ctx context.Context) (EventStream, error)
}
