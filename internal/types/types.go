package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// VlobID identifies a versioned blob; a realm is identified by the
// VlobID of its root manifest.
type VlobID uuid.UUID

type BlockID uuid.UUID

type ChunkID uuid.UUID

type SequesterServiceID uuid.UUID

type UserID string

type DeviceID string

type OrganizationID string

func NewVlobID() VlobID                         { return VlobID(uuid.New()) }
func NewBlockID() BlockID                       { return BlockID(uuid.New()) }
func NewChunkID() ChunkID                       { return ChunkID(uuid.New()) }
func NewSequesterServiceID() SequesterServiceID { return SequesterServiceID(uuid.New()) }

func (id VlobID) String() string             { return uuid.UUID(id).String() }
func (id BlockID) String() string            { return uuid.UUID(id).String() }
func (id ChunkID) String() string            { return uuid.UUID(id).String() }
func (id SequesterServiceID) String() string { return uuid.UUID(id).String() }

func (id VlobID) IsZero() bool { return id == VlobID(uuid.Nil) }

func ParseVlobID(raw string) (VlobID, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return VlobID{}, fmt.Errorf("invalid vlob id %q: %w", raw, err)
	}
	return VlobID(parsed), nil
}

func (id VlobID) MarshalText() ([]byte, error)  { return uuid.UUID(id).MarshalText() }
func (id *VlobID) UnmarshalText(b []byte) error { return (*uuid.UUID)(id).UnmarshalText(b) }

func (id BlockID) MarshalText() ([]byte, error)  { return uuid.UUID(id).MarshalText() }
func (id *BlockID) UnmarshalText(b []byte) error { return (*uuid.UUID)(id).UnmarshalText(b) }

func (id ChunkID) MarshalText() ([]byte, error)  { return uuid.UUID(id).MarshalText() }
func (id *ChunkID) UnmarshalText(b []byte) error { return (*uuid.UUID)(id).UnmarshalText(b) }

func (id SequesterServiceID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

func (id *SequesterServiceID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}

func (u UserID) DeviceID(label string) DeviceID {
	return DeviceID(string(u) + "@" + label)
}

// UserID extracts the user half of a device identifier. Device IDs are
// "user@device-label"; a device ID without a separator belongs to a
// user of the same name.
func (d DeviceID) UserID() UserID {
	raw := string(d)
	if idx := strings.IndexByte(raw, '@'); idx >= 0 {
		return UserID(raw[:idx])
	}
	return UserID(raw)
}

type RealmRole string

const (
	RoleOwner       RealmRole = "owner"
	RoleManager     RealmRole = "manager"
	RoleContributor RealmRole = "contributor"
	RoleReader      RealmRole = "reader"
	// RoleNone revokes access when carried by a RealmRole certificate.
	RoleNone RealmRole = ""
)

func (r RealmRole) CanWrite() bool {
	return r == RoleOwner || r == RoleManager || r == RoleContributor
}

func (r RealmRole) CanRead() bool {
	return r.CanWrite() || r == RoleReader
}

// CanGrant reports whether a holder of role r may grant or revoke the
// given role for someone else. Owners manage everything including
// other Owners and Managers; Managers manage Contributors and Readers.
func (r RealmRole) CanGrant(granted RealmRole) bool {
	switch r {
	case RoleOwner:
		return true
	case RoleManager:
		return granted == RoleContributor || granted == RoleReader || granted == RoleNone
	default:
		return false
	}
}

type UserProfile string

const (
	ProfileAdmin    UserProfile = "admin"
	ProfileStandard UserProfile = "standard"
	ProfileOutsider UserProfile = "outsider"
)

// DateTime is a microsecond-truncated UTC timestamp. Sub-microsecond
// precision is dropped so that encode/decode round trips compare equal.
type DateTime struct {
	time.Time
}

func Now() DateTime {
	return DateTimeFrom(time.Now())
}

func DateTimeFrom(t time.Time) DateTime {
	return DateTime{t.UTC().Truncate(time.Microsecond)}
}

func (d DateTime) After(other DateTime) bool  { return d.Time.After(other.Time) }
func (d DateTime) Before(other DateTime) bool { return d.Time.Before(other.Time) }

func (d DateTime) Add(delta time.Duration) DateTime {
	return DateTimeFrom(d.Time.Add(delta))
}

func (d DateTime) MarshalText() ([]byte, error) {
	return []byte(d.Time.Format(time.RFC3339Nano)), nil
}

func (d *DateTime) UnmarshalText(b []byte) error {
	parsed, err := time.Parse(time.RFC3339Nano, string(b))
	if err != nil {
		return err
	}
	*d = DateTimeFrom(parsed)
	return nil
}
