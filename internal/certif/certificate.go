// Package certif owns the certificate side of the client: the signed
// certificate formats, the pure validator deciding whether a candidate
// extends the local log, the append-only store with its folded view,
// and the operations producing new certificates against the server.
package certif

import (
	"fmt"

	"github.com/Scille/parsec-cloud-sub017/internal/codec"
	"github.com/Scille/parsec-cloud-sub017/internal/seal"
	"github.com/Scille/parsec-cloud-sub017/internal/types"
)

type Type string

const (
	TypeUser                    Type = "user_certificate"
	TypeDevice                  Type = "device_certificate"
	TypeRealmRole               Type = "realm_role_certificate"
	TypeRealmName               Type = "realm_name_certificate"
	TypeRealmKeyRotation        Type = "realm_key_rotation_certificate"
	TypeUserUpdateProfile       Type = "user_update_certificate"
	TypeUserRevoked             Type = "revoked_user_certificate"
	TypeSequesterAuthority      Type = "sequester_authority_certificate"
	TypeSequesterService        Type = "sequester_service_certificate"
	TypeSequesterServiceRevoked Type = "sequester_revoked_service_certificate"
	TypeShamirRecoveryBrief     Type = "shamir_recovery_brief_certificate"
	TypeShamirRecoveryShare     Type = "shamir_recovery_share_certificate"
)

// Certificate is a signed, timestamped fact. Author is the device that
// signed it; it is empty for root-signed certificates (organization
// bootstrap, sequester authority). Exactly one payload field matching
// Type is set.
type Certificate struct {
	Type      Type           `cbor:"type"`
	Author    types.DeviceID `cbor:"author,omitempty"`
	Timestamp types.DateTime `cbor:"timestamp"`

	User                    *UserPayload                    `cbor:"user,omitempty"`
	Device                  *DevicePayload                  `cbor:"device,omitempty"`
	RealmRole               *RealmRolePayload               `cbor:"realm_role,omitempty"`
	RealmName               *RealmNamePayload               `cbor:"realm_name,omitempty"`
	RealmKeyRotation        *RealmKeyRotationPayload        `cbor:"realm_key_rotation,omitempty"`
	UserUpdateProfile       *UserUpdateProfilePayload       `cbor:"user_update,omitempty"`
	UserRevoked             *UserRevokedPayload             `cbor:"user_revoked,omitempty"`
	SequesterAuthority      *SequesterAuthorityPayload      `cbor:"sequester_authority,omitempty"`
	SequesterService        *SequesterServicePayload        `cbor:"sequester_service,omitempty"`
	SequesterServiceRevoked *SequesterServiceRevokedPayload `cbor:"sequester_service_revoked,omitempty"`
	ShamirRecoveryBrief     *ShamirRecoveryBriefPayload     `cbor:"shamir_brief,omitempty"`
	ShamirRecoveryShare     *ShamirRecoverySharePayload     `cbor:"shamir_share,omitempty"`
}

// UserPayload introduces a user. HumanHandle is empty in the redacted
// form served to Outsider profiles.
type UserPayload struct {
	UserID      types.UserID      `cbor:"user_id"`
	Profile     types.UserProfile `cbor:"profile"`
	PublicKey   seal.BoxPublicKey `cbor:"public_key"`
	HumanHandle string            `cbor:"human_handle,omitempty"`
}

// DevicePayload introduces a device and its verify key. Label is empty
// in the redacted form.
type DevicePayload struct {
	DeviceID  types.DeviceID `cbor:"device_id"`
	VerifyKey seal.VerifyKey `cbor:"verify_key"`
	Label     string         `cbor:"label,omitempty"`
}

// RealmRolePayload grants Role to UserID in RealmID; RoleNone revokes
// access. The first role certificate of a realm is its creation and
// must be a self-granted Owner.
type RealmRolePayload struct {
	RealmID types.VlobID    `cbor:"realm_id"`
	UserID  types.UserID    `cbor:"user_id"`
	Role    types.RealmRole `cbor:"role,omitempty"`
}

type RealmNamePayload struct {
	RealmID       types.VlobID `cbor:"realm_id"`
	KeyIndex      uint64       `cbor:"key_index"`
	EncryptedName []byte       `cbor:"encrypted_name"`
}

// RealmKeyRotationPayload introduces realm key KeyIndex. Keys holds,
// per member able to read, the full ordered bundle of realm keys up to
// and including the new one, so a freshly shared member can open
// content sealed under earlier indexes. Canary is an empty payload
// sealed with the new key itself, proving the author knew it.
type RealmKeyRotationPayload struct {
	RealmID  types.VlobID            `cbor:"realm_id"`
	KeyIndex uint64                  `cbor:"key_index"`
	Canary   []byte                  `cbor:"canary"`
	Keys     map[types.UserID][]byte `cbor:"keys"`
}

type UserUpdateProfilePayload struct {
	UserID     types.UserID      `cbor:"user_id"`
	NewProfile types.UserProfile `cbor:"new_profile"`
}

type UserRevokedPayload struct {
	UserID types.UserID `cbor:"user_id"`
}

type SequesterAuthorityPayload struct {
	VerifyKey seal.VerifyKey `cbor:"verify_key"`
}

// SequesterServicePayload registers an escrow recipient. EncryptionKey
// is an opaque public key blob the client never interprets.
type SequesterServicePayload struct {
	ServiceID     types.SequesterServiceID `cbor:"service_id"`
	Label         string                   `cbor:"label"`
	EncryptionKey []byte                   `cbor:"encryption_key"`
}

type SequesterServiceRevokedPayload struct {
	ServiceID types.SequesterServiceID `cbor:"service_id"`
}

// ShamirRecoveryBriefPayload declares a user's recovery setup: how many
// shares each recipient holds and how many are needed to recover.
type ShamirRecoveryBriefPayload struct {
	UserID    types.UserID            `cbor:"user_id"`
	Threshold uint32                  `cbor:"threshold"`
	Shares    map[types.UserID]uint32 `cbor:"shares"`
}

type ShamirRecoverySharePayload struct {
	UserID         types.UserID `cbor:"user_id"`
	Recipient      types.UserID `cbor:"recipient"`
	EncryptedShare []byte       `cbor:"encrypted_share"`
}

type signedEnvelope struct {
	Payload   []byte `cbor:"payload"`
	Signature []byte `cbor:"signature"`
}

// Sign serializes the certificate and wraps it with a signature over
// the serialized payload.
func Sign(cert *Certificate, key seal.SigningKey) ([]byte, error) {
	if err := cert.check(); err != nil {
		return nil, err
	}
	payload, err := codec.Marshal(cert)
	if err != nil {
		return nil, err
	}
	return codec.Marshal(signedEnvelope{
		Payload:   payload,
		Signature: key.Sign(payload),
	})
}

// Unverified decodes a certificate without checking its signature, for
// contexts where the author's key is not known yet (folding the local
// log, computing the scope before validation).
func Unverified(raw []byte) (*Certificate, error) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	return decodePayload(env.Payload)
}

// Verify decodes a certificate and checks its signature against key.
func Verify(raw []byte, key seal.VerifyKey) (*Certificate, error) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	if err := key.Verify(env.Payload, env.Signature); err != nil {
		return nil, err
	}
	return decodePayload(env.Payload)
}

func decodeEnvelope(raw []byte) (signedEnvelope, error) {
	var env signedEnvelope
	if err := codec.Unmarshal(raw, &env); err != nil {
		return signedEnvelope{}, fmt.Errorf("certificate envelope: %w", err)
	}
	if len(env.Payload) == 0 || len(env.Signature) == 0 {
		return signedEnvelope{}, fmt.Errorf("certificate envelope: missing payload or signature")
	}
	return env, nil
}

func decodePayload(payload []byte) (*Certificate, error) {
	var cert Certificate
	if err := codec.Unmarshal(payload, &cert); err != nil {
		return nil, fmt.Errorf("certificate payload: %w", err)
	}
	if err := cert.check(); err != nil {
		return nil, err
	}
	return &cert, nil
}

// check enforces that exactly the payload matching Type is present.
func (c *Certificate) check() error {
	payloads := map[Type]bool{
		TypeUser:                    c.User != nil,
		TypeDevice:                  c.Device != nil,
		TypeRealmRole:               c.RealmRole != nil,
		TypeRealmName:               c.RealmName != nil,
		TypeRealmKeyRotation:        c.RealmKeyRotation != nil,
		TypeUserUpdateProfile:       c.UserUpdateProfile != nil,
		TypeUserRevoked:             c.UserRevoked != nil,
		TypeSequesterAuthority:      c.SequesterAuthority != nil,
		TypeSequesterService:        c.SequesterService != nil,
		TypeSequesterServiceRevoked: c.SequesterServiceRevoked != nil,
		TypeShamirRecoveryBrief:     c.ShamirRecoveryBrief != nil,
		TypeShamirRecoveryShare:     c.ShamirRecoveryShare != nil,
	}
	want, known := payloads[c.Type]
	if !known || !want {
		return fmt.Errorf("certificate type %q has no matching payload", c.Type)
	}
	set := 0
	for _, present := range payloads {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("certificate carries %d payloads, want exactly 1", set)
	}
	if c.Timestamp.IsZero() {
		return fmt.Errorf("certificate has no timestamp")
	}
	return nil
}

// Scope is the timestamp-ordering domain of a certificate: one per
// realm, one per subject user, one shared sequester scope.
func (c *Certificate) Scope() string {
	switch c.Type {
	case TypeRealmRole:
		return "realm/" + c.RealmRole.RealmID.String()
	case TypeRealmName:
		return "realm/" + c.RealmName.RealmID.String()
	case TypeRealmKeyRotation:
		return "realm/" + c.RealmKeyRotation.RealmID.String()
	case TypeSequesterAuthority, TypeSequesterService, TypeSequesterServiceRevoked:
		return "sequester"
	case TypeUser:
		return "user/" + string(c.User.UserID)
	case TypeDevice:
		return "user/" + string(c.Device.DeviceID.UserID())
	case TypeUserUpdateProfile:
		return "user/" + string(c.UserUpdateProfile.UserID)
	case TypeUserRevoked:
		return "user/" + string(c.UserRevoked.UserID)
	case TypeShamirRecoveryBrief:
		return "user/" + string(c.ShamirRecoveryBrief.UserID)
	case TypeShamirRecoveryShare:
		return "user/" + string(c.ShamirRecoveryShare.UserID)
	default:
		return "unknown"
	}
}

// CarriesPersonalData reports whether the certificate holds fields the
// redacted form strips (human handles, device labels). A log with any
// such certificate must be rebuilt when the local profile becomes
// Outsider.
func (c *Certificate) CarriesPersonalData() bool {
	switch c.Type {
	case TypeUser:
		return c.User.HumanHandle != ""
	case TypeDevice:
		return c.Device.Label != ""
	default:
		return false
	}
}
