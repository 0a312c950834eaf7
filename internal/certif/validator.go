package certif

import (
	"fmt"

	"github.com/Scille/parsec-cloud-sub017/internal/protocol"
	"github.com/Scille/parsec-cloud-sub017/internal/seal"
	"github.com/Scille/parsec-cloud-sub017/internal/types"
)

type Verdict int

const (
	VerdictAccept Verdict = iota
	VerdictReject
	// VerdictRetry is only produced for locally produced candidates
	// whose timestamp is no longer strictly greater than the scope's
	// last one: re-stamp above StrictlyGreaterThan and resubmit.
	VerdictRetry
)

type Reason string

const (
	ReasonCorrupted            Reason = "corrupted"
	ReasonBadSignature         Reason = "bad_signature"
	ReasonInvalidTimestamp     Reason = "invalid_timestamp"
	ReasonUnknownAuthor        Reason = "unknown_author"
	ReasonRevokedAuthor        Reason = "revoked_author"
	ReasonNotAllowed           Reason = "not_allowed"
	ReasonContentAlreadyExists Reason = "content_already_exists"
	ReasonAlreadyExists        Reason = "already_exists"
	ReasonUnknownSubject       Reason = "unknown_subject"
	ReasonRevokedSubject       Reason = "revoked_subject"
	ReasonBadKeyIndex          Reason = "bad_key_index"
	ReasonMissingAuthority     Reason = "missing_sequester_authority"
)

type Validation struct {
	Verdict Verdict
	Reason  Reason
	// StrictlyGreaterThan is set on VerdictRetry.
	StrictlyGreaterThan types.DateTime
}

func accept() Validation              { return Validation{Verdict: VerdictAccept} }
func reject(reason Reason) Validation { return Validation{Verdict: VerdictReject, Reason: reason} }
func retry(after types.DateTime) Validation {
	return Validation{Verdict: VerdictRetry, StrictlyGreaterThan: after}
}

// InvalidCertificateError reports a rejected candidate; Index is the
// 1-based log position it would have taken.
type InvalidCertificateError struct {
	Index  uint64
	Reason Reason
}

func (e *InvalidCertificateError) Error() string {
	return fmt.Sprintf("invalid certificate at index %d: %s", e.Index, e.Reason)
}

func (e *InvalidCertificateError) Is(target error) bool {
	return target == protocol.ErrInvalidCertificate
}

// Validator decides whether a candidate certificate extends a folded
// log prefix. It is pure: no network, no clock, no storage. Root is
// the organization verify key that authorless bootstrap certificates
// are signed with.
type Validator struct {
	Root seal.VerifyKey
}

// Validate decodes, signature-checks and authorizes a candidate
// against the snapshot. The decoded certificate is returned whenever
// decoding succeeded, whatever the verdict.
func (v Validator) Validate(snap *Snapshot, raw []byte, locallyProduced bool) (*Certificate, Validation) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, reject(ReasonCorrupted)
	}
	cert, err := decodePayload(env.Payload)
	if err != nil {
		return nil, reject(ReasonCorrupted)
	}

	if _, dup := snap.contentHashes[seal.Hash(raw)]; dup {
		return cert, reject(ReasonContentAlreadyExists)
	}

	signer, validation := v.signerKey(snap, cert)
	if validation.Verdict != VerdictAccept {
		return cert, validation
	}
	if err := signer.Verify(env.Payload, env.Signature); err != nil {
		return cert, reject(ReasonBadSignature)
	}

	if last, ok := snap.LastTimestamp(cert.Scope()); ok && !cert.Timestamp.After(last) {
		if locallyProduced {
			return cert, retry(last)
		}
		return cert, reject(ReasonInvalidTimestamp)
	}

	return cert, v.authorize(snap, cert)
}

// signerKey resolves which verify key must have signed the candidate.
func (v Validator) signerKey(snap *Snapshot, cert *Certificate) (seal.VerifyKey, Validation) {
	switch cert.Type {
	case TypeSequesterAuthority:
		if cert.Author != "" {
			return seal.VerifyKey{}, reject(ReasonNotAllowed)
		}
		return v.Root, accept()
	case TypeSequesterService, TypeSequesterServiceRevoked:
		authority, ok := snap.SequesterAuthority()
		if !ok {
			return seal.VerifyKey{}, reject(ReasonMissingAuthority)
		}
		return authority, accept()
	}
	if cert.Author == "" {
		// Only user and device certificates may be root-signed, as
		// produced by organization bootstrap.
		if cert.Type != TypeUser && cert.Type != TypeDevice {
			return seal.VerifyKey{}, reject(ReasonUnknownAuthor)
		}
		return v.Root, accept()
	}
	device, ok := snap.Device(cert.Author)
	if !ok {
		return seal.VerifyKey{}, reject(ReasonUnknownAuthor)
	}
	author, ok := snap.User(cert.Author.UserID())
	if !ok {
		return seal.VerifyKey{}, reject(ReasonUnknownAuthor)
	}
	if author.Revoked {
		return seal.VerifyKey{}, reject(ReasonRevokedAuthor)
	}
	return device.VerifyKey, accept()
}

func (v Validator) authorize(snap *Snapshot, cert *Certificate) Validation {
	authorUser := cert.Author.UserID()
	switch cert.Type {
	case TypeUser:
		if _, exists := snap.User(cert.User.UserID); exists {
			return reject(ReasonAlreadyExists)
		}
		if cert.Author != "" {
			author, _ := snap.User(authorUser)
			if author.Profile != types.ProfileAdmin {
				return reject(ReasonNotAllowed)
			}
		}
		return accept()

	case TypeDevice:
		if _, exists := snap.Device(cert.Device.DeviceID); exists {
			return reject(ReasonAlreadyExists)
		}
		subject := cert.Device.DeviceID.UserID()
		if _, exists := snap.User(subject); !exists {
			return reject(ReasonUnknownSubject)
		}
		if cert.Author != "" {
			author, _ := snap.User(authorUser)
			if authorUser != subject && author.Profile != types.ProfileAdmin {
				return reject(ReasonNotAllowed)
			}
		}
		return accept()

	case TypeRealmRole:
		payload := cert.RealmRole
		subject, exists := snap.User(payload.UserID)
		if !exists {
			return reject(ReasonUnknownSubject)
		}
		if subject.Revoked {
			return reject(ReasonRevokedSubject)
		}
		if subject.Profile == types.ProfileOutsider &&
			(payload.Role == types.RoleOwner || payload.Role == types.RoleManager) {
			return reject(ReasonNotAllowed)
		}
		if cert.Author == "" {
			return reject(ReasonUnknownAuthor)
		}
		if !snap.HasRealm(payload.RealmID) {
			// Realm creation: the author grants Owner to themselves.
			if payload.UserID != authorUser || payload.Role != types.RoleOwner {
				return reject(ReasonNotAllowed)
			}
			return accept()
		}
		authorRole := snap.RealmRole(payload.RealmID, authorUser)
		current := snap.RealmRole(payload.RealmID, payload.UserID)
		if !authorRole.CanGrant(payload.Role) || !authorRole.CanGrant(current) {
			return reject(ReasonNotAllowed)
		}
		return accept()

	case TypeRealmName:
		payload := cert.RealmName
		if !snap.HasRealm(payload.RealmID) {
			return reject(ReasonUnknownSubject)
		}
		if snap.RealmRole(payload.RealmID, authorUser) != types.RoleOwner {
			return reject(ReasonNotAllowed)
		}
		if _, ok := snap.KeyRotation(payload.RealmID, payload.KeyIndex); !ok {
			return reject(ReasonBadKeyIndex)
		}
		return accept()

	case TypeRealmKeyRotation:
		payload := cert.RealmKeyRotation
		if !snap.HasRealm(payload.RealmID) {
			return reject(ReasonUnknownSubject)
		}
		if snap.RealmRole(payload.RealmID, authorUser) != types.RoleOwner {
			return reject(ReasonNotAllowed)
		}
		if payload.KeyIndex != snap.CurrentKeyIndex(payload.RealmID)+1 {
			return reject(ReasonBadKeyIndex)
		}
		if len(payload.Canary) == 0 {
			return reject(ReasonCorrupted)
		}
		return accept()

	case TypeUserUpdateProfile:
		payload := cert.UserUpdateProfile
		subject, exists := snap.User(payload.UserID)
		if !exists {
			return reject(ReasonUnknownSubject)
		}
		if subject.Revoked {
			return reject(ReasonRevokedSubject)
		}
		author, _ := snap.User(authorUser)
		if author.Profile != types.ProfileAdmin || authorUser == payload.UserID {
			return reject(ReasonNotAllowed)
		}
		return accept()

	case TypeUserRevoked:
		payload := cert.UserRevoked
		subject, exists := snap.User(payload.UserID)
		if !exists {
			return reject(ReasonUnknownSubject)
		}
		if subject.Revoked {
			return reject(ReasonAlreadyExists)
		}
		author, _ := snap.User(authorUser)
		if author.Profile != types.ProfileAdmin || authorUser == payload.UserID {
			return reject(ReasonNotAllowed)
		}
		return accept()

	case TypeSequesterAuthority:
		if _, exists := snap.SequesterAuthority(); exists {
			return reject(ReasonAlreadyExists)
		}
		return accept()

	case TypeSequesterService:
		if _, exists := snap.sequesterServices[cert.SequesterService.ServiceID]; exists {
			return reject(ReasonAlreadyExists)
		}
		return accept()

	case TypeSequesterServiceRevoked:
		state, exists := snap.sequesterServices[cert.SequesterServiceRevoked.ServiceID]
		if !exists {
			return reject(ReasonUnknownSubject)
		}
		if state.Revoked {
			return reject(ReasonAlreadyExists)
		}
		return accept()

	case TypeShamirRecoveryBrief:
		payload := cert.ShamirRecoveryBrief
		if authorUser != payload.UserID {
			return reject(ReasonNotAllowed)
		}
		if payload.Threshold == 0 {
			return reject(ReasonCorrupted)
		}
		var total uint32
		for recipient, shares := range payload.Shares {
			state, exists := snap.User(recipient)
			if !exists {
				return reject(ReasonUnknownSubject)
			}
			if state.Revoked || recipient == payload.UserID {
				return reject(ReasonNotAllowed)
			}
			total += shares
		}
		if payload.Threshold > total {
			return reject(ReasonCorrupted)
		}
		return accept()

	case TypeShamirRecoveryShare:
		payload := cert.ShamirRecoveryShare
		if authorUser != payload.UserID {
			return reject(ReasonNotAllowed)
		}
		if _, exists := snap.User(payload.Recipient); !exists {
			return reject(ReasonUnknownSubject)
		}
		return accept()
	}
	return reject(ReasonCorrupted)
}
