package certif

import (
	"sort"

	"github.com/Scille/parsec-cloud-sub017/internal/seal"
	"github.com/Scille/parsec-cloud-sub017/internal/types"
)

// UpTo selects how much of the log a read should see: everything, or
// only the prefix up to a given 1-based index. Reads against a fixed
// index stay stable while the log grows.
type UpTo struct {
	index   uint64
	current bool
}

func UpToCurrent() UpTo           { return UpTo{current: true} }
func UpToIndex(index uint64) UpTo { return UpTo{index: index} }

type UserState struct {
	Profile        types.UserProfile
	PublicKey      seal.BoxPublicKey
	Revoked        bool
	HasHumanHandle bool
}

type DeviceState struct {
	VerifyKey seal.VerifyKey
}

type SequesterServiceState struct {
	Label   string
	Revoked bool
}

type realmState struct {
	roles         map[types.UserID]types.RealmRole
	rotations     []*RealmKeyRotationPayload
	encryptedName []byte
	nameKeyIndex  uint64
}

// Snapshot is the folded view of a log prefix. Snapshots are immutable
// once published; the store swaps in a fresh one per append batch.
type Snapshot struct {
	count          uint64
	lastTimestamps map[string]types.DateTime
	contentHashes  map[string]uint64

	users   map[types.UserID]UserState
	devices map[types.DeviceID]DeviceState
	realms  map[types.VlobID]*realmState

	sequesterAuthority *seal.VerifyKey
	sequesterServices  map[types.SequesterServiceID]SequesterServiceState

	personalData bool
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		lastTimestamps:    map[string]types.DateTime{},
		contentHashes:     map[string]uint64{},
		users:             map[types.UserID]UserState{},
		devices:           map[types.DeviceID]DeviceState{},
		realms:            map[types.VlobID]*realmState{},
		sequesterServices: map[types.SequesterServiceID]SequesterServiceState{},
	}
}

func (s *Snapshot) clone() *Snapshot {
	out := &Snapshot{
		count:              s.count,
		lastTimestamps:     make(map[string]types.DateTime, len(s.lastTimestamps)),
		contentHashes:      make(map[string]uint64, len(s.contentHashes)),
		users:              make(map[types.UserID]UserState, len(s.users)),
		devices:            make(map[types.DeviceID]DeviceState, len(s.devices)),
		realms:             make(map[types.VlobID]*realmState, len(s.realms)),
		sequesterAuthority: s.sequesterAuthority,
		sequesterServices:  make(map[types.SequesterServiceID]SequesterServiceState, len(s.sequesterServices)),
		personalData:       s.personalData,
	}
	for k, v := range s.lastTimestamps {
		out.lastTimestamps[k] = v
	}
	for k, v := range s.contentHashes {
		out.contentHashes[k] = v
	}
	for k, v := range s.users {
		out.users[k] = v
	}
	for k, v := range s.devices {
		out.devices[k] = v
	}
	for k, v := range s.sequesterServices {
		out.sequesterServices[k] = v
	}
	for id, realm := range s.realms {
		cloned := &realmState{
			roles:         make(map[types.UserID]types.RealmRole, len(realm.roles)),
			rotations:     append([]*RealmKeyRotationPayload(nil), realm.rotations...),
			encryptedName: realm.encryptedName,
			nameKeyIndex:  realm.nameKeyIndex,
		}
		for u, r := range realm.roles {
			cloned.roles[u] = r
		}
		out.realms[id] = cloned
	}
	return out
}

// apply folds one validated certificate into the snapshot.
func (s *Snapshot) apply(cert *Certificate, raw []byte) {
	s.count++
	s.lastTimestamps[cert.Scope()] = cert.Timestamp
	s.contentHashes[seal.Hash(raw)] = s.count
	if cert.CarriesPersonalData() {
		s.personalData = true
	}
	switch cert.Type {
	case TypeUser:
		s.users[cert.User.UserID] = UserState{
			Profile:        cert.User.Profile,
			PublicKey:      cert.User.PublicKey,
			HasHumanHandle: cert.User.HumanHandle != "",
		}
	case TypeDevice:
		s.devices[cert.Device.DeviceID] = DeviceState{VerifyKey: cert.Device.VerifyKey}
	case TypeUserUpdateProfile:
		state := s.users[cert.UserUpdateProfile.UserID]
		state.Profile = cert.UserUpdateProfile.NewProfile
		s.users[cert.UserUpdateProfile.UserID] = state
	case TypeUserRevoked:
		state := s.users[cert.UserRevoked.UserID]
		state.Revoked = true
		s.users[cert.UserRevoked.UserID] = state
	case TypeRealmRole:
		payload := cert.RealmRole
		realm, ok := s.realms[payload.RealmID]
		if !ok {
			realm = &realmState{roles: map[types.UserID]types.RealmRole{}}
			s.realms[payload.RealmID] = realm
		}
		if payload.Role == types.RoleNone {
			delete(realm.roles, payload.UserID)
		} else {
			realm.roles[payload.UserID] = payload.Role
		}
	case TypeRealmName:
		realm := s.realms[cert.RealmName.RealmID]
		realm.encryptedName = cert.RealmName.EncryptedName
		realm.nameKeyIndex = cert.RealmName.KeyIndex
	case TypeRealmKeyRotation:
		realm := s.realms[cert.RealmKeyRotation.RealmID]
		realm.rotations = append(realm.rotations, cert.RealmKeyRotation)
	case TypeSequesterAuthority:
		key := cert.SequesterAuthority.VerifyKey
		s.sequesterAuthority = &key
	case TypeSequesterService:
		s.sequesterServices[cert.SequesterService.ServiceID] = SequesterServiceState{
			Label: cert.SequesterService.Label,
		}
	case TypeSequesterServiceRevoked:
		state := s.sequesterServices[cert.SequesterServiceRevoked.ServiceID]
		state.Revoked = true
		s.sequesterServices[cert.SequesterServiceRevoked.ServiceID] = state
	}
}

// Count is the number of certificates folded in, which is also the
// index of the last one.
func (s *Snapshot) Count() uint64 { return s.count }

func (s *Snapshot) LastTimestamp(scope string) (types.DateTime, bool) {
	ts, ok := s.lastTimestamps[scope]
	return ts, ok
}

func (s *Snapshot) User(id types.UserID) (UserState, bool) {
	state, ok := s.users[id]
	return state, ok
}

func (s *Snapshot) Device(id types.DeviceID) (DeviceState, bool) {
	state, ok := s.devices[id]
	return state, ok
}

// RealmRole is the current role of a user in a realm, RoleNone when
// the user has no access or the realm is unknown.
func (s *Snapshot) RealmRole(realmID types.VlobID, userID types.UserID) types.RealmRole {
	realm, ok := s.realms[realmID]
	if !ok {
		return types.RoleNone
	}
	return realm.roles[userID]
}

func (s *Snapshot) HasRealm(realmID types.VlobID) bool {
	_, ok := s.realms[realmID]
	return ok
}

// RealmMembers lists users holding a role, sorted for determinism.
func (s *Snapshot) RealmMembers(realmID types.VlobID) []types.UserID {
	realm, ok := s.realms[realmID]
	if !ok {
		return nil
	}
	out := make([]types.UserID, 0, len(realm.roles))
	for user := range realm.roles {
		out = append(out, user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RealmsFor lists the realms where the user currently holds a role.
func (s *Snapshot) RealmsFor(userID types.UserID) []types.VlobID {
	var out []types.VlobID
	for id, realm := range s.realms {
		if realm.roles[userID] != types.RoleNone {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// CurrentKeyIndex is the latest realm key index, 0 when the realm has
// no key yet.
func (s *Snapshot) CurrentKeyIndex(realmID types.VlobID) uint64 {
	realm, ok := s.realms[realmID]
	if !ok || len(realm.rotations) == 0 {
		return 0
	}
	return realm.rotations[len(realm.rotations)-1].KeyIndex
}

// KeyRotations lists the realm's rotation payloads in key index order.
func (s *Snapshot) KeyRotations(realmID types.VlobID) []*RealmKeyRotationPayload {
	realm, ok := s.realms[realmID]
	if !ok {
		return nil
	}
	return append([]*RealmKeyRotationPayload(nil), realm.rotations...)
}

func (s *Snapshot) KeyRotation(realmID types.VlobID, keyIndex uint64) (*RealmKeyRotationPayload, bool) {
	realm, ok := s.realms[realmID]
	if !ok {
		return nil, false
	}
	for _, rotation := range realm.rotations {
		if rotation.KeyIndex == keyIndex {
			return rotation, true
		}
	}
	return nil, false
}

// RealmEncryptedName returns the latest name certificate content and
// the key index it was sealed under.
func (s *Snapshot) RealmEncryptedName(realmID types.VlobID) ([]byte, uint64, bool) {
	realm, ok := s.realms[realmID]
	if !ok || realm.encryptedName == nil {
		return nil, 0, false
	}
	return realm.encryptedName, realm.nameKeyIndex, true
}

func (s *Snapshot) SequesterAuthority() (seal.VerifyKey, bool) {
	if s.sequesterAuthority == nil {
		return seal.VerifyKey{}, false
	}
	return *s.sequesterAuthority, true
}

func (s *Snapshot) SequesterServices() map[types.SequesterServiceID]SequesterServiceState {
	out := make(map[types.SequesterServiceID]SequesterServiceState, len(s.sequesterServices))
	for k, v := range s.sequesterServices {
		out[k] = v
	}
	return out
}

// HasPersonalData reports whether any folded certificate carried a
// human handle or device label, i.e. was not in redacted form.
func (s *Snapshot) HasPersonalData() bool { return s.personalData }
