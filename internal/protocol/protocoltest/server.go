// Package protocoltest provides an in-memory server implementing the
// protocol command set for tests. It enforces the same ordering rules
// as the real server: strictly increasing certificate timestamps per
// realm, optimistic vlob versions, idempotent realm creation. Multiple
// device-bound clients can share one server to exercise multi-client
// sync scenarios.
package protocoltest

import (
	"context"
	"sync"
	"time"

	"github.com/Scille/parsec-cloud-sub017/internal/protocol"
	"github.com/Scille/parsec-cloud-sub017/internal/types"
)

const ballparkDrift = 5 * time.Minute

type Server struct {
	mu sync.Mutex

	now func() types.DateTime

	offline bool

	certificates  [][]byte
	lastTimestamp map[string]types.DateTime

	realms map[types.VlobID]*realmState
	blocks map[types.BlockID]storedBlock

	streams map[int]*stream
	nextID  int
}

type realmState struct {
	createdAt  types.DateTime
	checkpoint uint64
	vlobs      map[types.VlobID]*vlobState
	changes    []change
}

type vlobState struct {
	versions []protocol.Vlob
}

type change struct {
	checkpoint uint64
	vlobID     types.VlobID
	version    uint32
}

type storedBlock struct {
	data     []byte
	keyIndex uint64
}

func NewServer() *Server {
	return &Server{
		now:           types.Now,
		lastTimestamp: map[string]types.DateTime{},
		realms:        map[types.VlobID]*realmState{},
		blocks:        map[types.BlockID]storedBlock{},
		streams:       map[int]*stream{},
	}
}

// SetNow overrides the server clock, letting tests force ballpark
// failures.
func (s *Server) SetNow(now func() types.DateTime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Server) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
	if offline {
		for _, st := range s.streams {
			st.interrupt()
		}
	}
}

// CertificateCount reports how many certificates the server holds.
func (s *Server) CertificateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.certificates)
}

// ForDevice returns a Cmds implementation bound to the given author.
func (s *Server) ForDevice(device types.DeviceID) *DeviceCmds {
	return &DeviceCmds{server: s, device: device}
}

type DeviceCmds struct {
	server *Server
	device types.DeviceID
}

func (s *Server) checkTimestamp(scope string, timestamp types.DateTime) error {
	now := s.now()
	if timestamp.After(now.Add(ballparkDrift)) || timestamp.Before(now.Add(-ballparkDrift)) {
		return &protocol.TimestampOutOfBallparkError{
			ClientTimestamp: timestamp,
			ServerTimestamp: now,
		}
	}
	if last, ok := s.lastTimestamp[scope]; ok && !timestamp.After(last) {
		return &protocol.RequireGreaterTimestampError{StrictlyGreaterThan: last}
	}
	return nil
}

func (s *Server) appendCertificate(scope string, timestamp types.DateTime, certificate []byte) {
	s.lastTimestamp[scope] = timestamp
	s.certificates = append(s.certificates, certificate)
	index := uint64(len(s.certificates))
	s.broadcast(protocol.ServerEventCertificatesUpdated{Index: index})
}

func (c *DeviceCmds) CertificateGet(ctx context.Context, offset uint64) ([][]byte, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return nil, protocol.ErrOffline
	}
	if offset >= uint64(len(s.certificates)) {
		return nil, nil
	}
	tail := s.certificates[offset:]
	out := make([][]byte, len(tail))
	copy(out, tail)
	return out, nil
}

func (c *DeviceCmds) RealmCreate(ctx context.Context, realmID types.VlobID, timestamp types.DateTime, roleCertificate []byte) error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return protocol.ErrOffline
	}
	if existing, ok := s.realms[realmID]; ok {
		return &protocol.RealmAlreadyExistsError{LastTimestamp: existing.createdAt}
	}
	if err := s.checkTimestamp("realm/"+realmID.String(), timestamp); err != nil {
		return err
	}
	s.realms[realmID] = &realmState{
		createdAt: timestamp,
		vlobs:     map[types.VlobID]*vlobState{},
	}
	s.appendCertificate("realm/"+realmID.String(), timestamp, roleCertificate)
	return nil
}

func (c *DeviceCmds) RealmShare(ctx context.Context, realmID types.VlobID, timestamp types.DateTime, roleCertificate []byte) error {
	return c.realmCertificate(realmID, timestamp, roleCertificate)
}

func (c *DeviceCmds) RealmRename(ctx context.Context, realmID types.VlobID, timestamp types.DateTime, nameCertificate []byte) error {
	return c.realmCertificate(realmID, timestamp, nameCertificate)
}

func (c *DeviceCmds) RealmRotateKey(ctx context.Context, realmID types.VlobID, keyIndex uint64, timestamp types.DateTime, keyRotationCertificate []byte) error {
	return c.realmCertificate(realmID, timestamp, keyRotationCertificate)
}

func (c *DeviceCmds) realmCertificate(realmID types.VlobID, timestamp types.DateTime, certificate []byte) error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return protocol.ErrOffline
	}
	if _, ok := s.realms[realmID]; !ok {
		return protocol.ErrNotFound
	}
	scope := "realm/" + realmID.String()
	if err := s.checkTimestamp(scope, timestamp); err != nil {
		return err
	}
	s.appendCertificate(scope, timestamp, certificate)
	return nil
}

func (c *DeviceCmds) UserUpdateProfile(ctx context.Context, userID types.UserID, timestamp types.DateTime, profileCertificate []byte) error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return protocol.ErrOffline
	}
	scope := "user/" + string(userID)
	if err := s.checkTimestamp(scope, timestamp); err != nil {
		return err
	}
	s.appendCertificate(scope, timestamp, profileCertificate)
	return nil
}

// AppendCertificate injects a certificate without protocol checks,
// for seeding test fixtures (e.g. user/device certificates that the
// enrollment flow would normally produce).
func (s *Server) AppendCertificate(scope string, timestamp types.DateTime, certificate []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendCertificate(scope, timestamp, certificate)
}

// RegisterRealm creates a realm server-side without a certificate,
// for fixtures that bypass the realm creation flow.
func (s *Server) RegisterRealm(realmID types.VlobID, timestamp types.DateTime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.realms[realmID]; !ok {
		s.realms[realmID] = &realmState{createdAt: timestamp, vlobs: map[types.VlobID]*vlobState{}}
	}
}

func (c *DeviceCmds) VlobCreate(ctx context.Context, realmID, vlobID types.VlobID, keyIndex uint64, timestamp types.DateTime, blob []byte) error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return protocol.ErrOffline
	}
	realm, ok := s.realms[realmID]
	if !ok {
		return protocol.ErrNotFound
	}
	if _, exists := realm.vlobs[vlobID]; exists {
		return protocol.ErrBadVersion
	}
	stored := protocol.Vlob{
		VlobID:    vlobID,
		Version:   1,
		KeyIndex:  keyIndex,
		Author:    c.device,
		Timestamp: timestamp,
		Blob:      append([]byte(nil), blob...),
	}
	realm.vlobs[vlobID] = &vlobState{versions: []protocol.Vlob{stored}}
	s.recordChange(realmID, realm, vlobID, 1)
	return nil
}

func (c *DeviceCmds) VlobUpdate(ctx context.Context, realmID, vlobID types.VlobID, version uint32, keyIndex uint64, timestamp types.DateTime, blob []byte) error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return protocol.ErrOffline
	}
	realm, ok := s.realms[realmID]
	if !ok {
		return protocol.ErrNotFound
	}
	state, ok := realm.vlobs[vlobID]
	if !ok {
		return protocol.ErrNotFound
	}
	current := state.versions[len(state.versions)-1]
	if version != current.Version+1 {
		return protocol.ErrBadVersion
	}
	if !timestamp.After(current.Timestamp) {
		return &protocol.RequireGreaterTimestampError{StrictlyGreaterThan: current.Timestamp}
	}
	state.versions = append(state.versions, protocol.Vlob{
		VlobID:    vlobID,
		Version:   version,
		KeyIndex:  keyIndex,
		Author:    c.device,
		Timestamp: timestamp,
		Blob:      append([]byte(nil), blob...),
	})
	s.recordChange(realmID, realm, vlobID, version)
	return nil
}

func (s *Server) recordChange(realmID types.VlobID, realm *realmState, vlobID types.VlobID, version uint32) {
	realm.checkpoint++
	realm.changes = append(realm.changes, change{
		checkpoint: realm.checkpoint,
		vlobID:     vlobID,
		version:    version,
	})
	s.broadcast(protocol.ServerEventRealmVlobsUpdated{
		RealmID:    realmID,
		Checkpoint: realm.checkpoint,
		SrcID:      vlobID,
		SrcVersion: version,
	})
}

func (c *DeviceCmds) VlobRead(ctx context.Context, realmID, vlobID types.VlobID, version uint32) (protocol.Vlob, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return protocol.Vlob{}, protocol.ErrOffline
	}
	realm, ok := s.realms[realmID]
	if !ok {
		return protocol.Vlob{}, protocol.ErrNotFound
	}
	state, ok := realm.vlobs[vlobID]
	if !ok {
		return protocol.Vlob{}, protocol.ErrNotFound
	}
	if version == 0 {
		return state.versions[len(state.versions)-1], nil
	}
	if int(version) > len(state.versions) {
		return protocol.Vlob{}, protocol.ErrNotFound
	}
	return state.versions[version-1], nil
}

func (c *DeviceCmds) VlobPollChanges(ctx context.Context, realmID types.VlobID, checkpoint uint64) (uint64, map[types.VlobID]uint32, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return checkpoint, nil, protocol.ErrOffline
	}
	realm, ok := s.realms[realmID]
	if !ok {
		return checkpoint, nil, protocol.ErrNotFound
	}
	changes := map[types.VlobID]uint32{}
	for _, ch := range realm.changes {
		if ch.checkpoint <= checkpoint {
			continue
		}
		if existing, ok := changes[ch.vlobID]; !ok || ch.version > existing {
			changes[ch.vlobID] = ch.version
		}
	}
	return realm.checkpoint, changes, nil
}

func (c *DeviceCmds) BlockCreate(ctx context.Context, realmID types.VlobID, blockID types.BlockID, keyIndex uint64, data []byte) error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return protocol.ErrOffline
	}
	if _, ok := s.realms[realmID]; !ok {
		return protocol.ErrNotFound
	}
	if _, exists := s.blocks[blockID]; exists {
		return protocol.ErrBlockAlreadyExists
	}
	s.blocks[blockID] = storedBlock{
		data:     append([]byte(nil), data...),
		keyIndex: keyIndex,
	}
	return nil
}

func (c *DeviceCmds) BlockRead(ctx context.Context, blockID types.BlockID) ([]byte, uint64, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return nil, 0, protocol.ErrOffline
	}
	block, ok := s.blocks[blockID]
	if !ok {
		return nil, 0, protocol.ErrNotFound
	}
	return append([]byte(nil), block.data...), block.keyIndex, nil
}

// Listen implements protocol.Listener, delivering events broadcast by
// the server after the stream is opened.
func (c *DeviceCmds) Listen(ctx context.Context) (protocol.EventStream, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return nil, protocol.ErrOffline
	}
	s.nextID++
	st := &stream{
		server: s,
		id:     s.nextID,
		events: make(chan protocol.ServerEvent, 256),
		broken: make(chan struct{}),
	}
	s.streams[st.id] = st
	return st, nil
}

func (s *Server) broadcast(event protocol.ServerEvent) {
	for _, st := range s.streams {
		select {
		case st.events <- event:
		default:
		}
	}
}

type stream struct {
	server *Server
	id     int
	events chan protocol.ServerEvent

	brokenOnce sync.Once
	broken     chan struct{}
}

func (st *stream) interrupt() {
	st.brokenOnce.Do(func() { close(st.broken) })
}

func (st *stream) Next(ctx context.Context) (protocol.ServerEvent, error) {
	select {
	case event := <-st.events:
		return event, nil
	case <-st.broken:
		return nil, protocol.ErrOffline
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (st *stream) Close() error {
	st.server.mu.Lock()
	delete(st.server.streams, st.id)
	st.server.mu.Unlock()
	st.interrupt()
	return nil
}
