// Package client ties one logged-in device together: the certificate
// ops, the set of started workspaces, and the background monitors that
// keep everything converging with the server.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/Scille/parsec-cloud-sub017/internal/certif"
	"github.com/Scille/parsec-cloud-sub017/internal/events"
	"github.com/Scille/parsec-cloud-sub017/internal/protocol"
	"github.com/Scille/parsec-cloud-sub017/internal/seal"
	"github.com/Scille/parsec-cloud-sub017/internal/storage"
	"github.com/Scille/parsec-cloud-sub017/internal/types"
	"github.com/Scille/parsec-cloud-sub017/internal/workspace"
)

var (
	ErrWorkspaceNotStarted = errors.New("workspace not started")
	ErrClientStopped       = errors.New("client stopped")
)

type Options struct {
	Device   *certif.LocalDevice
	Backend  storage.Backend
	Cmds     protocol.Cmds
	Listener protocol.Listener
	RootKey  seal.VerifyKey
	Bus      *events.Bus
	Logger   *slog.Logger
}

// workspaceSlot is one started workspace plus its monitor lifecycle.
// Slots live in a plain slice owned by the client; a stopped slot
// leaves a nil hole that the next start reuses.
type workspaceSlot struct {
	realmID types.VlobID
	ops     *workspace.Ops
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type Client struct {
	device   *certif.LocalDevice
	backend  storage.Backend
	cmds     protocol.Cmds
	listener protocol.Listener
	certs    *certif.Ops
	bus      *events.Bus
	log      *slog.Logger

	mu      sync.Mutex
	slots   []*workspaceSlot
	stopped bool

	monitorCancel context.CancelFunc
	monitorWg     sync.WaitGroup
}

func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.Device == nil {
		return nil, fmt.Errorf("device is required")
	}
	if opts.Backend == nil {
		return nil, fmt.Errorf("storage backend is required")
	}
	if opts.Cmds == nil {
		return nil, fmt.Errorf("server commands are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus()
	}
	store, err := certif.OpenStore(ctx, opts.Backend, opts.RootKey)
	if err != nil {
		return nil, err
	}
	return &Client{
		device:   opts.Device,
		backend:  opts.Backend,
		cmds:     opts.Cmds,
		listener: opts.Listener,
		certs:    certif.NewOps(opts.Device, store, opts.Cmds, bus, logger),
		bus:      bus,
		log:      logger.With("component", "client", "device", string(opts.Device.DeviceID)),
	}, nil
}

func (c *Client) Device() *certif.LocalDevice { return c.device }
func (c *Client) Certs() *certif.Ops          { return c.certs }
func (c *Client) Bus() *events.Bus            { return c.bus }

// StartWorkspace opens a workspace and its sync monitors. Starting an
// already started realm returns the running instance.
func (c *Client) StartWorkspace(ctx context.Context, realmID types.VlobID) (*workspace.Ops, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil, ErrClientStopped
	}
	if slot := c.findSlot(realmID); slot != nil {
		return slot.ops, nil
	}
	ops := workspace.NewOps(realmID, c.certs, c.backend, c.cmds, c.bus, c.log)
	if err := ops.EnsureRootExists(ctx); err != nil {
		return nil, err
	}
	monitorCtx, cancel := context.WithCancel(context.Background())
	slot := &workspaceSlot{realmID: realmID, ops: ops, cancel: cancel}
	slot.wg.Add(2)
	go func() {
		defer slot.wg.Done()
		c.runMonitor(monitorCtx, "outbound-sync", realmID, func(ctx context.Context) error {
			return c.outboundSyncMonitor(ctx, ops)
		})
	}()
	go func() {
		defer slot.wg.Done()
		c.runMonitor(monitorCtx, "inbound-sync", realmID, func(ctx context.Context) error {
			return c.inboundSyncMonitor(ctx, ops)
		})
	}()
	for i, existing := range c.slots {
		if existing == nil {
			c.slots[i] = slot
			return ops, nil
		}
	}
	c.slots = append(c.slots, slot)
	return ops, nil
}

// StopWorkspace cancels the workspace monitors, waits for them and
// invalidates the ops handle.
func (c *Client) StopWorkspace(realmID types.VlobID) error {
	c.mu.Lock()
	var slot *workspaceSlot
	for i, existing := range c.slots {
		if existing != nil && existing.realmID == realmID {
			slot = existing
			c.slots[i] = nil
			break
		}
	}
	c.mu.Unlock()
	if slot == nil {
		return ErrWorkspaceNotStarted
	}
	slot.cancel()
	slot.wg.Wait()
	slot.ops.Stop()
	return nil
}

// Workspace returns the running ops of a started realm.
func (c *Client) Workspace(realmID types.VlobID) (*workspace.Ops, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if slot := c.findSlot(realmID); slot != nil {
		return slot.ops, nil
	}
	return nil, ErrWorkspaceNotStarted
}

func (c *Client) findSlot(realmID types.VlobID) *workspaceSlot {
	for _, slot := range c.slots {
		if slot != nil && slot.realmID == realmID {
			return slot
		}
	}
	return nil
}

// WorkspaceInfo describes one realm the user belongs to.
type WorkspaceInfo struct {
	RealmID types.VlobID
	Name    string
	Role    types.RealmRole
	Started bool
}

// ListWorkspaces lists the realms the user currently has a role in,
// from the local certificate state.
func (c *Client) ListWorkspaces() []WorkspaceInfo {
	snap := c.certs.Store().Current()
	realms := snap.RealmsFor(c.device.UserID)
	out := make([]WorkspaceInfo, 0, len(realms))
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, realmID := range realms {
		name, err := c.certs.RealmName(realmID)
		if err != nil {
			name = ""
		}
		out = append(out, WorkspaceInfo{
			RealmID: realmID,
			Name:    name,
			Role:    snap.RealmRole(realmID, c.device.UserID),
			Started: c.findSlot(realmID) != nil,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RealmID.String() < out[j].RealmID.String()
	})
	return out
}

// CreateWorkspace creates a new realm with its initial key and name
// and starts it.
func (c *Client) CreateWorkspace(ctx context.Context, name string) (types.VlobID, error) {
	realmID := types.NewVlobID()
	if _, err := c.certs.BootstrapRealm(ctx, realmID, name); err != nil {
		return types.VlobID{}, err
	}
	c.bus.Publish(events.EventWorkspaceLocallyCreated{RealmID: realmID, Name: name})
	if _, err := c.StartWorkspace(ctx, realmID); err != nil {
		return types.VlobID{}, err
	}
	return realmID, nil
}

// EnsureWorkspacesBootstrapped uploads missing key rotation
// certificates for every realm the user owns. Realms bootstrapped by
// older clients may lack an initial key.
func (c *Client) EnsureWorkspacesBootstrapped(ctx context.Context) error {
	snap := c.certs.Store().Current()
	for _, realmID := range snap.RealmsFor(c.device.UserID) {
		if snap.RealmRole(realmID, c.device.UserID) != types.RoleOwner {
			continue
		}
		if snap.CurrentKeyIndex(realmID) > 0 {
			continue
		}
		if err := c.certs.RotateRealmKey(ctx, realmID); err != nil {
			return fmt.Errorf("bootstrap realm %s: %w", realmID, err)
		}
	}
	return nil
}

// Stop shuts down every workspace, the monitors and the certificate
// ops. Idempotent.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	slots := c.slots
	c.slots = nil
	cancel := c.monitorCancel
	c.monitorCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.monitorWg.Wait()
	for _, slot := range slots {
		if slot == nil {
			continue
		}
		slot.cancel()
		slot.wg.Wait()
		slot.ops.Stop()
	}
	c.certs.Stop()
}
