package client

import (
	"context"
	"errors"
	"time"

	"github.com/Scille/parsec-cloud-sub017/internal/events"
	"github.com/Scille/parsec-cloud-sub017/internal/protocol"
	"github.com/Scille/parsec-cloud-sub017/internal/types"
	"github.com/Scille/parsec-cloud-sub017/internal/workspace"
)

const (
	reconnectBaseDelay = 500 * time.Millisecond
	reconnectMaxDelay  = 30 * time.Second
)

// StartMonitors launches the connection and certificate monitors.
// Per-workspace sync monitors start with their workspace.
func (c *Client) StartMonitors() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.monitorCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.monitorCancel = cancel
	if c.listener != nil {
		c.monitorWg.Add(1)
		go func() {
			defer c.monitorWg.Done()
			c.runMonitor(ctx, "connection", types.VlobID{}, c.connectionMonitor)
		}()
	}
	c.monitorWg.Add(1)
	go func() {
		defer c.monitorWg.Done()
		c.runMonitor(ctx, "certificates", types.VlobID{}, c.certificateMonitor)
	}()
}

// runMonitor runs fn until it returns. A monitor that dies on anything
// but cancellation is reported on the bus and not restarted; the
// operator decides.
func (c *Client) runMonitor(ctx context.Context, name string, realmID types.VlobID, fn func(ctx context.Context) error) {
	err := fn(ctx)
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, workspace.ErrStopped) {
		return
	}
	c.log.Error("monitor crashed", "monitor", name, "err", err)
	c.bus.Publish(events.EventMonitorCrashed{Monitor: name, RealmID: realmID, Err: err})
}

// connectionMonitor owns the events_listen stream: it reconnects with
// backoff, publishes online/offline transitions, and fans server
// pushes out on the bus.
func (c *Client) connectionMonitor(ctx context.Context) error {
	online := false
	delay := reconnectBaseDelay
	for {
		stream, err := c.listener.Listen(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if online {
				online = false
				c.bus.Publish(events.EventOffline{})
			}
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
			if delay *= 2; delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
			continue
		}
		delay = reconnectBaseDelay
		if !online {
			online = true
			c.bus.Publish(events.EventOnline{})
		}
		if err := c.consumeStream(ctx, stream); err != nil {
			return err
		}
	}
}

func (c *Client) consumeStream(ctx context.Context, stream protocol.EventStream) error {
	defer stream.Close()
	for {
		event, err := stream.Next(ctx)
		if errors.Is(err, protocol.ErrOffline) {
			return nil
		}
		if err != nil {
			return err
		}
		switch e := event.(type) {
		case protocol.ServerEventCertificatesUpdated:
			c.bus.Publish(events.EventCertificatesUpdated{Index: e.Index})
		case protocol.ServerEventRealmVlobsUpdated:
			c.bus.Publish(events.EventRealmVlobUpdated{
				RealmID:    e.RealmID,
				Checkpoint: e.Checkpoint,
				SrcID:      e.SrcID,
				SrcVersion: e.SrcVersion,
			})
		default:
			// Invites, messages and maintenance pushes have no consumer
			// here.
		}
	}
}

// certificateMonitor polls the certificate log whenever the server
// announces new entries or the connection comes back.
func (c *Client) certificateMonitor(ctx context.Context) error {
	sub := c.bus.Subscribe(func(event events.Event) bool {
		switch e := event.(type) {
		case events.EventOnline:
			return true
		case events.EventCertificatesUpdated:
			return e.Index > c.certs.Store().Count()
		}
		return false
	})
	defer sub.Close()
	for {
		if _, err := sub.Next(ctx); err != nil {
			return err
		}
		if _, err := c.certs.PollServerForNewCertificates(ctx); err != nil {
			if errors.Is(err, protocol.ErrOffline) {
				continue
			}
			return err
		}
	}
}

// outboundSyncMonitor uploads entries as they become dirty. Offline
// failures keep the entry pending; the next online event retries it
// instead of busy-polling.
func (c *Client) outboundSyncMonitor(ctx context.Context, ops *workspace.Ops) error {
	realmID := ops.RealmID()
	sub := c.bus.Subscribe(func(event events.Event) bool {
		switch e := event.(type) {
		case events.EventOnline:
			return true
		case events.EventOutboundSyncNeeded:
			return e.RealmID == realmID
		}
		return false
	})
	defer sub.Close()

	pending := map[types.VlobID]struct{}{}
	for {
		event, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		if needed, ok := event.(events.EventOutboundSyncNeeded); ok {
			pending[needed.EntryID] = struct{}{}
		}
		for entryID := range pending {
			err := ops.OutboundSync(ctx, entryID)
			if errors.Is(err, protocol.ErrOffline) {
				break
			}
			if err != nil {
				c.log.Error("outbound sync failed", "realm", realmID.String(), "entry", entryID.String(), "err", err)
				delete(pending, entryID)
				continue
			}
			delete(pending, entryID)
		}
	}
}

// inboundSyncMonitor pulls remote changes whenever the server reports
// vlob activity in the realm, and once on every reconnection to cover
// changes missed while offline.
func (c *Client) inboundSyncMonitor(ctx context.Context, ops *workspace.Ops) error {
	realmID := ops.RealmID()
	sub := c.bus.Subscribe(func(event events.Event) bool {
		switch e := event.(type) {
		case events.EventOnline:
			return true
		case events.EventRealmVlobUpdated:
			return e.RealmID == realmID
		}
		return false
	})
	defer sub.Close()
	for {
		if _, err := sub.Next(ctx); err != nil {
			return err
		}
		if err := ops.RefreshRealmCheckpoint(ctx); err != nil {
			if errors.Is(err, protocol.ErrOffline) {
				continue
			}
			c.log.Error("inbound sync failed", "realm", realmID.String(), "err", err)
		}
	}
}

func sleepCtx(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
