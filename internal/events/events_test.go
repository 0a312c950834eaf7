package events

import (
	"context"
	"testing"
	"time"

	"github.com/Scille/parsec-cloud-sub017/internal/types"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus()
	first := bus.Subscribe(nil)
	defer first.Close()
	second := bus.Subscribe(nil)
	defer second.Close()

	bus.Publish(EventOnline{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, sub := range []*Subscription{first, second} {
		event, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("next failed: %v", err)
		}
		if _, ok := event.(EventOnline); !ok {
			t.Fatalf("expected EventOnline, got %T", event)
		}
	}
}

func TestFilterSelectsVariants(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(func(e Event) bool {
		_, ok := e.(EventCertificatesUpdated)
		return ok
	})
	defer sub.Close()

	bus.Publish(EventOffline{})
	bus.Publish(EventCertificatesUpdated{Index: 7})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	event, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	updated, ok := event.(EventCertificatesUpdated)
	if !ok || updated.Index != 7 {
		t.Fatalf("expected EventCertificatesUpdated{7}, got %#v", event)
	}
	if _, ok := sub.TryNext(); ok {
		t.Fatalf("filtered-out event was delivered")
	}
}

func TestSlowSubscriberDoesNotLoseEvents(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(nil)
	defer sub.Close()

	realm := types.NewVlobID()
	for i := 0; i < 100; i++ {
		bus.Publish(EventOutboundSyncDone{RealmID: realm, EntryID: types.NewVlobID()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 100; i++ {
		if _, err := sub.Next(ctx); err != nil {
			t.Fatalf("event %d missing: %v", i, err)
		}
	}
}

func TestCloseUnsubscribes(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(nil)
	sub.Close()
	bus.Publish(EventOnline{})
	if _, ok := sub.TryNext(); ok {
		t.Fatalf("closed subscription received an event")
	}
}
