package realtime

import (
	"context"

	"chatfabric/internal/eventbus"
)

// Bridge forwards tenant-scoped bus events to the hub.
type Bridge struct {
	hub    *Hub
	events <-chan eventbus.Event
	unsub  func()
}

// NewBridge subscribes right away so events published before Run are kept,
// up to the subscription buffer.
func NewBridge(hub *Hub, bus eventbus.Bus) *Bridge {
	events, unsub := bus.Subscribe(256)
	return &Bridge{hub: hub, events: events, unsub: unsub}
}

// Run forwards until ctx ends or Close. Events without a tenant stay internal.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-b.events:
			if !ok {
				return nil
			}
			if e.Tenant == "" {
				continue
			}
			b.hub.Emit(e.Type, e.Tenant, e.Data)
		}
	}
}

// Close drops the bus subscription.
func (b *Bridge) Close() { b.unsub() }
