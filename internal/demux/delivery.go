package demux

import (
	"sync"

	"github.com/quorumcast/arb/internal/instance"
	"github.com/quorumcast/arb/internal/wire"
)

// DeliveryCallback is invoked once per completed broadcast identifier, with
// the delivered payload.
type DeliveryCallback func(id wire.Identifier, payload []byte)

// deliveryRegistry holds completed deliveries and the callbacks registered
// to observe them. A callback registered after instances have already
// delivered is immediately replayed every delivery seen so far, so
// on_deliver subscribers never miss a delivery racing their registration —
// a feature the base protocol leaves to the application, supplemented here
// since exactly this race is easy to get wrong.
type deliveryRegistry struct {
	mu        sync.Mutex
	completed []instance.Delivery
	listeners []DeliveryCallback
}

func newDeliveryRegistry() *deliveryRegistry {
	return &deliveryRegistry{}
}

// record stores a new delivery and fans it out to every registered listener.
// The lock is held across the fan-out so a concurrent subscribe can never
// land between the append and the listener snapshot and miss this delivery.
// Callbacks must not call subscribe or record themselves: both would deadlock
// on this held lock.
func (r *deliveryRegistry) record(d instance.Delivery) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, d)
	for _, cb := range r.listeners {
		cb(d.ID, d.Payload)
	}
}

// subscribe registers cb for future deliveries and replays every delivery
// already recorded, in the order they completed. The lock is held across the
// replay for the same reason as record: cb must not re-enter the registry.
func (r *deliveryRegistry) subscribe(cb DeliveryCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, cb)
	for _, d := range r.completed {
		cb(d.ID, d.Payload)
	}
}
