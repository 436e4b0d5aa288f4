package rooms

import "time"

// Observer receives registry and fan-out measurements
type Observer interface {
	ObserveRooms(kind Kind, count int)
	ObserveFanout(kind Kind, delivered, dropped int, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveRooms(Kind, int) {}
func (nopObserver) ObserveFanout(Kind, int, int, time.Duration) {}

// Broadcast delivers payload to every member of a room except exclude,
// which may be nil. Delivery never blocks: a member whose queue is full
// misses the message. All members see broadcasts to one room in the same
// order, and a member that joins or leaves concurrently either receives a
// broadcast in full or not at all.
//
// It returns the number of members the payload was queued for.
func (r *Registry) Broadcast(kind Kind, roomID string, payload []byte, exclude Member) int {
	ns, err := r.namespace(kind)
	if err != nil {
		return 0
	}

	start := time.Now()

	ns.mu.RLock()
	defer ns.mu.RUnlock()

	rm, ok := ns.rooms[roomID]
	if !ok {
		return 0
	}

	delivered, dropped := rm.deliver(payload, exclude)
	r.observer.ObserveFanout(kind, delivered, dropped, time.Since(start))
	return delivered
}
