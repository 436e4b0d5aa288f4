package rooms

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var nextTestMemberID atomic.Uint64

// fakeMember records everything delivered to it. A non-zero limit makes
// Deliver refuse once that many payloads are queued.
type fakeMember struct {
	id    uint64
	limit int

	mu       sync.Mutex
	kind     Kind
	roomID   string
	received [][]byte
}

func newFakeMember() *fakeMember {
	return &fakeMember{id: nextTestMemberID.Add(1)}
}

func (m *fakeMember) ID() uint64 { return m.id }

func (m *fakeMember) Room() (Kind, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kind, m.roomID
}

func (m *fakeMember) SetRoom(kind Kind, roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kind, m.roomID = kind, roomID
}

func (m *fakeMember) Deliver(payload []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limit > 0 && len(m.received) >= m.limit {
		return false
	}
	m.received = append(m.received, payload)
	return true
}

func (m *fakeMember) messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.received))
	for i, p := range m.received {
		out[i] = string(p)
	}
	return out
}

func (m *fakeMember) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = nil
}

// textAnnouncer renders notices as "joined <kind>/<room>" style strings
type textAnnouncer struct{}

func (textAnnouncer) Joined(kind Kind, roomID string) []byte {
	return []byte(fmt.Sprintf("joined %s/%s", kind, roomID))
}

func (textAnnouncer) Left(kind Kind, roomID string) []byte {
	return []byte(fmt.Sprintf("left %s/%s", kind, roomID))
}

type countingObserver struct {
	mu        sync.Mutex
	rooms     map[Kind]int
	delivered int
	dropped   int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{rooms: make(map[Kind]int)}
}

func (o *countingObserver) ObserveRooms(kind Kind, count int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rooms[kind] = count
}

func (o *countingObserver) ObserveFanout(_ Kind, delivered, dropped int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.delivered += delivered
	o.dropped += dropped
}
