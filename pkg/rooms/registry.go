// Package rooms tracks which connections belong to which rooms across the
// public, secret and peer-to-peer namespaces, and fans messages out to them.
package rooms

import (
	"errors"
	"slices"
	"sync"

	"github.com/samber/lo"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room is full")
	ErrUnknownKind  = errors.New("unknown room kind")
	ErrNotCreatable = errors.New("rooms of this kind are created by joining")
)

// Member is a connection as seen by the registry.
type Member interface {
	ID() uint64
	// Room returns the placement last recorded by SetRoom
	Room() (Kind, string)
	SetRoom(kind Kind, roomID string)
	// Deliver queues payload without blocking and reports whether it was accepted
	Deliver(payload []byte) bool
}

// Announcer builds the notices the other members of a room receive when a
// member enters or leaves it. A nil payload sends nothing.
type Announcer interface {
	Joined(kind Kind, roomID string) []byte
	Left(kind Kind, roomID string) []byte
}

// Snapshot describes a room as of the operation that returned it
type Snapshot struct {
	Kind       Kind
	ID         string
	InviteCode string // live invite code, p2p rooms only
	Members    int
}

// Departure describes the room a member was removed from
type Departure struct {
	Kind      Kind
	RoomID    string
	Remaining int
	Destroyed bool
}

type room struct {
	kind       Kind
	id         string
	capacity   int // 0 means unbounded
	inviteCode string
	members    map[uint64]Member

	deliverMu sync.Mutex
}

func newRoom(kind Kind, id string, capacity int) *room {
	return &room{
		kind:     kind,
		id:       id,
		capacity: capacity,
		members:  make(map[uint64]Member),
	}
}

func (rm *room) full() bool {
	return rm.capacity > 0 && len(rm.members) >= rm.capacity
}

func (rm *room) snapshot() Snapshot {
	snap := Snapshot{
		Kind:    rm.kind,
		ID:      rm.id,
		Members: len(rm.members),
	}
	if !rm.full() {
		snap.InviteCode = rm.inviteCode
	}
	return snap
}

// deliver hands payload to every member except exclude. Callers hold the
// namespace lock (read or write), so the member set is stable; deliverMu
// keeps concurrent broadcasts to the same room from interleaving.
func (rm *room) deliver(payload []byte, exclude Member) (delivered, dropped int) {
	rm.deliverMu.Lock()
	defer rm.deliverMu.Unlock()

	targets := lo.Filter(lo.Values(rm.members), func(m Member, _ int) bool {
		return exclude == nil || m.ID() != exclude.ID()
	})
	for _, m := range targets {
		if m.Deliver(payload) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}

type namespace struct {
	kind     Kind
	capacity int
	mu       sync.RWMutex
	rooms    map[string]*room
}

// Registry owns every room's member set. Each namespace has its own lock;
// operations spanning two namespaces lock them in Kinds order.
type Registry struct {
	namespaces map[Kind]*namespace
	invites    *InviteIndex
	observer   Observer
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	r := &Registry{
		namespaces: make(map[Kind]*namespace, len(Kinds)),
		invites:    NewInviteIndex(),
		observer:   nopObserver{},
	}
	for _, k := range Kinds {
		capacity := 0
		if k == KindP2P {
			capacity = P2PCapacity
		}
		r.namespaces[k] = &namespace{
			kind:     k,
			capacity: capacity,
			rooms:    make(map[string]*room),
		}
	}
	return r
}

// SetObserver attaches a metrics observer. Call before the registry is shared.
func (r *Registry) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	r.observer = o
}

// Invites exposes the invite index backing p2p rooms
func (r *Registry) Invites() *InviteIndex {
	return r.invites
}

func (r *Registry) namespace(kind Kind) (*namespace, error) {
	ns, ok := r.namespaces[kind]
	if !ok {
		return nil, ErrUnknownKind
	}
	return ns, nil
}

// lock write-locks the namespaces of kinds in lock order and returns the unlock
func (r *Registry) lock(kinds ...Kind) func() {
	held := make([]*namespace, 0, len(kinds))
	for _, k := range Kinds {
		if slices.Contains(kinds, k) {
			ns := r.namespaces[k]
			ns.mu.Lock()
			held = append(held, ns)
		}
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
		}
	}
}

// lockWithPlacement locks target plus the namespace m currently sits in.
// If m moves while the locks are being taken it starts over.
func (r *Registry) lockWithPlacement(m Member, target Kind) (Kind, string, func()) {
	for {
		kind, id := m.Room()
		unlock := r.lock(target, kind)
		if k, cur := m.Room(); k == kind && cur == id {
			return kind, id, unlock
		}
		unlock()
	}
}

// Create makes a new secret or p2p room with a random id and places m in
// it, leaving m's previous room first. A p2p room also gets an invite code.
func (r *Registry) Create(kind Kind, m Member, ann Announcer) (Snapshot, error) {
	ns, err := r.namespace(kind)
	if err != nil {
		return Snapshot{}, err
	}
	if kind == KindPublic {
		return Snapshot{}, ErrNotCreatable
	}

	roomID, err := newRoomID()
	if err != nil {
		return Snapshot{}, err
	}

	curKind, curID, unlock := r.lockWithPlacement(m, kind)
	defer unlock()

	for {
		if _, taken := ns.rooms[roomID]; !taken {
			break
		}
		if roomID, err = newRoomID(); err != nil {
			return Snapshot{}, err
		}
	}

	rm := newRoom(kind, roomID, ns.capacity)
	if kind == KindP2P {
		code, err := r.invites.Issue(roomID)
		if err != nil {
			return Snapshot{}, err
		}
		rm.inviteCode = code
	}

	if curKind != KindNone {
		r.removeLocked(m, curKind, curID, ann)
	}

	rm.members[m.ID()] = m
	ns.rooms[roomID] = rm
	m.SetRoom(kind, roomID)
	r.observer.ObserveRooms(kind, len(ns.rooms))

	return rm.snapshot(), nil
}

// Join places m in the given room. Public rooms are created on demand;
// secret and p2p rooms must exist. A member already in another room is
// moved; if the join fails it stays where it was.
func (r *Registry) Join(kind Kind, roomID string, m Member, ann Announcer) (Snapshot, error) {
	ns, err := r.namespace(kind)
	if err != nil {
		return Snapshot{}, err
	}

	curKind, curID, unlock := r.lockWithPlacement(m, kind)
	defer unlock()

	rm, exists := ns.rooms[roomID]
	if exists && curKind == kind && curID == roomID {
		if _, already := rm.members[m.ID()]; already {
			return rm.snapshot(), nil
		}
	}

	switch {
	case !exists && kind != KindPublic:
		return Snapshot{}, ErrRoomNotFound
	case exists && rm.full():
		return Snapshot{}, ErrRoomFull
	}

	if curKind != KindNone {
		r.removeLocked(m, curKind, curID, ann)
	}

	if !exists {
		rm = newRoom(kind, roomID, ns.capacity)
		ns.rooms[roomID] = rm
		r.observer.ObserveRooms(kind, len(ns.rooms))
	}
	rm.members[m.ID()] = m
	m.SetRoom(kind, roomID)

	if rm.full() && rm.inviteCode != "" {
		r.invites.Consume(rm.inviteCode)
	}

	if ann != nil {
		if payload := ann.Joined(kind, roomID); payload != nil {
			rm.deliver(payload, m)
		}
	}

	return rm.snapshot(), nil
}

// JoinInvite resolves an invite code and joins its p2p room. A code spent
// by its room filling up reports ErrRoomFull while the room is still full.
func (r *Registry) JoinInvite(code string, m Member, ann Announcer) (Snapshot, error) {
	if roomID, ok := r.invites.Resolve(code); ok {
		return r.Join(KindP2P, roomID, m, ann)
	}

	if roomID, spent := r.invites.Spent(code); spent {
		if snap, ok := r.Lookup(KindP2P, roomID); ok && snap.Members >= P2PCapacity {
			return r.Join(KindP2P, roomID, m, ann)
		}
	}
	return Snapshot{}, ErrRoomNotFound
}

// Leave removes m from its room, destroying the room when it empties.
// It reports false when m was not in a room, so repeated calls are harmless.
func (r *Registry) Leave(m Member, ann Announcer) (Departure, bool) {
	curKind, curID, unlock := r.lockWithPlacement(m, KindNone)
	defer unlock()

	if curKind == KindNone {
		return Departure{}, false
	}
	return r.removeLocked(m, curKind, curID, ann)
}

// removeLocked requires the write lock of kind's namespace
func (r *Registry) removeLocked(m Member, kind Kind, roomID string, ann Announcer) (Departure, bool) {
	defer m.SetRoom(KindNone, "")

	ns, err := r.namespace(kind)
	if err != nil {
		return Departure{}, false
	}

	rm, ok := ns.rooms[roomID]
	if !ok {
		return Departure{}, false
	}
	if _, member := rm.members[m.ID()]; !member {
		return Departure{}, false
	}

	if ann != nil {
		if payload := ann.Left(kind, roomID); payload != nil {
			rm.deliver(payload, m)
		}
	}

	delete(rm.members, m.ID())
	dep := Departure{
		Kind:      kind,
		RoomID:    roomID,
		Remaining: len(rm.members),
	}

	if len(rm.members) == 0 {
		delete(ns.rooms, roomID)
		if rm.inviteCode != "" {
			r.invites.Revoke(rm.inviteCode)
		}
		dep.Destroyed = true
		r.observer.ObserveRooms(kind, len(ns.rooms))
	}

	return dep, true
}

// Lookup returns a snapshot of a room if it exists
func (r *Registry) Lookup(kind Kind, roomID string) (Snapshot, bool) {
	ns, err := r.namespace(kind)
	if err != nil {
		return Snapshot{}, false
	}

	ns.mu.RLock()
	defer ns.mu.RUnlock()

	rm, ok := ns.rooms[roomID]
	if !ok {
		return Snapshot{}, false
	}
	return rm.snapshot(), true
}

// Count returns the number of live rooms in a namespace
func (r *Registry) Count(kind Kind) int {
	ns, err := r.namespace(kind)
	if err != nil {
		return 0
	}

	ns.mu.RLock()
	defer ns.mu.RUnlock()

	return len(ns.rooms)
}

// MemberIDs returns the sorted ids of a room's members, nil if it does not exist
func (r *Registry) MemberIDs(kind Kind, roomID string) []uint64 {
	ns, err := r.namespace(kind)
	if err != nil {
		return nil
	}

	ns.mu.RLock()
	defer ns.mu.RUnlock()

	rm, ok := ns.rooms[roomID]
	if !ok {
		return nil
	}
	ids := lo.Keys(rm.members)
	slices.Sort(ids)
	return ids
}

// RoomIDs returns the sorted ids of every live room in a namespace
func (r *Registry) RoomIDs(kind Kind) []string {
	ns, err := r.namespace(kind)
	if err != nil {
		return nil
	}

	ns.mu.RLock()
	defer ns.mu.RUnlock()

	ids := lo.Keys(ns.rooms)
	slices.Sort(ids)
	return ids
}
