package rooms

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_Join_Public_Creates_Room_On_Demand(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	alice := newFakeMember()

	// Given no room exists
	req.Zero(registry.Count(KindPublic))

	// When a member joins a public room by name
	snap, err := registry.Join(KindPublic, "general", alice, textAnnouncer{})

	// Then the room exists with that member
	req.NoError(err)
	req.Equal(Snapshot{Kind: KindPublic, ID: "general", Members: 1}, snap)
	req.Equal(1, registry.Count(KindPublic))
	req.Equal([]uint64{alice.ID()}, registry.MemberIDs(KindPublic, "general"))

	kind, roomID := alice.Room()
	req.Equal(KindPublic, kind)
	req.Equal("general", roomID)

	// And the joiner is not told about their own arrival
	req.Empty(alice.messages())
}

func TestRegistry_Join_Announces_To_Existing_Members(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	alice := newFakeMember()
	bob := newFakeMember()

	// Given alice is in general
	_, err := registry.Join(KindPublic, "general", alice, textAnnouncer{})
	req.NoError(err)

	// When bob joins
	snap, err := registry.Join(KindPublic, "general", bob, textAnnouncer{})

	// Then alice hears about it and bob does not
	req.NoError(err)
	req.Equal(2, snap.Members)
	req.Equal([]string{"joined public/general"}, alice.messages())
	req.Empty(bob.messages())
}

func TestRegistry_Join_Nil_Announcer_Is_Silent(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	alice := newFakeMember()
	bob := newFakeMember()

	_, err := registry.Join(KindPublic, "general", alice, nil)
	req.NoError(err)
	_, err = registry.Join(KindPublic, "general", bob, nil)
	req.NoError(err)
	registry.Leave(bob, nil)

	req.Empty(alice.messages())
}

func TestRegistry_Join_Same_Room_Twice_Is_A_NoOp(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	alice := newFakeMember()
	bob := newFakeMember()

	_, err := registry.Join(KindPublic, "general", alice, textAnnouncer{})
	req.NoError(err)
	_, err = registry.Join(KindPublic, "general", bob, textAnnouncer{})
	req.NoError(err)
	alice.reset()

	// When bob joins the room he is already in
	snap, err := registry.Join(KindPublic, "general", bob, textAnnouncer{})

	// Then nothing changes and nobody is notified
	req.NoError(err)
	req.Equal(2, snap.Members)
	req.Empty(alice.messages())
}

func TestRegistry_Join_Moves_Member_Between_Rooms(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	alice := newFakeMember()
	bob := newFakeMember()

	// Given alice and bob share a public room
	_, err := registry.Join(KindPublic, "general", alice, textAnnouncer{})
	req.NoError(err)
	_, err = registry.Join(KindPublic, "general", bob, textAnnouncer{})
	req.NoError(err)
	alice.reset()

	// When bob creates a secret room
	snap, err := registry.Create(KindSecret, bob, textAnnouncer{})
	req.NoError(err)

	// Then alice is told bob left and bob sits only in the secret room
	req.Equal([]string{"left public/general"}, alice.messages())
	req.Equal([]uint64{alice.ID()}, registry.MemberIDs(KindPublic, "general"))
	req.Equal([]uint64{bob.ID()}, registry.MemberIDs(KindSecret, snap.ID))

	kind, roomID := bob.Room()
	req.Equal(KindSecret, kind)
	req.Equal(snap.ID, roomID)
}

func TestRegistry_Moving_Out_Destroys_Empty_Room(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	alice := newFakeMember()

	_, err := registry.Join(KindPublic, "general", alice, nil)
	req.NoError(err)

	_, err = registry.Join(KindPublic, "random", alice, nil)
	req.NoError(err)

	req.Equal([]string{"random"}, registry.RoomIDs(KindPublic))
	_, ok := registry.Lookup(KindPublic, "general")
	req.False(ok)
}

func TestRegistry_Join_Secret_Requires_Existing_Room(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	alice := newFakeMember()

	_, err := registry.Join(KindSecret, "does-not-exist", alice, nil)

	req.ErrorIs(err, ErrRoomNotFound)
	req.Zero(registry.Count(KindSecret))
	kind, _ := alice.Room()
	req.Equal(KindNone, kind)
}

func TestRegistry_Failed_Join_Keeps_Current_Room(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	alice := newFakeMember()
	bob := newFakeMember()

	// Given alice is in a public room with bob
	_, err := registry.Join(KindPublic, "general", alice, textAnnouncer{})
	req.NoError(err)
	_, err = registry.Join(KindPublic, "general", bob, textAnnouncer{})
	req.NoError(err)
	bob.reset()

	// When alice tries to join a secret room that does not exist
	_, err = registry.Join(KindSecret, "nope", alice, textAnnouncer{})

	// Then she is still in general and bob saw nothing
	req.ErrorIs(err, ErrRoomNotFound)
	kind, roomID := alice.Room()
	req.Equal(KindPublic, kind)
	req.Equal("general", roomID)
	req.Len(registry.MemberIDs(KindPublic, "general"), 2)
	req.Empty(bob.messages())
}

func TestRegistry_Create_Secret(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	alice := newFakeMember()
	bob := newFakeMember()

	snap, err := registry.Create(KindSecret, alice, textAnnouncer{})
	req.NoError(err)
	req.Equal(KindSecret, snap.Kind)
	req.Len(snap.ID, 32)
	req.Empty(snap.InviteCode)
	req.Equal(1, snap.Members)

	joined, err := registry.Join(KindSecret, snap.ID, bob, textAnnouncer{})
	req.NoError(err)
	req.Equal(2, joined.Members)
	req.Equal([]string{"joined secret/" + snap.ID}, alice.messages())
}

func TestRegistry_Create_Gives_Distinct_Ids(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		snap, err := registry.Create(KindSecret, newFakeMember(), nil)
		req.NoError(err)
		req.False(seen[snap.ID], "duplicate room id %s", snap.ID)
		seen[snap.ID] = true
	}
	req.Equal(100, registry.Count(KindSecret))
}

func TestRegistry_Create_Rejects_Public_And_Unknown_Kinds(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	alice := newFakeMember()

	_, err := registry.Create(KindPublic, alice, nil)
	req.ErrorIs(err, ErrNotCreatable)

	_, err = registry.Create(KindNone, alice, nil)
	req.ErrorIs(err, ErrUnknownKind)

	_, err = registry.Join(Kind(42), "x", alice, nil)
	req.ErrorIs(err, ErrUnknownKind)
}

func TestRegistry_P2P_Lifecycle(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	alice := newFakeMember()
	bob := newFakeMember()
	carol := newFakeMember()

	// Given alice creates a p2p room
	created, err := registry.Create(KindP2P, alice, textAnnouncer{})
	req.NoError(err)
	req.Len(created.InviteCode, 6)
	req.Equal(strings.ToLower(created.InviteCode), created.InviteCode)

	roomID, ok := registry.Invites().Resolve(created.InviteCode)
	req.True(ok)
	req.Equal(created.ID, roomID)

	// When bob redeems the code in upper case
	joined, err := registry.JoinInvite(strings.ToUpper(created.InviteCode), bob, textAnnouncer{})

	// Then the room is full and the code is spent
	req.NoError(err)
	req.Equal(created.ID, joined.ID)
	req.Equal(2, joined.Members)
	req.Empty(joined.InviteCode)
	req.Equal([]string{"joined p2p/" + created.ID}, alice.messages())

	_, ok = registry.Invites().Resolve(created.InviteCode)
	req.False(ok)

	// And a third member is turned away
	_, err = registry.JoinInvite(created.InviteCode, carol, textAnnouncer{})
	req.ErrorIs(err, ErrRoomFull)
	_, err = registry.Join(KindP2P, created.ID, carol, textAnnouncer{})
	req.ErrorIs(err, ErrRoomFull)
	kind, _ := carol.Room()
	req.Equal(KindNone, kind)

	// When bob leaves the spent code still cannot be reused
	dep, ok := registry.Leave(bob, textAnnouncer{})
	req.True(ok)
	req.Equal(1, dep.Remaining)
	req.False(dep.Destroyed)

	_, err = registry.JoinInvite(created.InviteCode, carol, textAnnouncer{})
	req.ErrorIs(err, ErrRoomNotFound)

	// When alice leaves the room and its code are gone
	dep, ok = registry.Leave(alice, textAnnouncer{})
	req.True(ok)
	req.True(dep.Destroyed)
	req.Zero(registry.Count(KindP2P))
	_, ok = registry.Invites().Spent(created.InviteCode)
	req.False(ok)
}

func TestRegistry_P2P_Unknown_Code(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()

	_, err := registry.JoinInvite("zzzzzz", newFakeMember(), nil)
	req.ErrorIs(err, ErrRoomNotFound)
}

func TestRegistry_P2P_Destroyed_Before_Second_Peer(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	alice := newFakeMember()

	created, err := registry.Create(KindP2P, alice, nil)
	req.NoError(err)

	// When the creator disconnects before anyone redeems the code
	registry.Leave(alice, nil)

	// Then the code no longer resolves
	_, err = registry.JoinInvite(created.InviteCode, newFakeMember(), nil)
	req.ErrorIs(err, ErrRoomNotFound)
	req.Zero(registry.Invites().Len())
}

func TestRegistry_Leave_Is_Idempotent(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	alice := newFakeMember()
	bob := newFakeMember()

	_, err := registry.Join(KindPublic, "general", alice, textAnnouncer{})
	req.NoError(err)
	_, err = registry.Join(KindPublic, "general", bob, textAnnouncer{})
	req.NoError(err)
	alice.reset()

	dep, ok := registry.Leave(bob, textAnnouncer{})
	req.True(ok)
	req.Equal(Departure{Kind: KindPublic, RoomID: "general", Remaining: 1}, dep)

	_, ok = registry.Leave(bob, textAnnouncer{})
	req.False(ok)

	// Then alice was told exactly once
	req.Equal([]string{"left public/general"}, alice.messages())
}

func TestRegistry_Leave_Without_Room(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()

	_, ok := registry.Leave(newFakeMember(), textAnnouncer{})
	req.False(ok)
}

func TestRegistry_Namespaces_Are_Independent(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	alice := newFakeMember()
	bob := newFakeMember()

	secret, err := registry.Create(KindSecret, alice, nil)
	req.NoError(err)

	// A public room with the same name as a secret room is a different room
	_, err = registry.Join(KindPublic, secret.ID, bob, nil)
	req.NoError(err)

	req.Equal([]uint64{alice.ID()}, registry.MemberIDs(KindSecret, secret.ID))
	req.Equal([]uint64{bob.ID()}, registry.MemberIDs(KindPublic, secret.ID))
}

func TestRegistry_Observer_Tracks_Room_Counts(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	observer := newCountingObserver()
	registry.SetObserver(observer)
	alice := newFakeMember()
	bob := newFakeMember()

	_, err := registry.Join(KindPublic, "a", alice, nil)
	req.NoError(err)
	_, err = registry.Join(KindPublic, "b", bob, nil)
	req.NoError(err)
	req.Equal(2, observer.rooms[KindPublic])

	registry.Leave(alice, nil)
	req.Equal(1, observer.rooms[KindPublic])
}
