package rooms

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
)

const (
	// inviteCodeBytes gives a 24-bit code space, six hex characters
	inviteCodeBytes = 3

	maxIssueAttempts = 64
)

var ErrInviteSpaceExhausted = errors.New("no free invite code found")

// InviteIndex maps short invite codes to peer-to-peer room ids.
//
// A live code resolves to its room. Once the room fills the code is spent:
// it no longer resolves, but stays reserved (and remembers its room) until
// the room is destroyed, so a late joiner can be told the room is full and
// the code cannot be handed out again while the room lives.
type InviteIndex struct {
	mu    sync.Mutex
	live  map[string]string // code -> room id
	spent map[string]string // code -> room id, room still alive but full
}

// NewInviteIndex creates an empty index
func NewInviteIndex() *InviteIndex {
	return &InviteIndex{
		live:  make(map[string]string),
		spent: make(map[string]string),
	}
}

// NormalizeInviteCode folds user input to the canonical form
func NormalizeInviteCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// Issue generates a code for roomID that is unique among live and spent codes
func (ix *InviteIndex) Issue(roomID string) (string, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var b [inviteCodeBytes]byte
	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		if _, err := rand.Read(b[:]); err != nil {
			return "", fmt.Errorf("failed to generate invite code: %w", err)
		}
		code := hex.EncodeToString(b[:])
		if _, taken := ix.live[code]; taken {
			continue
		}
		if _, taken := ix.spent[code]; taken {
			continue
		}
		ix.live[code] = roomID
		return code, nil
	}
	return "", ErrInviteSpaceExhausted
}

// Resolve returns the room a live code points at
func (ix *InviteIndex) Resolve(code string) (string, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	roomID, ok := ix.live[NormalizeInviteCode(code)]
	return roomID, ok
}

// Spent returns the room of a code that was consumed by its room filling up
func (ix *InviteIndex) Spent(code string) (string, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	roomID, ok := ix.spent[NormalizeInviteCode(code)]
	return roomID, ok
}

// Consume marks a live code as spent
func (ix *InviteIndex) Consume(code string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	code = NormalizeInviteCode(code)
	if roomID, ok := ix.live[code]; ok {
		delete(ix.live, code)
		ix.spent[code] = roomID
	}
}

// Revoke forgets a code entirely
func (ix *InviteIndex) Revoke(code string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	code = NormalizeInviteCode(code)
	delete(ix.live, code)
	delete(ix.spent, code)
}

// Len returns the number of live codes
func (ix *InviteIndex) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	return len(ix.live)
}
