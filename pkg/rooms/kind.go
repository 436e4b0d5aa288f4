package rooms

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Kind identifies one of the independent room namespaces
type Kind uint8

const (
	KindNone Kind = iota
	KindPublic
	KindSecret
	KindP2P
)

// P2PCapacity is the member limit of a peer-to-peer room
const P2PCapacity = 2

// Kinds lists the real namespaces in lock order
var Kinds = []Kind{KindPublic, KindSecret, KindP2P}

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindPublic:
		return "public"
	case KindSecret:
		return "secret"
	case KindP2P:
		return "p2p"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k names a real namespace
func (k Kind) Valid() bool {
	return k == KindPublic || k == KindSecret || k == KindP2P
}

// newRoomID returns 128 random bits rendered as hex
func newRoomID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate room id: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
