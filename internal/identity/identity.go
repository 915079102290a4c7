// Package identity holds the broadcast identity of a node and the topology
// filter that restricts which predecessor a relay will lock onto.
package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Size is the length of an address in bytes.
const Size = 6

// ErrInvalidIdentity is returned for malformed or unusable addresses.
var ErrInvalidIdentity = errors.New("invalid identity")

// Type distinguishes public from random addresses.
type Type uint8

const (
	TypePublic Type = iota
	TypeRandom
)

func (t Type) String() string {
	switch t {
	case TypePublic:
		return "public"
	case TypeRandom:
		return "random"
	default:
		return "unknown"
	}
}

// ParseType parses "public" or "random".
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "public":
		return TypePublic, nil
	case "random", "":
		return TypeRandom, nil
	default:
		return 0, fmt.Errorf("%w: unknown address type %q", ErrInvalidIdentity, s)
	}
}

// Identity is a node address. Addr is stored most significant byte first,
// matching the textual form.
type Identity struct {
	Type Type
	Addr [Size]byte
}

// Parse parses "DE:AD:BE:AF:BA:11" with the given address type.
func Parse(s, typ string) (Identity, error) {
	t, err := ParseType(typ)
	if err != nil {
		return Identity{}, err
	}
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != Size {
		return Identity{}, fmt.Errorf("%w: %q: want %d octets", ErrInvalidIdentity, s, Size)
	}
	var id Identity
	id.Type = t
	for i, p := range parts {
		if len(p) != 2 {
			return Identity{}, fmt.Errorf("%w: %q: bad octet %q", ErrInvalidIdentity, s, p)
		}
		b, err := hex.DecodeString(p)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: %q: %v", ErrInvalidIdentity, s, err)
		}
		id.Addr[i] = b[0]
	}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s, typ string) Identity {
	id, err := Parse(s, typ)
	if err != nil {
		panic(err)
	}
	return id
}

// Validate checks that a random identity is a static random address: the
// two most significant bits are set and the remaining 46 bits are neither
// all zero nor all one. Public identities only must not be zero.
func (id Identity) Validate() error {
	if id.IsZero() {
		return fmt.Errorf("%w: zero address", ErrInvalidIdentity)
	}
	switch id.Type {
	case TypePublic:
		return nil
	case TypeRandom:
	default:
		return fmt.Errorf("%w: unknown address type %d", ErrInvalidIdentity, id.Type)
	}
	if id.Addr[0]&0xC0 != 0xC0 {
		return fmt.Errorf("%w: %s is not a static random address", ErrInvalidIdentity, id)
	}
	rest := id.Addr
	rest[0] &^= 0xC0
	allZero, allOne := true, rest[0] == 0x3F
	for i, b := range rest {
		if b != 0 {
			allZero = false
		}
		if i > 0 && b != 0xFF {
			allOne = false
		}
	}
	if allZero || allOne {
		return fmt.Errorf("%w: %s has a reserved random part", ErrInvalidIdentity, id)
	}
	return nil
}

// IsZero reports whether the address bytes are all zero.
func (id Identity) IsZero() bool {
	return id.Addr == [Size]byte{}
}

// String returns "DE:AD:BE:AF:BA:11 (random)".
func (id Identity) String() string {
	return id.AddrString() + " (" + id.Type.String() + ")"
}

// AddrString returns the colon separated address without the type.
func (id Identity) AddrString() string {
	var sb strings.Builder
	for i, b := range id.Addr {
		if i > 0 {
			sb.WriteByte(':')
		}
		fmt.Fprintf(&sb, "%02X", b)
	}
	return sb.String()
}
