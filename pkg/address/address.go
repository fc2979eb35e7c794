// Package address derives the storage locations of identities, their
// action records and their signing authorities.
//
// Every address is a BLAKE3 keyed hash: the key is a fixed per-tag domain
// key and the message is the length-prefixed concatenation of the inputs.
// Derivation is pure, so any reader can locate an identity or its Nth
// action record without a lookup table.
package address

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

// Size is the length of an address in bytes.
const Size = 32

// Address is a 32-byte storage location or principal identifier.
type Address [Size]byte

// Zero is the unset address.
var Zero Address

// ErrInvalidAddress is returned when text cannot be parsed as an address.
var ErrInvalidAddress = errors.New("address: invalid address")

// Domain tags. Changing any of these relocates every record derived under it.
const (
	TagIdentity       = "identity"
	TagAction         = "action"
	TagIdentitySigner = "identity-signer"
	TagProgram        = "program"
	TagBase           = "base"
)

// domainKey turns a tag into a 32-byte BLAKE3 key. The key is the ASCII
// tag prefixed with the scheme name and zero padded, which keeps keys
// readable in hex dumps.
func domainKey(tag string) [32]byte {
	var key [32]byte
	n := copy(key[:], "multisig."+tag)
	if n < len("multisig.")+len(tag) {
		panic("address: domain tag too long: " + tag)
	}
	return key
}

// Derive hashes the tagged, length-prefixed parts into an address.
// Distinct (tag, parts) tuples never share an encoding, so collisions
// reduce to BLAKE3 collisions.
func Derive(tag string, parts ...[]byte) Address {
	key := domainKey(tag)
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("address: BLAKE3 keyed hash initialization failed: " + err.Error())
	}

	var prefix [4]byte
	for _, part := range parts {
		binary.BigEndian.PutUint32(prefix[:], uint32(len(part)))
		_, _ = hasher.Write(prefix[:])
		_, _ = hasher.Write(part)
	}

	var out Address
	copy(out[:], hasher.Sum(nil))
	return out
}

// IdentityAddress is the storage location of the identity created from base.
func IdentityAddress(base []byte) Address {
	return Derive(TagIdentity, base)
}

// ActionAddress is the storage location of the index-th action record of
// an identity. The index is encoded as 4 little-endian bytes.
func ActionAddress(identity Address, index uint32) Address {
	var le [4]byte
	binary.LittleEndian.PutUint32(le[:], index)
	return Derive(TagAction, identity[:], le[:])
}

// SignerAddress is the signing authority of an identity. Nobody holds a
// key for it; the engine recognizes it as signed only while executing one
// of that identity's approved actions.
func SignerAddress(identity Address) Address {
	return Derive(TagIdentitySigner, identity[:])
}

// ProgramAddress names a capability program registered under name.
func ProgramAddress(name string) Address {
	return Derive(TagProgram, []byte(name))
}

// EngineProgram is the program address of the engine's own governance
// instructions (owner replacement and threshold changes).
var EngineProgram = ProgramAddress("multisig")

// Parse decodes a hex-encoded address.
func Parse(s string) (Address, error) {
	var a Address
	if err := a.UnmarshalText([]byte(s)); err != nil {
		return Zero, err
	}
	return a, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromBytes copies a 32-byte slice into an address.
func FromBytes(b []byte) (Address, error) {
	if len(b) != Size {
		return Zero, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidAddress, Size, len(b))
	}
	var a Address
	copy(a[:], b)
	return a, nil
}

// IsZero reports whether a is the unset address.
func (a Address) IsZero() bool {
	return a == Zero
}

// Bytes returns a copy of the address bytes.
func (a Address) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, a[:])
	return b
}

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// Short is an abbreviated form for logs.
func (a Address) Short() string {
	s := a.String()
	return s[:8] + ".." + s[len(s)-4:]
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	if len(text) != hex.EncodedLen(Size) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, text)
	}
	if _, err := hex.Decode(a[:], text); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return nil
}
