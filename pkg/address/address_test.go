package address

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityAddress_Deterministic(t *testing.T) {
	base := []byte("treasury")
	assert.Equal(t, IdentityAddress(base), IdentityAddress(base))
	assert.NotEqual(t, IdentityAddress(base), IdentityAddress([]byte("treasury2")))
	assert.False(t, IdentityAddress(base).IsZero())
}

func TestActionAddress_IndexAndIdentity(t *testing.T) {
	id := IdentityAddress([]byte("a"))
	other := IdentityAddress([]byte("b"))

	assert.Equal(t, ActionAddress(id, 7), ActionAddress(id, 7))
	assert.NotEqual(t, ActionAddress(id, 0), ActionAddress(id, 1))
	assert.NotEqual(t, ActionAddress(id, 0), ActionAddress(other, 0))
}

func TestDerive_DomainSeparation(t *testing.T) {
	id := IdentityAddress([]byte("a"))

	// Same input bytes under different tags must not collide.
	assert.NotEqual(t, Derive(TagIdentity, id[:]), SignerAddress(id))
	assert.NotEqual(t, Derive(TagIdentity, id[:]), Derive(TagIdentitySigner, id[:], nil))

	// Length prefixes keep part boundaries significant.
	assert.NotEqual(t, Derive(TagAction, []byte("ab"), []byte("c")), Derive(TagAction, []byte("a"), []byte("bc")))
}

func TestSignerAddress_DiffersFromIdentity(t *testing.T) {
	id := IdentityAddress([]byte("vault"))
	assert.NotEqual(t, id, SignerAddress(id))
	assert.Equal(t, SignerAddress(id), SignerAddress(id))
}

func TestParse_RoundTrip(t *testing.T) {
	a := IdentityAddress([]byte("x"))
	parsed, err := Parse(a.String())
	require.NoError(t, err)
	assert.Equal(t, a, parsed)

	_, err = Parse("abc")
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = Parse("zz" + a.String()[2:])
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestAddress_JSON(t *testing.T) {
	a := ProgramAddress("transfer")
	data, err := json.Marshal(map[string]Address{"program": a})
	require.NoError(t, err)
	assert.JSONEq(t, `{"program":"`+a.String()+`"}`, string(data))

	var out map[string]Address
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, a, out["program"])
}

func TestFromBytes(t *testing.T) {
	a := IdentityAddress([]byte("x"))
	b, err := FromBytes(a.Bytes())
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, err = FromBytes([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestBaseFromLabel_Normalizes(t *testing.T) {
	// "é" precomposed vs. "e" + combining acute accent.
	composed := BaseFromLabel("caf\u00e9")
	decomposed := BaseFromLabel("  cafe\u0301 ")
	assert.Equal(t, composed, decomposed)
	assert.Len(t, composed, BaseSize)
	assert.NotEqual(t, composed, BaseFromLabel("cafe"))
}

func TestNewBase(t *testing.T) {
	a, err := NewBase()
	require.NoError(t, err)
	b, err := NewBase()
	require.NoError(t, err)
	assert.Len(t, a, BaseSize)
	assert.NotEqual(t, a, b)
}
