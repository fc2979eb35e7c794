package address

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestAddressingDeterminism verifies derivations are pure.
// Property: f(x) == f(x) and x != y implies f(x) != f(y)
func TestAddressingDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("identity address is deterministic and injective", prop.ForAll(
		func(a, b []byte) bool {
			if IdentityAddress(a) != IdentityAddress(a) {
				return false
			}
			return bytes.Equal(a, b) == (IdentityAddress(a) == IdentityAddress(b))
		},
		gen.SliceOf(gen.UInt8()),
		gen.SliceOf(gen.UInt8()),
	))

	properties.Property("action address separates identities and indices", prop.ForAll(
		func(base []byte, i, j uint32) bool {
			id := IdentityAddress(base)
			if ActionAddress(id, i) != ActionAddress(id, i) {
				return false
			}
			if (i == j) != (ActionAddress(id, i) == ActionAddress(id, j)) {
				return false
			}
			return ActionAddress(id, i) != id && SignerAddress(id) != id
		},
		gen.SliceOf(gen.UInt8()),
		gen.UInt32(),
		gen.UInt32(),
	))

	properties.TestingRun(t)
}
