package address

import (
	"crypto/rand"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// BaseSize is the length of bases produced by NewBase and BaseFromLabel.
// CreateIdentity accepts bases of any non-zero length.
const BaseSize = 32

// NewBase returns a random base.
func NewBase() ([]byte, error) {
	b := make([]byte, BaseSize)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("address: generate base: %w", err)
	}
	return b, nil
}

// BaseFromLabel turns a human label into a base. Labels are trimmed and
// NFC-normalized first so visually identical labels typed on different
// systems resolve to the same identity.
func BaseFromLabel(label string) []byte {
	canonical := norm.NFC.String(strings.TrimSpace(label))
	a := Derive(TagBase, []byte(canonical))
	return a.Bytes()
}
