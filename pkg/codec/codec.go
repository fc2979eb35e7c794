// Package codec defines the persisted layout of identity and action
// records.
//
// Records are CBOR arrays (fields in declaration order, no field names)
// produced with Core Deterministic Encoding, so the same record always
// encodes to the same bytes. Every record is wrapped in an envelope
// carrying its kind and the format version that wrote it; readers
// accept any version within the current major.
package codec

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/fxamacker/cbor/v2"
)

// FormatVersion is written into every envelope.
const FormatVersion = "1.0.0"

// Kind tags what an envelope holds.
type Kind uint8

const (
	KindIdentity   Kind = 1
	KindAction     Kind = 2
	KindBalance    Kind = 3
	KindGovernance Kind = 4 // engine governance instruction data
	KindTransfer   Kind = 5 // transfer instruction data
)

func (k Kind) String() string {
	switch k {
	case KindIdentity:
		return "identity"
	case KindAction:
		return "action"
	case KindBalance:
		return "balance"
	case KindGovernance:
		return "governance"
	case KindTransfer:
		return "transfer"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var (
	// ErrMalformed is returned for bytes that are not a valid record.
	ErrMalformed = errors.New("codec: malformed record")
	// ErrWrongKind is returned when the envelope holds another record kind.
	ErrWrongKind = errors.New("codec: unexpected record kind")
	// ErrUnsupportedVersion is returned for records written by an
	// incompatible format version.
	ErrUnsupportedVersion = errors.New("codec: unsupported format version")
	// ErrApprovalsMismatch is returned when an action's approvals vector
	// does not match the roster it is checked against.
	ErrApprovalsMismatch = errors.New("codec: approvals length does not match owner roster")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	// readable constrains which envelope versions this build decodes.
	readable *semver.Constraints
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxArrayElements: 1 << 16,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}

	current := semver.MustParse(FormatVersion)
	readable, err = semver.NewConstraint(fmt.Sprintf("^%d.0.0", current.Major()))
	if err != nil {
		panic("codec: version constraint: " + err.Error())
	}
}

type envelope struct {
	_       struct{} `cbor:",toarray"`
	Kind    Kind
	Version string
	Body    cbor.RawMessage
}

// Marshal encodes v as the body of a kind envelope.
func Marshal(kind Kind, v any) ([]byte, error) {
	body, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: encode %s: %w", kind, err)
	}
	return encMode.Marshal(envelope{Kind: kind, Version: FormatVersion, Body: body})
}

// Unmarshal decodes an envelope of the given kind into v.
func Unmarshal(data []byte, kind Kind, v any) error {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Kind != kind {
		return fmt.Errorf("%w: want %s, got %s", ErrWrongKind, kind, env.Kind)
	}
	ver, err := semver.NewVersion(env.Version)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, env.Version)
	}
	if !readable.Check(ver) {
		return fmt.Errorf("%w: %s (reader %s)", ErrUnsupportedVersion, ver, FormatVersion)
	}
	if err := decMode.Unmarshal(env.Body, v); err != nil {
		return fmt.Errorf("%w: %s body: %v", ErrMalformed, kind, err)
	}
	return nil
}
