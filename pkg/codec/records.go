package codec

import (
	"fmt"

	"github.com/mfactory-lab/multisig/pkg/address"
)

// IdentityRecord is the stored form of an identity.
type IdentityRecord struct {
	_             struct{} `cbor:",toarray"`
	Base          []byte
	Owners        []address.Address
	Threshold     uint32
	ActionCount   uint32
	OwnerSetSeqno uint32
}

// AccountMeta is the stored form of an instruction account reference.
type AccountMeta struct {
	_          struct{} `cbor:",toarray"`
	Address    address.Address
	IsSigner   bool
	IsWritable bool
}

// Instruction is the stored form of one capability invocation.
type Instruction struct {
	_        struct{} `cbor:",toarray"`
	Program  address.Address
	Accounts []AccountMeta
	Data     []byte
}

// ActionRecord is the stored form of an action.
type ActionRecord struct {
	_             struct{} `cbor:",toarray"`
	Identity      address.Address
	Index         uint32
	Proposer      address.Address
	Instructions  []Instruction
	Approvals     []bool
	OwnerSetSeqno uint32
	Executor      address.Address
	ExecutedAt    *int64
	CreatedAt     int64
}

// EncodeIdentity encodes an identity record.
func EncodeIdentity(r *IdentityRecord) ([]byte, error) {
	return Marshal(KindIdentity, r)
}

// DecodeIdentity decodes an identity record.
func DecodeIdentity(data []byte) (*IdentityRecord, error) {
	var r IdentityRecord
	if err := Unmarshal(data, KindIdentity, &r); err != nil {
		return nil, err
	}
	if len(r.Owners) == 0 {
		return nil, fmt.Errorf("%w: identity without owners", ErrMalformed)
	}
	return &r, nil
}

// EncodeAction encodes an action record.
func EncodeAction(r *ActionRecord) ([]byte, error) {
	return Marshal(KindAction, r)
}

// DecodeAction decodes an action record and checks its approvals vector
// against rosterLen, the owner count of the identity era the record was
// created in. A negative rosterLen skips the check, for callers that no
// longer know that era's roster.
func DecodeAction(data []byte, rosterLen int) (*ActionRecord, error) {
	var r ActionRecord
	if err := Unmarshal(data, KindAction, &r); err != nil {
		return nil, err
	}
	if rosterLen >= 0 && len(r.Approvals) != rosterLen {
		return nil, fmt.Errorf("%w: %d approvals, %d owners", ErrApprovalsMismatch, len(r.Approvals), rosterLen)
	}
	return &r, nil
}

// CheckRoster validates the approvals vector against the roster of the
// identity era seqno. Records from another era are not checked: their
// roster is no longer known.
func (r *ActionRecord) CheckRoster(seqno uint32, rosterLen int) error {
	if r.OwnerSetSeqno != seqno {
		return nil
	}
	if len(r.Approvals) != rosterLen {
		return fmt.Errorf("%w: %d approvals, %d owners", ErrApprovalsMismatch, len(r.Approvals), rosterLen)
	}
	return nil
}

// EncodeBalance encodes a transfer balance.
func EncodeBalance(amount uint64) ([]byte, error) {
	return Marshal(KindBalance, amount)
}

// DecodeBalance decodes a transfer balance.
func DecodeBalance(data []byte) (uint64, error) {
	var amount uint64
	if err := Unmarshal(data, KindBalance, &amount); err != nil {
		return 0, err
	}
	return amount, nil
}
