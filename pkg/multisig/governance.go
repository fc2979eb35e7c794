package multisig

import (
	"context"
	"fmt"

	"github.com/mfactory-lab/multisig/pkg/address"
	"github.com/mfactory-lab/multisig/pkg/capability"
	"github.com/mfactory-lab/multisig/pkg/codec"
	"github.com/mfactory-lab/multisig/pkg/store"
)

// Authority proves that a call comes from an identity's own approved
// action. Only the engine's governance program mints a valid one, while
// executing an action whose batch signs with the identity's derived
// signer. The zero value authorizes nothing.
type Authority struct {
	identity address.Address
	valid    bool
}

func (a Authority) permits(identity address.Address) bool {
	return a.valid && a.identity == identity
}

// mintAuthority checks the governance account pair: the subject identity
// and, signed by the executing batch, that identity's derived signer.
func mintAuthority(subject, signer capability.Account) Authority {
	if !signer.IsSigner || signer.Address != address.SignerAddress(subject.Address) {
		return Authority{}
	}
	return Authority{identity: subject.Address, valid: true}
}

// ReplaceOwners replaces the roster of identity. auth must come from the
// identity's own execution; external callers hold only the zero
// Authority and get ErrUnauthorized.
//
// When the new roster is smaller than the threshold, the threshold is
// lowered to the roster size.
func (e *Engine) ReplaceOwners(ctx context.Context, auth Authority, identity address.Address, owners []address.Address) error {
	return e.update(ctx, "replace_owners", identity, func(ctx context.Context, tx store.Tx, _ *batch) error {
		return e.replaceOwners(ctx, tx, auth, identity, owners)
	})
}

// ChangeThreshold sets the approval threshold of identity, under the
// same authorization as ReplaceOwners.
func (e *Engine) ChangeThreshold(ctx context.Context, auth Authority, identity address.Address, threshold uint32) error {
	return e.update(ctx, "change_threshold", identity, func(ctx context.Context, tx store.Tx, _ *batch) error {
		return e.changeThreshold(ctx, tx, auth, identity, threshold)
	})
}

func (e *Engine) replaceOwners(ctx context.Context, tx store.Tx, auth Authority, identity address.Address, owners []address.Address) error {
	if !auth.permits(identity) {
		return ErrUnauthorized
	}
	if err := validateOwners(owners); err != nil {
		return err
	}
	id, err := loadIdentity(ctx, tx, identity)
	if err != nil {
		return err
	}

	id.Owners = copyOwners(owners)
	if n := uint32(len(owners)); n < id.Threshold {
		e.logger.WarnContext(ctx, "threshold clamped to new owner count",
			"identity", identity.Short(),
			"from", id.Threshold,
			"to", n,
		)
		id.Threshold = n
	}
	id.OwnerSetSeqno++
	if err := putIdentity(ctx, tx, id); err != nil {
		return err
	}

	batchFrom(ctx).emit(Event{
		Type:          EventOwnersReplaced,
		Identity:      identity,
		Owners:        copyOwners(id.Owners),
		Threshold:     id.Threshold,
		OwnerSetSeqno: id.OwnerSetSeqno,
		Timestamp:     e.now(),
	})
	return nil
}

func (e *Engine) changeThreshold(ctx context.Context, tx store.Tx, auth Authority, identity address.Address, threshold uint32) error {
	if !auth.permits(identity) {
		return ErrUnauthorized
	}
	id, err := loadIdentity(ctx, tx, identity)
	if err != nil {
		return err
	}
	if err := validateThreshold(threshold, len(id.Owners)); err != nil {
		return err
	}

	id.Threshold = threshold
	if err := putIdentity(ctx, tx, id); err != nil {
		return err
	}

	batchFrom(ctx).emit(Event{
		Type:          EventThresholdChanged,
		Identity:      identity,
		Threshold:     threshold,
		OwnerSetSeqno: id.OwnerSetSeqno,
		Timestamp:     e.now(),
	})
	return nil
}

const (
	opSetOwners       uint8 = 1
	opChangeThreshold uint8 = 2
)

// governanceData is the instruction data of the engine program.
type governanceData struct {
	_         struct{} `cbor:",toarray"`
	Op        uint8
	Owners    []address.Address
	Threshold uint32
}

// governance is the engine's own capability. Its accounts are the subject
// identity (writable) and that identity's derived signer (signer).
type governance struct {
	engine *Engine
}

func (g governance) Invoke(ctx context.Context, call *capability.Call) error {
	var data governanceData
	if err := codec.Unmarshal(call.Data, codec.KindGovernance, &data); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	subject, err := call.Writable(0)
	if err != nil {
		return err
	}
	signer, err := call.Account(1)
	if err != nil {
		return err
	}
	auth := mintAuthority(subject, signer)

	switch data.Op {
	case opSetOwners:
		return g.engine.replaceOwners(ctx, call.State, auth, subject.Address, data.Owners)
	case opChangeThreshold:
		return g.engine.changeThreshold(ctx, call.State, auth, subject.Address, data.Threshold)
	default:
		return fmt.Errorf("%w: unknown governance op %d", ErrInvalidData, data.Op)
	}
}

func governanceInstruction(identity address.Address, data governanceData) (Instruction, error) {
	encoded, err := codec.Marshal(codec.KindGovernance, data)
	if err != nil {
		return Instruction{}, err
	}
	return Instruction{
		Program: address.EngineProgram,
		Accounts: []AccountMeta{
			{Address: identity, IsWritable: true},
			{Address: address.SignerAddress(identity), IsSigner: true},
		},
		Data: encoded,
	}, nil
}

// SetOwnersInstruction builds the instruction that replaces the owners of
// identity when an action of that identity carrying it executes.
func SetOwnersInstruction(identity address.Address, owners []address.Address) (Instruction, error) {
	return governanceInstruction(identity, governanceData{Op: opSetOwners, Owners: owners})
}

// ChangeThresholdInstruction builds the instruction that changes the
// threshold of identity when an action of that identity carrying it
// executes.
func ChangeThresholdInstruction(identity address.Address, threshold uint32) (Instruction, error) {
	return governanceInstruction(identity, governanceData{Op: opChangeThreshold, Threshold: threshold})
}
