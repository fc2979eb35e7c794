package multisig

import (
	"context"
	"fmt"
	"time"

	"github.com/mfactory-lab/multisig/pkg/address"
	"github.com/mfactory-lab/multisig/pkg/capability"
	"github.com/mfactory-lab/multisig/pkg/store"
)

// Execute runs the index-th action of identity once it has enough
// approvals under the current owner set. Its instructions run in order
// inside the operation's transaction; if any of them fails nothing they
// did is kept and the action stays unexecuted.
//
// Any caller may execute; executor is recorded on the action.
func (e *Engine) Execute(ctx context.Context, identity address.Address, index uint32, executor address.Address) (*Action, error) {
	var action *Action
	err := e.update(ctx, "execute", identity, func(ctx context.Context, tx store.Tx, b *batch) error {
		id, err := loadIdentity(ctx, tx, identity)
		if err != nil {
			return err
		}
		a, err := loadAction(ctx, tx, id, index)
		if err != nil {
			return err
		}

		if a.Executed() {
			return ErrAlreadyExecuted
		}
		if a.OwnerSetSeqno != id.OwnerSetSeqno {
			return ErrStaleOwnerSet
		}
		if a.ApprovalCount() < id.Threshold {
			return ErrInsufficientApprovals
		}

		now := e.clock()
		if err := e.invokeAll(ctx, tx, id, a, now); err != nil {
			return err
		}

		// Governance instructions may have rewritten the identity, never
		// the action record.
		executedAt := now.Unix()
		a.Executor = executor
		a.ExecutedAt = &executedAt
		if err := putAction(ctx, tx, a); err != nil {
			return err
		}

		b.emit(Event{
			Type:          EventActionExecuted,
			Identity:      identity,
			Action:        a.Address,
			Index:         index,
			Actor:         executor,
			OwnerSetSeqno: a.OwnerSetSeqno,
			Timestamp:     executedAt,
		})
		action = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "action executed",
		"identity", identity.Short(),
		"index", index,
		"executor", executor.Short(),
	)
	return action, nil
}

// invokeAll runs every instruction of a through the registry. The
// identity's derived signer is the only account the batch vouches for; a
// signer flag on any other account fails the batch.
func (e *Engine) invokeAll(ctx context.Context, tx store.Tx, id *Identity, a *Action, now time.Time) error {
	signer := id.Signer()
	for i, ins := range a.Instructions {
		accounts := make([]capability.Account, len(ins.Accounts))
		for j, m := range ins.Accounts {
			if m.IsSigner && m.Address != signer {
				return &InstructionError{
					Index:   i,
					Program: ins.Program,
					Err:     fmt.Errorf("%w: account %d (%s) cannot be signed by this identity", ErrUnauthorized, j, m.Address.Short()),
				}
			}
			accounts[j] = capability.Account{Address: m.Address, IsSigner: m.IsSigner, IsWritable: m.IsWritable}
		}

		c, err := e.registry.Lookup(ins.Program)
		if err != nil {
			return &InstructionError{Index: i, Program: ins.Program, Err: err}
		}

		call := &capability.Call{
			Program:  ins.Program,
			Accounts: accounts,
			Data:     ins.Data,
			State:    tx,
			Now:      now,
		}
		if err := c.Invoke(ctx, call); err != nil {
			e.logger.DebugContext(ctx, "instruction failed",
				"identity", id.Address.Short(),
				"index", a.Index,
				"instruction", i,
				"program", e.registry.Name(ins.Program),
				"error", err,
			)
			return &InstructionError{Index: i, Program: ins.Program, Err: err}
		}
	}
	return nil
}
