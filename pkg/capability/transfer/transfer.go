// Package transfer is a balance-moving capability. Balances live in the
// host store at BalanceAddress(owner), so a transfer inside an action
// commits or rolls back with the rest of the batch.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/mfactory-lab/multisig/pkg/address"
	"github.com/mfactory-lab/multisig/pkg/capability"
	"github.com/mfactory-lab/multisig/pkg/codec"
	"github.com/mfactory-lab/multisig/pkg/multisig"
	"github.com/mfactory-lab/multisig/pkg/store"
)

// Name is the registry name of the program.
const Name = "transfer"

// Program is the program address of the transfer capability.
var Program = address.ProgramAddress(Name)

var (
	ErrInsufficientFunds = errors.New("transfer: insufficient funds")
	ErrZeroAmount        = errors.New("transfer: amount must be positive")
	ErrOverflow          = errors.New("transfer: balance overflow")
)

// BalanceAddress is where the balance of owner is stored.
func BalanceAddress(owner address.Address) address.Address {
	return address.Derive("transfer.balance", owner[:])
}

type payload struct {
	_      struct{} `cbor:",toarray"`
	Amount uint64
}

// Capability moves Amount from accounts[0] (signer, writable) to
// accounts[1] (writable).
type Capability struct{}

// Register adds the capability to r under Program.
func Register(r *capability.Registry) error {
	return r.Register(Program, Name, Capability{})
}

// Invoke implements capability.Capability.
func (Capability) Invoke(ctx context.Context, call *capability.Call) error {
	var p payload
	if err := codec.Unmarshal(call.Data, codec.KindTransfer, &p); err != nil {
		return err
	}
	if p.Amount == 0 {
		return ErrZeroAmount
	}
	from, err := call.Signer(0)
	if err != nil {
		return err
	}
	if !from.IsWritable {
		return fmt.Errorf("%w: source", capability.ErrReadOnlyAccount)
	}
	to, err := call.Writable(1)
	if err != nil {
		return err
	}

	fromBal, err := Balance(ctx, call.State, from.Address)
	if err != nil {
		return err
	}
	if fromBal < p.Amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, fromBal, p.Amount)
	}
	if err := put(ctx, call.State, from.Address, fromBal-p.Amount); err != nil {
		return err
	}

	// Read after the debit so a self-transfer nets to zero.
	toBal, err := Balance(ctx, call.State, to.Address)
	if err != nil {
		return err
	}
	if toBal > math.MaxUint64-p.Amount {
		return ErrOverflow
	}
	return put(ctx, call.State, to.Address, toBal+p.Amount)
}

// Balance reads the balance of owner. Missing balances are zero.
func Balance(ctx context.Context, r store.Reader, owner address.Address) (uint64, error) {
	data, err := r.Get(ctx, BalanceAddress(owner))
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return codec.DecodeBalance(data)
}

func put(ctx context.Context, tx store.Tx, owner address.Address, amount uint64) error {
	data, err := codec.EncodeBalance(amount)
	if err != nil {
		return err
	}
	return tx.Put(ctx, BalanceAddress(owner), data)
}

// Mint credits amount to owner outside of any action. Hosts use it to
// fund accounts.
func Mint(ctx context.Context, st store.Store, owner address.Address, amount uint64) error {
	return st.Update(ctx, func(tx store.Tx) error {
		bal, err := Balance(ctx, tx, owner)
		if err != nil {
			return err
		}
		if bal > math.MaxUint64-amount {
			return ErrOverflow
		}
		return put(ctx, tx, owner, bal+amount)
	})
}

// Instruction builds a transfer of amount from one account to another.
// For an action, from is normally the identity's derived signer.
func Instruction(from, to address.Address, amount uint64) (multisig.Instruction, error) {
	data, err := codec.Marshal(codec.KindTransfer, payload{Amount: amount})
	if err != nil {
		return multisig.Instruction{}, err
	}
	return multisig.Instruction{
		Program: Program,
		Accounts: []multisig.AccountMeta{
			{Address: from, IsSigner: true, IsWritable: true},
			{Address: to, IsWritable: true},
		},
		Data: data,
	}, nil
}
