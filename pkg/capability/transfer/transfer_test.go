package transfer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfactory-lab/multisig/pkg/address"
	"github.com/mfactory-lab/multisig/pkg/capability"
	"github.com/mfactory-lab/multisig/pkg/multisig"
	"github.com/mfactory-lab/multisig/pkg/store"
)

var (
	alice = address.Derive("test", []byte("alice"))
	bob   = address.Derive("test", []byte("bob"))
	vault = address.Derive("test", []byte("vault"))
)

func setup(t *testing.T) (*multisig.Engine, store.Store, *multisig.Identity) {
	t.Helper()
	st := store.NewMemoryStore()
	reg := capability.NewRegistry()
	require.NoError(t, Register(reg))

	e, err := multisig.New(st, reg)
	require.NoError(t, err)

	id, err := e.CreateIdentity(context.Background(), multisig.CreateIdentityRequest{
		Base:      []byte("fund"),
		Owners:    []address.Address{alice, bob},
		Threshold: 2,
	})
	require.NoError(t, err)
	require.NoError(t, Mint(context.Background(), st, id.Signer(), 100))
	return e, st, id
}

func balance(t *testing.T, st store.Store, owner address.Address) uint64 {
	t.Helper()
	var bal uint64
	require.NoError(t, st.View(context.Background(), func(r store.Reader) error {
		var err error
		bal, err = Balance(context.Background(), r, owner)
		return err
	}))
	return bal
}

func TestTransfer_ThroughApprovedAction(t *testing.T) {
	e, st, id := setup(t)
	ctx := context.Background()

	ins, err := Instruction(id.Signer(), vault, 40)
	require.NoError(t, err)
	a, err := e.Propose(ctx, id.Address, alice, []multisig.Instruction{ins})
	require.NoError(t, err)
	_, err = e.Approve(ctx, id.Address, a.Index, bob)
	require.NoError(t, err)
	_, err = e.Execute(ctx, id.Address, a.Index, bob)
	require.NoError(t, err)

	assert.Equal(t, uint64(60), balance(t, st, id.Signer()))
	assert.Equal(t, uint64(40), balance(t, st, vault))
}

func TestTransfer_BatchRollsBackOnInsufficientFunds(t *testing.T) {
	e, st, id := setup(t)
	ctx := context.Background()

	first, err := Instruction(id.Signer(), vault, 30)
	require.NoError(t, err)
	second, err := Instruction(id.Signer(), vault, 500)
	require.NoError(t, err)
	third, err := Instruction(id.Signer(), bob, 10)
	require.NoError(t, err)

	a, err := e.Propose(ctx, id.Address, alice, []multisig.Instruction{first, second, third})
	require.NoError(t, err)
	_, err = e.Approve(ctx, id.Address, a.Index, bob)
	require.NoError(t, err)

	_, err = e.Execute(ctx, id.Address, a.Index, bob)
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, multisig.KindExternalFailure, multisig.KindOf(err))

	assert.Equal(t, uint64(100), balance(t, st, id.Signer()))
	assert.Equal(t, uint64(0), balance(t, st, vault))
	assert.Equal(t, uint64(0), balance(t, st, bob))

	got, err := e.ActionAt(ctx, id.Address, a.Index)
	require.NoError(t, err)
	assert.Nil(t, got.ExecutedAt)
}

func TestTransfer_RequiresSigner(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, Mint(ctx, st, alice, 10))

	ins, err := Instruction(alice, bob, 5)
	require.NoError(t, err)

	err = st.Update(ctx, func(tx store.Tx) error {
		return Capability{}.Invoke(ctx, &capability.Call{
			Program: Program,
			Accounts: []capability.Account{
				{Address: alice, IsWritable: true},
				{Address: bob, IsWritable: true},
			},
			Data:  ins.Data,
			State: tx,
		})
	})
	assert.ErrorIs(t, err, capability.ErrMissingSignature)
	assert.Equal(t, uint64(10), balance(t, st, alice))
}

func TestTransfer_SelfTransferNetsZero(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, Mint(ctx, st, alice, 10))

	ins, err := Instruction(alice, alice, 7)
	require.NoError(t, err)
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		return Capability{}.Invoke(ctx, &capability.Call{
			Accounts: []capability.Account{
				{Address: alice, IsSigner: true, IsWritable: true},
				{Address: alice, IsWritable: true},
			},
			Data:  ins.Data,
			State: tx,
		})
	}))
	assert.Equal(t, uint64(10), balance(t, st, alice))
}

func TestTransfer_ZeroAmount(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	ins, err := Instruction(alice, bob, 0)
	require.NoError(t, err)

	err = st.Update(ctx, func(tx store.Tx) error {
		return Capability{}.Invoke(ctx, &capability.Call{Data: ins.Data, State: tx})
	})
	assert.ErrorIs(t, err, ErrZeroAmount)
}
