package multisig

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfactory-lab/multisig/pkg/address"
	"github.com/mfactory-lab/multisig/pkg/capability"
)

func TestGovernance_DirectCallsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.createABC(t, 2)
	before := h.snapshot(t, id.Address)

	err := h.engine.ReplaceOwners(ctx, Authority{}, id.Address, []address.Address{ownerD})
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, KindAuthorization, KindOf(err))

	err = h.engine.ChangeThreshold(ctx, Authority{}, id.Address, 1)
	require.ErrorIs(t, err, ErrUnauthorized)

	other := Authority{identity: address.IdentityAddress([]byte("other")), valid: true}
	err = h.engine.ReplaceOwners(ctx, other, id.Address, []address.Address{ownerD})
	require.ErrorIs(t, err, ErrUnauthorized, "authority is bound to one identity")

	assert.Equal(t, before, h.snapshot(t, id.Address))
}

func TestGovernance_ReplaceOwnersThroughExecution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.createABC(t, 3)

	ins, err := SetOwnersInstruction(id.Address, []address.Address{ownerA, ownerD})
	require.NoError(t, err)
	a, err := h.engine.Propose(ctx, id.Address, ownerA, []Instruction{ins})
	require.NoError(t, err)
	_, err = h.engine.Approve(ctx, id.Address, a.Index, ownerB)
	require.NoError(t, err)
	_, err = h.engine.Approve(ctx, id.Address, a.Index, ownerC)
	require.NoError(t, err)

	_, err = h.engine.Execute(ctx, id.Address, a.Index, ownerC)
	require.NoError(t, err)

	got, err := h.engine.Identity(ctx, id.Address)
	require.NoError(t, err)
	assert.Equal(t, []address.Address{ownerA, ownerD}, got.Owners)
	assert.Equal(t, uint32(2), got.Threshold, "threshold is clamped to the new owner count")
	assert.Equal(t, uint32(1), got.OwnerSetSeqno)

	executed, err := h.engine.ActionAt(ctx, id.Address, a.Index)
	require.NoError(t, err)
	assert.NotNil(t, executed.ExecutedAt)
	assert.Equal(t, uint32(0), executed.OwnerSetSeqno)

	var replaced *Event
	for i := range h.events {
		if h.events[i].Type == EventOwnersReplaced {
			replaced = &h.events[i]
		}
	}
	require.NotNil(t, replaced)
	assert.Equal(t, uint32(2), replaced.Threshold)
	assert.Equal(t, uint32(1), replaced.OwnerSetSeqno)
}

func TestGovernance_NoClampWhenRosterLargeEnough(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.createABC(t, 1)

	ins, err := SetOwnersInstruction(id.Address, []address.Address{ownerB, ownerC, ownerD})
	require.NoError(t, err)
	a, err := h.engine.Propose(ctx, id.Address, ownerA, []Instruction{ins})
	require.NoError(t, err)
	_, err = h.engine.Execute(ctx, id.Address, a.Index, ownerA)
	require.NoError(t, err)

	got, err := h.engine.Identity(ctx, id.Address)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), got.Threshold)
	assert.False(t, got.IsOwner(ownerA))
}

func TestGovernance_StaleActionsAfterOwnerChange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.createABC(t, 1)

	pending, err := h.engine.Propose(ctx, id.Address, ownerB, []Instruction{writeIns("late")})
	require.NoError(t, err)

	// Same roster, new era.
	ins, err := SetOwnersInstruction(id.Address, []address.Address{ownerA, ownerB, ownerC})
	require.NoError(t, err)
	gov, err := h.engine.Propose(ctx, id.Address, ownerA, []Instruction{ins})
	require.NoError(t, err)
	_, err = h.engine.Execute(ctx, id.Address, gov.Index, ownerA)
	require.NoError(t, err)

	_, err = h.engine.Approve(ctx, id.Address, pending.Index, ownerA)
	require.ErrorIs(t, err, ErrStaleOwnerSet)
	assert.Equal(t, KindStaleness, KindOf(err))

	_, err = h.engine.Execute(ctx, id.Address, pending.Index, ownerA)
	require.ErrorIs(t, err, ErrStaleOwnerSet)
	assert.False(t, h.written(t, "late"))
}

func TestGovernance_ChangeThreshold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.createABC(t, 1)

	bad, err := ChangeThresholdInstruction(id.Address, 4)
	require.NoError(t, err)
	a, err := h.engine.Propose(ctx, id.Address, ownerA, []Instruction{writeIns("before"), bad})
	require.NoError(t, err)
	_, err = h.engine.Execute(ctx, id.Address, a.Index, ownerA)
	require.ErrorIs(t, err, ErrInvalidThreshold)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.False(t, h.written(t, "before"))

	good, err := ChangeThresholdInstruction(id.Address, 3)
	require.NoError(t, err)
	a, err = h.engine.Propose(ctx, id.Address, ownerA, []Instruction{good})
	require.NoError(t, err)
	_, err = h.engine.Execute(ctx, id.Address, a.Index, ownerA)
	require.NoError(t, err)

	got, err := h.engine.Identity(ctx, id.Address)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), got.Threshold)
	assert.Equal(t, uint32(0), got.OwnerSetSeqno, "threshold changes keep the owner set era")
}

func TestGovernance_CannotGovernAnotherIdentity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	x := h.createABC(t, 1)
	y, err := h.engine.CreateIdentity(ctx, CreateIdentityRequest{
		Base:      []byte("victim"),
		Owners:    []address.Address{ownerD},
		Threshold: 1,
	})
	require.NoError(t, err)

	ins, err := SetOwnersInstruction(y.Address, []address.Address{ownerA})
	require.NoError(t, err)
	a, err := h.engine.Propose(ctx, x.Address, ownerA, []Instruction{ins})
	require.NoError(t, err)

	_, err = h.engine.Execute(ctx, x.Address, a.Index, ownerA)
	require.ErrorIs(t, err, ErrUnauthorized)

	got, err := h.engine.Identity(ctx, y.Address)
	require.NoError(t, err)
	assert.Equal(t, []address.Address{ownerD}, got.Owners)
}

func TestGovernance_UnsignedSignerAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.createABC(t, 1)

	ins, err := SetOwnersInstruction(id.Address, []address.Address{ownerD})
	require.NoError(t, err)
	ins.Accounts[1].IsSigner = false

	a, err := h.engine.Propose(ctx, id.Address, ownerA, []Instruction{ins})
	require.NoError(t, err)
	_, err = h.engine.Execute(ctx, id.Address, a.Index, ownerA)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestGovernance_MalformedData(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.createABC(t, 1)

	ins, err := SetOwnersInstruction(id.Address, []address.Address{ownerD})
	require.NoError(t, err)
	ins.Data = []byte("garbage")

	a, err := h.engine.Propose(ctx, id.Address, ownerA, []Instruction{ins})
	require.NoError(t, err)
	_, err = h.engine.Execute(ctx, id.Address, a.Index, ownerA)
	require.ErrorIs(t, err, ErrInvalidData)
}

func TestMintAuthority(t *testing.T) {
	id := address.IdentityAddress([]byte("m"))
	subject := capability.Account{Address: id, IsWritable: true}

	auth := mintAuthority(subject, capability.Account{Address: address.SignerAddress(id), IsSigner: true})
	assert.True(t, auth.permits(id))
	assert.False(t, auth.permits(address.IdentityAddress([]byte("n"))))

	assert.False(t, mintAuthority(subject, capability.Account{Address: address.SignerAddress(id)}).permits(id))
	assert.False(t, mintAuthority(subject, capability.Account{Address: id, IsSigner: true}).permits(id))
	assert.False(t, Authority{}.permits(id))
}
