package multisig

import (
	"github.com/mfactory-lab/multisig/pkg/address"
	"github.com/mfactory-lab/multisig/pkg/codec"
)

// AccountMeta is one account an instruction operates on.
type AccountMeta struct {
	Address    address.Address `json:"address"`
	IsSigner   bool            `json:"is_signer"`
	IsWritable bool            `json:"is_writable"`
}

// Instruction is one unit of work in an action: the program to invoke,
// the accounts it receives and opaque data.
type Instruction struct {
	Program  address.Address `json:"program"`
	Accounts []AccountMeta   `json:"accounts"`
	Data     []byte          `json:"data"`
}

// Action is a proposed batch of instructions and its approvals.
//
// Approvals is positional: slot n belongs to Owners[n] of the identity
// as it was when the action was proposed, which OwnerSetSeqno pins.
type Action struct {
	Address       address.Address `json:"address"`
	Identity      address.Address `json:"identity"`
	Index         uint32          `json:"index"`
	Proposer      address.Address `json:"proposer"`
	Instructions  []Instruction   `json:"instructions"`
	Approvals     []bool          `json:"approvals"`
	OwnerSetSeqno uint32          `json:"owner_set_seqno"`
	Executor      address.Address `json:"executor"`
	ExecutedAt    *int64          `json:"executed_at,omitempty"`
	CreatedAt     int64           `json:"created_at"`
}

// Executed reports whether the action has run.
func (a *Action) Executed() bool {
	return a.ExecutedAt != nil
}

// ApprovalCount counts set approval slots.
func (a *Action) ApprovalCount() uint32 {
	var n uint32
	for _, ok := range a.Approvals {
		if ok {
			n++
		}
	}
	return n
}

func (a *Action) record() *codec.ActionRecord {
	instructions := make([]codec.Instruction, len(a.Instructions))
	for i, ins := range a.Instructions {
		accounts := make([]codec.AccountMeta, len(ins.Accounts))
		for j, m := range ins.Accounts {
			accounts[j] = codec.AccountMeta{Address: m.Address, IsSigner: m.IsSigner, IsWritable: m.IsWritable}
		}
		instructions[i] = codec.Instruction{Program: ins.Program, Accounts: accounts, Data: ins.Data}
	}
	return &codec.ActionRecord{
		Identity:      a.Identity,
		Index:         a.Index,
		Proposer:      a.Proposer,
		Instructions:  instructions,
		Approvals:     a.Approvals,
		OwnerSetSeqno: a.OwnerSetSeqno,
		Executor:      a.Executor,
		ExecutedAt:    a.ExecutedAt,
		CreatedAt:     a.CreatedAt,
	}
}

func actionFromRecord(addr address.Address, r *codec.ActionRecord) *Action {
	instructions := make([]Instruction, len(r.Instructions))
	for i, ins := range r.Instructions {
		accounts := make([]AccountMeta, len(ins.Accounts))
		for j, m := range ins.Accounts {
			accounts[j] = AccountMeta{Address: m.Address, IsSigner: m.IsSigner, IsWritable: m.IsWritable}
		}
		instructions[i] = Instruction{Program: ins.Program, Accounts: accounts, Data: ins.Data}
	}
	return &Action{
		Address:       addr,
		Identity:      r.Identity,
		Index:         r.Index,
		Proposer:      r.Proposer,
		Instructions:  instructions,
		Approvals:     r.Approvals,
		OwnerSetSeqno: r.OwnerSetSeqno,
		Executor:      r.Executor,
		ExecutedAt:    r.ExecutedAt,
		CreatedAt:     r.CreatedAt,
	}
}

func copyInstructions(in []Instruction) []Instruction {
	out := make([]Instruction, len(in))
	for i, ins := range in {
		accounts := make([]AccountMeta, len(ins.Accounts))
		copy(accounts, ins.Accounts)
		data := make([]byte, len(ins.Data))
		copy(data, ins.Data)
		out[i] = Instruction{Program: ins.Program, Accounts: accounts, Data: data}
	}
	return out
}
