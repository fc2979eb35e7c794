package multisig

import (
	"github.com/mfactory-lab/multisig/pkg/address"
	"github.com/mfactory-lab/multisig/pkg/codec"
)

// Identity is one owner-set-and-threshold policy.
type Identity struct {
	Address       address.Address   `json:"address"`
	Base          []byte            `json:"base"`
	Owners        []address.Address `json:"owners"`
	Threshold     uint32            `json:"threshold"`
	ActionCount   uint32            `json:"action_count"`
	OwnerSetSeqno uint32            `json:"owner_set_seqno"`
}

// Signer is the identity's derived signing authority.
func (i *Identity) Signer() address.Address {
	return address.SignerAddress(i.Address)
}

// OwnerIndex returns the roster slot of owner, or -1.
func (i *Identity) OwnerIndex(owner address.Address) int {
	for n, o := range i.Owners {
		if o == owner {
			return n
		}
	}
	return -1
}

// IsOwner reports whether owner is on the current roster.
func (i *Identity) IsOwner(owner address.Address) bool {
	return i.OwnerIndex(owner) >= 0
}

// validateOwners enforces a non-empty roster without duplicates.
func validateOwners(owners []address.Address) error {
	if len(owners) == 0 {
		return ErrEmptyOwners
	}
	seen := make(map[address.Address]struct{}, len(owners))
	for _, o := range owners {
		if _, dup := seen[o]; dup {
			return ErrDuplicateOwner
		}
		seen[o] = struct{}{}
	}
	return nil
}

func validateThreshold(threshold uint32, owners int) error {
	if threshold == 0 || uint64(threshold) > uint64(owners) {
		return ErrInvalidThreshold
	}
	return nil
}

func (i *Identity) record() *codec.IdentityRecord {
	return &codec.IdentityRecord{
		Base:          i.Base,
		Owners:        i.Owners,
		Threshold:     i.Threshold,
		ActionCount:   i.ActionCount,
		OwnerSetSeqno: i.OwnerSetSeqno,
	}
}

func identityFromRecord(addr address.Address, r *codec.IdentityRecord) *Identity {
	return &Identity{
		Address:       addr,
		Base:          r.Base,
		Owners:        r.Owners,
		Threshold:     r.Threshold,
		ActionCount:   r.ActionCount,
		OwnerSetSeqno: r.OwnerSetSeqno,
	}
}

func copyOwners(owners []address.Address) []address.Address {
	out := make([]address.Address, len(owners))
	copy(out, owners)
	return out
}
