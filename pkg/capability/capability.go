// Package capability is the boundary between the engine and the
// programs that carry out approved actions.
//
// The engine resolves each instruction's program in a Registry and
// invokes it with the instruction's accounts and data. Every effect a
// capability has must go through Call.State, the store transaction of
// the executing batch: the batch then commits or rolls back as a unit.
package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mfactory-lab/multisig/pkg/address"
	"github.com/mfactory-lab/multisig/pkg/store"
)

var (
	// ErrUnknownProgram is returned when no capability is registered for a
	// program address.
	ErrUnknownProgram = errors.New("capability: unknown program")
	// ErrDuplicateProgram is returned when a program address is registered twice.
	ErrDuplicateProgram = errors.New("capability: program already registered")
	// ErrMissingAccount is returned when a call carries fewer accounts than
	// the program requires.
	ErrMissingAccount = errors.New("capability: missing account")
	// ErrMissingSignature is returned when an account must sign but does not.
	ErrMissingSignature = errors.New("capability: account is not a signer")
	// ErrReadOnlyAccount is returned when a program must write an account
	// the instruction declared read-only.
	ErrReadOnlyAccount = errors.New("capability: account is not writable")
)

// Account is one account reference as presented to a capability.
// IsSigner is true only for accounts the executing batch vouches for.
type Account struct {
	Address    address.Address
	IsSigner   bool
	IsWritable bool
}

// Call is a single instruction invocation.
type Call struct {
	Program  address.Address
	Accounts []Account
	Data     []byte
	// State is the transaction of the executing batch.
	State store.Tx
	// Now is the host timestamp of the executing batch.
	Now time.Time
}

// Account returns the i-th account or ErrMissingAccount.
func (c *Call) Account(i int) (Account, error) {
	if i < 0 || i >= len(c.Accounts) {
		return Account{}, fmt.Errorf("%w: index %d of %d", ErrMissingAccount, i, len(c.Accounts))
	}
	return c.Accounts[i], nil
}

// Signer returns the i-th account and requires it to be signed.
func (c *Call) Signer(i int) (Account, error) {
	acct, err := c.Account(i)
	if err != nil {
		return Account{}, err
	}
	if !acct.IsSigner {
		return Account{}, fmt.Errorf("%w: %s", ErrMissingSignature, acct.Address.Short())
	}
	return acct, nil
}

// Writable returns the i-th account and requires it to be writable.
func (c *Call) Writable(i int) (Account, error) {
	acct, err := c.Account(i)
	if err != nil {
		return Account{}, err
	}
	if !acct.IsWritable {
		return Account{}, fmt.Errorf("%w: %s", ErrReadOnlyAccount, acct.Address.Short())
	}
	return acct, nil
}

// Capability executes instructions addressed to one program.
type Capability interface {
	Invoke(ctx context.Context, call *Call) error
}

// Func adapts a function to Capability.
type Func func(ctx context.Context, call *Call) error

// Invoke implements Capability.
func (f Func) Invoke(ctx context.Context, call *Call) error {
	return f(ctx, call)
}

// Registry maps program addresses to capabilities.
type Registry struct {
	mu       sync.RWMutex
	programs map[address.Address]Capability
	names    map[address.Address]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		programs: make(map[address.Address]Capability),
		names:    make(map[address.Address]string),
	}
}

// Register binds a capability to a program address. name is used only
// in logs and listings.
func (r *Registry) Register(program address.Address, name string, c Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.programs[program]; exists {
		return fmt.Errorf("%w: %s (%s)", ErrDuplicateProgram, name, program.Short())
	}
	r.programs[program] = c
	r.names[program] = name
	return nil
}

// Lookup returns the capability for program.
func (r *Registry) Lookup(program address.Address) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.programs[program]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProgram, program.Short())
	}
	return c, nil
}

// Name returns the registered name of program, or its short address.
func (r *Registry) Name(program address.Address) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n, ok := r.names[program]; ok {
		return n
	}
	return program.Short()
}

// Program describes one registered program.
type Program struct {
	Name    string          `json:"name"`
	Address address.Address `json:"address"`
}

// Programs lists registered programs sorted by name.
func (r *Registry) Programs() []Program {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Program, 0, len(r.programs))
	for addr := range r.programs {
		out = append(out, Program{Name: r.names[addr], Address: addr})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
