// Package assert is a precondition capability. Its instruction data is a
// CEL boolean expression; the instruction fails unless the expression
// holds, which aborts the whole action. An action can thereby carry its
// own guard, e.g. `balances[accounts[0]] >= 100u && now < 1767225600`.
//
// Variables:
//
//	now       int                 host timestamp of the batch, unix seconds
//	accounts  list(string)        hex addresses of the instruction accounts
//	balances  map(string, uint)   transfer balance of each account
package assert

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/mfactory-lab/multisig/pkg/address"
	"github.com/mfactory-lab/multisig/pkg/capability"
	"github.com/mfactory-lab/multisig/pkg/capability/transfer"
	"github.com/mfactory-lab/multisig/pkg/multisig"
)

// Name is the registry name of the program.
const Name = "assert"

// Program is the program address of the assert capability.
var Program = address.ProgramAddress(Name)

var (
	// ErrFailed is returned when the expression evaluates to false.
	ErrFailed = errors.New("assert: condition does not hold")
	// ErrExpression is returned for expressions that do not compile or
	// do not yield a bool.
	ErrExpression = errors.New("assert: invalid expression")
)

// costLimit bounds evaluation work per expression.
const costLimit = 10000

// Capability evaluates CEL preconditions. Compiled programs are cached
// by expression text.
type Capability struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// New creates the capability with its CEL environment.
func New() (*Capability, error) {
	env, err := cel.NewEnv(
		cel.Variable("now", cel.IntType),
		cel.Variable("accounts", cel.ListType(cel.StringType)),
		cel.Variable("balances", cel.MapType(cel.StringType, cel.UintType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Capability{env: env, prgCache: make(map[string]cel.Program)}, nil
}

// Register adds a new capability to r under Program.
func Register(r *capability.Registry) error {
	c, err := New()
	if err != nil {
		return err
	}
	return r.Register(Program, Name, c)
}

// Compile checks expr without evaluating it.
func (c *Capability) Compile(expr string) error {
	_, err := c.program(expr)
	return err
}

func (c *Capability) program(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, hit := c.prgCache[expr]
	c.mu.RUnlock()
	if hit {
		return prg, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, hit = c.prgCache[expr]; hit {
		return prg, nil
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: compile: %v", ErrExpression, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("%w: result type %s, want bool", ErrExpression, ast.OutputType())
	}
	prg, err := c.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(costLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: program: %v", ErrExpression, err)
	}
	c.prgCache[expr] = prg
	return prg, nil
}

// Invoke implements capability.Capability.
func (c *Capability) Invoke(ctx context.Context, call *capability.Call) error {
	expr := string(call.Data)
	prg, err := c.program(expr)
	if err != nil {
		return err
	}

	accounts := make([]string, len(call.Accounts))
	balances := make(map[string]uint64, len(call.Accounts))
	for i, acct := range call.Accounts {
		key := acct.Address.String()
		accounts[i] = key
		bal, err := transfer.Balance(ctx, call.State, acct.Address)
		if err != nil {
			return err
		}
		balances[key] = bal
	}

	out, _, err := prg.ContextEval(ctx, map[string]any{
		"now":      call.Now.Unix(),
		"accounts": accounts,
		"balances": balances,
	})
	if err != nil {
		return fmt.Errorf("assert: eval: %w", err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return fmt.Errorf("%w: result not bool", ErrExpression)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrFailed, expr)
	}
	return nil
}

// Instruction builds an assert instruction over the given accounts.
func Instruction(expr string, accounts ...address.Address) multisig.Instruction {
	metas := make([]multisig.AccountMeta, len(accounts))
	for i, a := range accounts {
		metas[i] = multisig.AccountMeta{Address: a}
	}
	return multisig.Instruction{Program: Program, Accounts: metas, Data: []byte(expr)}
}
