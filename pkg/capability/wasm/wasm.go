// Package wasm runs host-configured WebAssembly programs as capabilities.
//
// A program is a WASI command. Each invocation instantiates it in a
// deny-by-default sandbox (no filesystem, no network, no environment,
// no clocks) with the instruction data on stdin. The instruction
// succeeds when _start returns normally with nothing on stderr; a trap,
// a non-zero exit code or any stderr output fails it.
//
// Programs cannot touch the store. They act as validators over the
// instruction data.
package wasm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/mfactory-lab/multisig/pkg/address"
	"github.com/mfactory-lab/multisig/pkg/capability"
)

// ErrRejected is returned when a program fails or writes to stderr.
var ErrRejected = errors.New("wasm: program rejected instruction")

// Limits bound one invocation.
type Limits struct {
	MemoryLimitBytes uint64
	Timeout          time.Duration
}

// DefaultLimits returns 16 MiB of memory and a one second deadline.
func DefaultLimits() Limits {
	return Limits{MemoryLimitBytes: 16 << 20, Timeout: time.Second}
}

// Sandbox owns the wazero runtime shared by all loaded programs.
type Sandbox struct {
	runtime wazero.Runtime
	config  wazero.ModuleConfig
	limits  Limits
}

// NewSandbox creates a runtime with WASI instantiated and nothing else.
func NewSandbox(ctx context.Context, limits Limits) *Sandbox {
	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if limits.MemoryLimitBytes > 0 {
		// wazero measures memory in 64 KiB pages
		pages := uint32(limits.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	// No WithFSConfig, WithSysNanotime, WithSysWalltime or WithRandSource.
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_start")

	return &Sandbox{runtime: r, config: modCfg, limits: limits}
}

// Close releases the runtime and every program compiled in it.
func (s *Sandbox) Close(ctx context.Context) error {
	return s.runtime.Close(ctx)
}

// Program is a compiled module ready to be invoked.
type Program struct {
	name     string
	sandbox  *Sandbox
	compiled wazero.CompiledModule
}

// Load compiles wasm under name.
func (s *Sandbox) Load(ctx context.Context, name string, wasm []byte) (*Program, error) {
	compiled, err := s.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("wasm: compile %s: %w", name, err)
	}
	return &Program{name: name, sandbox: s, compiled: compiled}, nil
}

// Address is the program address the module is registered under.
func (p *Program) Address() address.Address {
	return address.ProgramAddress("wasm." + p.name)
}

// Invoke implements capability.Capability.
func (p *Program) Invoke(ctx context.Context, call *capability.Call) error {
	if p.sandbox.limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.sandbox.limits.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cfg := p.sandbox.config.
		WithStdin(bytes.NewReader(call.Data)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := p.sandbox.runtime.InstantiateModule(ctx, p.compiled, cfg)
	if mod != nil {
		defer func() { _ = mod.Close(context.Background()) }()
	}
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s timed out after %v", ErrRejected, p.name, p.sandbox.limits.Timeout)
		}
		return fmt.Errorf("%w: %s: %v", ErrRejected, p.name, err)
	}
	if stderr.Len() > 0 {
		return fmt.Errorf("%w: %s: %s", ErrRejected, p.name, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

// RegisterFile loads the module at path and registers it in r at
// address.ProgramAddress("wasm." + name).
func RegisterFile(ctx context.Context, r *capability.Registry, s *Sandbox, name, path string) (*Program, error) {
	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wasm: read %s: %w", path, err)
	}
	p, err := s.Load(ctx, name, wasm)
	if err != nil {
		return nil, err
	}
	if err := r.Register(p.Address(), "wasm."+name, p); err != nil {
		return nil, err
	}
	return p, nil
}
