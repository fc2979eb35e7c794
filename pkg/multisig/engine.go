// Package multisig implements the authorization engine: identities that
// bind an owner set to an approval threshold, and actions that execute
// a batch of instructions once enough owners approved them.
//
// Every operation is a single store transaction. It reads the current
// identity (and action), validates, writes, and commits as a whole or
// leaves the store untouched. Serializing operations on one identity is
// the store's job. With an event sink installed the engine also holds a
// publish lock from before commit until the events are delivered, so the
// sink sees batches in commit order.
package multisig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mfactory-lab/multisig/pkg/address"
	"github.com/mfactory-lab/multisig/pkg/capability"
	"github.com/mfactory-lab/multisig/pkg/codec"
	"github.com/mfactory-lab/multisig/pkg/observability"
	"github.com/mfactory-lab/multisig/pkg/store"
)

// Engine applies multisig operations to a store.
type Engine struct {
	store     store.Store
	registry  *capability.Registry
	clock     func() time.Time
	logger    *slog.Logger
	telemetry *observability.Provider
	sink      EventSink

	// publishMu orders sink delivery by commit.
	publishMu sync.Mutex
}

// New creates an engine over st and registers its governance program in
// registry under address.EngineProgram.
func New(st store.Store, registry *capability.Registry) (*Engine, error) {
	e := &Engine{
		store:    st,
		registry: registry,
		clock:    time.Now,
		logger:   slog.Default().With("component", "multisig"),
	}
	if err := registry.Register(address.EngineProgram, "multisig", governance{engine: e}); err != nil {
		return nil, fmt.Errorf("register governance program: %w", err)
	}
	return e, nil
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithLogger overrides the logger.
func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	e.logger = logger.With("component", "multisig")
	return e
}

// WithTelemetry records spans and RED metrics through p.
func (e *Engine) WithTelemetry(p *observability.Provider) *Engine {
	e.telemetry = p
	return e
}

// WithEventSink publishes committed events to sink.
func (e *Engine) WithEventSink(sink EventSink) *Engine {
	e.sink = sink
	return e
}

// Registry returns the capability registry instructions are resolved in.
func (e *Engine) Registry() *capability.Registry {
	return e.registry
}

func classify(err error) string {
	return KindOf(err).String()
}

// update runs fn as one store transaction and publishes its events once
// the transaction has committed.
func (e *Engine) update(ctx context.Context, op string, identity address.Address, fn func(ctx context.Context, tx store.Tx, b *batch) error) error {
	ctx, done := e.telemetry.TrackOperation(ctx, "multisig."+op, classify,
		attribute.String("identity", identity.Short()))

	if e.sink != nil {
		e.publishMu.Lock()
		defer e.publishMu.Unlock()
	}

	var committed []Event
	err := e.store.Update(ctx, func(tx store.Tx) error {
		// Optimistic stores may run this more than once; only the
		// attempt that commits contributes events.
		b := &batch{}
		if err := fn(withBatch(ctx, b), tx, b); err != nil {
			return err
		}
		committed = b.events
		return nil
	})
	done(err)
	if err != nil {
		e.logger.WarnContext(ctx, "operation rejected",
			"op", op,
			"identity", identity.Short(),
			"kind", KindOf(err),
			"error", err,
		)
		return err
	}

	if e.sink != nil && len(committed) > 0 {
		if perr := e.sink.Publish(ctx, committed); perr != nil {
			e.logger.ErrorContext(ctx, "event publish failed", "op", op, "events", len(committed), "error", perr)
		}
	}
	return nil
}

func (e *Engine) view(ctx context.Context, fn func(r store.Reader) error) error {
	return e.store.View(ctx, fn)
}

func (e *Engine) now() int64 {
	return e.clock().Unix()
}

// CreateIdentityRequest holds the arguments of CreateIdentity.
type CreateIdentityRequest struct {
	Base      []byte            `json:"base"`
	Owners    []address.Address `json:"owners"`
	Threshold uint32            `json:"threshold"`
}

// CreateIdentity stores a new identity at address.IdentityAddress(req.Base).
func (e *Engine) CreateIdentity(ctx context.Context, req CreateIdentityRequest) (*Identity, error) {
	if len(req.Base) == 0 {
		return nil, ErrInvalidBase
	}
	if err := validateOwners(req.Owners); err != nil {
		return nil, err
	}
	if err := validateThreshold(req.Threshold, len(req.Owners)); err != nil {
		return nil, err
	}

	addr := address.IdentityAddress(req.Base)
	id := &Identity{
		Address:   addr,
		Base:      append([]byte(nil), req.Base...),
		Owners:    copyOwners(req.Owners),
		Threshold: req.Threshold,
	}

	err := e.update(ctx, "create_identity", addr, func(ctx context.Context, tx store.Tx, b *batch) error {
		exists, err := store.Exists(ctx, tx, addr)
		if err != nil {
			return err
		}
		if exists {
			return ErrAlreadyExists
		}
		data, err := codec.EncodeIdentity(id.record())
		if err != nil {
			return err
		}
		if err := tx.Insert(ctx, addr, data); err != nil {
			if errors.Is(err, store.ErrExists) {
				return ErrAlreadyExists
			}
			return err
		}
		b.emit(Event{
			Type:      EventIdentityCreated,
			Identity:  addr,
			Owners:    copyOwners(id.Owners),
			Threshold: id.Threshold,
			Timestamp: e.now(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "identity created",
		"identity", addr.Short(),
		"owners", len(id.Owners),
		"threshold", id.Threshold,
	)
	return id, nil
}

// Propose records a new action proposed by one of the identity's owners.
// The action takes the next index and carries the proposer's approval.
func (e *Engine) Propose(ctx context.Context, identity, proposer address.Address, instructions []Instruction) (*Action, error) {
	var action *Action
	err := e.update(ctx, "propose", identity, func(ctx context.Context, tx store.Tx, b *batch) error {
		id, err := loadIdentity(ctx, tx, identity)
		if err != nil {
			return err
		}
		slot := id.OwnerIndex(proposer)
		if slot < 0 {
			return ErrNotAnOwner
		}

		if id.ActionCount == math.MaxUint32 {
			return ErrActionLimit
		}
		index := id.ActionCount
		addr := address.ActionAddress(identity, index)
		exists, err := store.Exists(ctx, tx, addr)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("action slot %d of %s occupied: %w", index, identity.Short(), ErrAlreadyExists)
		}

		approvals := make([]bool, len(id.Owners))
		approvals[slot] = true
		a := &Action{
			Address:       addr,
			Identity:      identity,
			Index:         index,
			Proposer:      proposer,
			Instructions:  copyInstructions(instructions),
			Approvals:     approvals,
			OwnerSetSeqno: id.OwnerSetSeqno,
			CreatedAt:     e.now(),
		}
		data, err := codec.EncodeAction(a.record())
		if err != nil {
			return err
		}
		if err := tx.Insert(ctx, addr, data); err != nil {
			if errors.Is(err, store.ErrExists) {
				return fmt.Errorf("action slot %d of %s occupied: %w", index, identity.Short(), ErrAlreadyExists)
			}
			return err
		}

		id.ActionCount++
		if err := putIdentity(ctx, tx, id); err != nil {
			return err
		}

		b.emit(Event{
			Type:          EventActionProposed,
			Identity:      identity,
			Action:        addr,
			Index:         index,
			Actor:         proposer,
			OwnerSetSeqno: a.OwnerSetSeqno,
			Timestamp:     a.CreatedAt,
		})
		action = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "action proposed",
		"identity", identity.Short(),
		"index", action.Index,
		"instructions", len(action.Instructions),
	)
	return action, nil
}

// Approve sets owner's approval on the index-th action of identity.
func (e *Engine) Approve(ctx context.Context, identity address.Address, index uint32, owner address.Address) (*Action, error) {
	var action *Action
	err := e.update(ctx, "approve", identity, func(ctx context.Context, tx store.Tx, b *batch) error {
		id, err := loadIdentity(ctx, tx, identity)
		if err != nil {
			return err
		}
		a, err := loadAction(ctx, tx, id, index)
		if err != nil {
			return err
		}

		slot := id.OwnerIndex(owner)
		if slot < 0 {
			return ErrNotAnOwner
		}
		if a.Executed() {
			return ErrAlreadyExecuted
		}
		if a.OwnerSetSeqno != id.OwnerSetSeqno {
			return ErrStaleOwnerSet
		}
		if a.Approvals[slot] {
			return ErrAlreadyApproved
		}

		a.Approvals[slot] = true
		if err := putAction(ctx, tx, a); err != nil {
			return err
		}

		b.emit(Event{
			Type:          EventActionApproved,
			Identity:      identity,
			Action:        a.Address,
			Index:         index,
			Actor:         owner,
			OwnerSetSeqno: a.OwnerSetSeqno,
			Timestamp:     e.now(),
		})
		action = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "action approved",
		"identity", identity.Short(),
		"index", index,
		"approvals", action.ApprovalCount(),
	)
	return action, nil
}

// CloseAction deletes an executed action on behalf of its proposer. The
// index stays consumed: ActionCount never goes back.
func (e *Engine) CloseAction(ctx context.Context, identity address.Address, index uint32, caller address.Address) error {
	return e.update(ctx, "close_action", identity, func(ctx context.Context, tx store.Tx, b *batch) error {
		id, err := loadIdentity(ctx, tx, identity)
		if err != nil {
			return err
		}
		a, err := loadAction(ctx, tx, id, index)
		if err != nil {
			return err
		}
		if a.Proposer != caller {
			return ErrNotProposer
		}
		if !a.Executed() {
			return ErrNotExecuted
		}
		if err := tx.Delete(ctx, a.Address); err != nil {
			return err
		}
		b.emit(Event{
			Type:          EventActionClosed,
			Identity:      identity,
			Action:        a.Address,
			Index:         index,
			Actor:         caller,
			OwnerSetSeqno: a.OwnerSetSeqno,
			Timestamp:     e.now(),
		})
		return nil
	})
}

// Identity returns the stored identity at addr.
func (e *Engine) Identity(ctx context.Context, addr address.Address) (*Identity, error) {
	var id *Identity
	err := e.view(ctx, func(r store.Reader) error {
		var err error
		id, err = loadIdentity(ctx, r, addr)
		return err
	})
	return id, err
}

// Action returns the action stored at addr. The owning identity is read
// to validate the approvals vector against its roster.
func (e *Engine) Action(ctx context.Context, addr address.Address) (*Action, error) {
	var a *Action
	err := e.view(ctx, func(r store.Reader) error {
		data, err := r.Get(ctx, addr)
		if errors.Is(err, store.ErrNotFound) {
			return ErrActionNotFound
		}
		if err != nil {
			return err
		}
		rec, err := codec.DecodeAction(data, -1)
		if err != nil {
			return err
		}
		id, err := loadIdentity(ctx, r, rec.Identity)
		if err != nil {
			return err
		}
		if err := rec.CheckRoster(id.OwnerSetSeqno, len(id.Owners)); err != nil {
			return err
		}
		a = actionFromRecord(addr, rec)
		return nil
	})
	return a, err
}

// ActionAt returns the index-th action of identity.
func (e *Engine) ActionAt(ctx context.Context, identity address.Address, index uint32) (*Action, error) {
	var a *Action
	err := e.view(ctx, func(r store.Reader) error {
		id, err := loadIdentity(ctx, r, identity)
		if err != nil {
			return err
		}
		a, err = loadAction(ctx, r, id, index)
		return err
	})
	return a, err
}

// Actions returns every action of identity that has not been closed, in
// index order. Records are located by address derivation alone.
func (e *Engine) Actions(ctx context.Context, identity address.Address) ([]*Action, error) {
	var out []*Action
	err := e.view(ctx, func(r store.Reader) error {
		id, err := loadIdentity(ctx, r, identity)
		if err != nil {
			return err
		}
		out = make([]*Action, 0, id.ActionCount)
		for i := uint32(0); i < id.ActionCount; i++ {
			a, err := loadAction(ctx, r, id, i)
			if errors.Is(err, ErrActionNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	return out, err
}

func loadIdentity(ctx context.Context, r store.Reader, addr address.Address) (*Identity, error) {
	data, err := r.Get(ctx, addr)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, err
	}
	rec, err := codec.DecodeIdentity(data)
	if err != nil {
		return nil, fmt.Errorf("identity %s: %w", addr.Short(), err)
	}
	return identityFromRecord(addr, rec), nil
}

func putIdentity(ctx context.Context, tx store.Tx, id *Identity) error {
	data, err := codec.EncodeIdentity(id.record())
	if err != nil {
		return err
	}
	return tx.Put(ctx, id.Address, data)
}

func loadAction(ctx context.Context, r store.Reader, id *Identity, index uint32) (*Action, error) {
	addr := address.ActionAddress(id.Address, index)
	data, err := r.Get(ctx, addr)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrActionNotFound
	}
	if err != nil {
		return nil, err
	}
	rec, err := codec.DecodeAction(data, -1)
	if err != nil {
		return nil, fmt.Errorf("action %s/%d: %w", id.Address.Short(), index, err)
	}
	if err := rec.CheckRoster(id.OwnerSetSeqno, len(id.Owners)); err != nil {
		return nil, fmt.Errorf("action %s/%d: %w", id.Address.Short(), index, err)
	}
	return actionFromRecord(addr, rec), nil
}

func putAction(ctx context.Context, tx store.Tx, a *Action) error {
	data, err := codec.EncodeAction(a.record())
	if err != nil {
		return err
	}
	return tx.Put(ctx, a.Address, data)
}
