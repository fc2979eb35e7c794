// Package journal keeps an append-only, hash-chained record of committed
// multisig events. Each entry commits to its predecessor, so rewriting or
// dropping an entry breaks every later hash.
package journal

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/mfactory-lab/multisig/pkg/address"
	"github.com/mfactory-lab/multisig/pkg/multisig"
)

// Genesis is the previous hash of the first entry.
const Genesis = "genesis"

var (
	ErrEntryNotFound = errors.New("journal: entry not found")
	ErrChainBroken   = errors.New("journal: hash chain is broken")
)

// Entry is one journaled event.
type Entry struct {
	ID           string         `json:"id"`
	Sequence     uint64         `json:"sequence"`
	Event        multisig.Event `json:"event"`
	PayloadHash  string         `json:"payload_hash"`
	PreviousHash string         `json:"previous_hash"`
	EntryHash    string         `json:"entry_hash"`
}

// Journal is safe for concurrent use. It implements multisig.EventSink.
type Journal struct {
	mu      sync.RWMutex
	entries []*Entry
	byID    map[string]*Entry
	head    string
	out     io.Writer
}

// New creates an empty journal. When out is non-nil every appended entry
// is also written to it as one JSON line.
func New(out io.Writer) *Journal {
	return &Journal{
		byID: make(map[string]*Entry),
		head: Genesis,
		out:  out,
	}
}

// Replay rebuilds a journal from JSON lines written by a previous
// instance and verifies the chain. New entries go to out.
func Replay(in io.Reader, out io.Writer) (*Journal, error) {
	j := New(out)
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("journal: entry %d: %w", len(j.entries)+1, err)
		}
		j.entries = append(j.entries, &e)
		j.byID[e.ID] = &e
		j.head = e.EntryHash
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("journal: read: %w", err)
	}
	if err := j.Verify(); err != nil {
		return nil, err
	}
	return j, nil
}

// Publish implements multisig.EventSink. A batch is chained as one
// contiguous run of entries.
func (j *Journal) Publish(_ context.Context, events []multisig.Event) error {
	payloads := make([][]byte, len(events))
	for i, ev := range events {
		payload, err := canonical(ev)
		if err != nil {
			return err
		}
		payloads[i] = payload
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	for i, ev := range events {
		if _, err := j.appendLocked(ev, payloads[i]); err != nil {
			return err
		}
	}
	return nil
}

// Append chains ev onto the journal.
func (j *Journal) Append(ev multisig.Event) (*Entry, error) {
	payload, err := canonical(ev)
	if err != nil {
		return nil, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	return j.appendLocked(ev, payload)
}

func (j *Journal) appendLocked(ev multisig.Event, payload []byte) (*Entry, error) {
	var err error
	e := &Entry{
		ID:           uuid.New().String(),
		Sequence:     uint64(len(j.entries)) + 1,
		Event:        ev,
		PayloadHash:  digest(payload),
		PreviousHash: j.head,
	}
	if e.EntryHash, err = entryHash(e); err != nil {
		return nil, err
	}

	if j.out != nil {
		line, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("journal: marshal entry: %w", err)
		}
		if _, err := j.out.Write(append(line, '\n')); err != nil {
			return nil, fmt.Errorf("journal: write entry: %w", err)
		}
	}

	j.entries = append(j.entries, e)
	j.byID[e.ID] = e
	j.head = e.EntryHash
	return e, nil
}

// Get returns the entry with the given id.
func (j *Journal) Get(id string) (*Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	e, ok := j.byID[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return e, nil
}

// Head returns the hash of the last entry, or Genesis.
func (j *Journal) Head() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.head
}

// Len returns the number of entries.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

// Filter selects entries. Zero fields match everything.
type Filter struct {
	Identity   address.Address
	Type       multisig.EventType
	After      uint64
	MaxResults int
}

func (f Filter) matches(e *Entry) bool {
	if !f.Identity.IsZero() && e.Event.Identity != f.Identity {
		return false
	}
	if f.Type != "" && e.Event.Type != f.Type {
		return false
	}
	return e.Sequence > f.After
}

// Query returns entries matching f in sequence order.
func (j *Journal) Query(f Filter) []*Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make([]*Entry, 0)
	for _, e := range j.entries {
		if !f.matches(e) {
			continue
		}
		out = append(out, e)
		if f.MaxResults > 0 && len(out) >= f.MaxResults {
			break
		}
	}
	return out
}

// Verify recomputes every hash and checks the links between entries.
func (j *Journal) Verify() error {
	j.mu.RLock()
	defer j.mu.RUnlock()

	prev := Genesis
	for i, e := range j.entries {
		if e.Sequence != uint64(i)+1 {
			return fmt.Errorf("%w: entry %d has sequence %d", ErrChainBroken, i+1, e.Sequence)
		}
		if e.PreviousHash != prev {
			return fmt.Errorf("%w: entry %d links to %s, want %s", ErrChainBroken, e.Sequence, e.PreviousHash, prev)
		}
		payload, err := canonical(e.Event)
		if err != nil {
			return err
		}
		if digest(payload) != e.PayloadHash {
			return fmt.Errorf("%w: entry %d payload hash mismatch", ErrChainBroken, e.Sequence)
		}
		computed, err := entryHash(e)
		if err != nil {
			return err
		}
		if computed != e.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, e.Sequence)
		}
		prev = e.EntryHash
	}
	return nil
}

func entryHash(e *Entry) (string, error) {
	hashable := struct {
		ID           string `json:"id"`
		Sequence     uint64 `json:"sequence"`
		PayloadHash  string `json:"payload_hash"`
		PreviousHash string `json:"previous_hash"`
	}{e.ID, e.Sequence, e.PayloadHash, e.PreviousHash}
	data, err := canonical(hashable)
	if err != nil {
		return "", err
	}
	return digest(data), nil
}

// canonical renders v as RFC 8785 JSON.
func canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("journal: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("journal: canonicalize: %w", err)
	}
	return out, nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
