package journal

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfactory-lab/multisig/pkg/address"
	"github.com/mfactory-lab/multisig/pkg/capability"
	"github.com/mfactory-lab/multisig/pkg/multisig"
	"github.com/mfactory-lab/multisig/pkg/store"
)

var (
	idA = address.Derive("test", []byte("identity-a"))
	idB = address.Derive("test", []byte("identity-b"))
)

func event(t multisig.EventType, id address.Address, index uint32) multisig.Event {
	return multisig.Event{Type: t, Identity: id, Index: index, Timestamp: 1700000000 + int64(index)}
}

func TestJournal_AppendChains(t *testing.T) {
	j := New(nil)
	assert.Equal(t, Genesis, j.Head())

	first, err := j.Append(event(multisig.EventIdentityCreated, idA, 0))
	require.NoError(t, err)
	second, err := j.Append(event(multisig.EventActionProposed, idA, 0))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, Genesis, first.PreviousHash)
	assert.Equal(t, first.EntryHash, second.PreviousHash)
	assert.Equal(t, second.EntryHash, j.Head())
	assert.True(t, strings.HasPrefix(second.EntryHash, "sha256:"))
	require.NoError(t, j.Verify())

	got, err := j.Get(first.ID)
	require.NoError(t, err)
	assert.Same(t, first, got)

	_, err = j.Get("missing")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestJournal_DetectsTampering(t *testing.T) {
	j := New(nil)
	for i := uint32(0); i < 3; i++ {
		_, err := j.Append(event(multisig.EventActionProposed, idA, i))
		require.NoError(t, err)
	}

	j.entries[1].Event.Index = 42
	assert.ErrorIs(t, j.Verify(), ErrChainBroken)
}

func TestJournal_Query(t *testing.T) {
	j := New(nil)
	require.NoError(t, j.Publish(context.Background(), []multisig.Event{
		event(multisig.EventIdentityCreated, idA, 0),
		event(multisig.EventIdentityCreated, idB, 0),
		event(multisig.EventActionProposed, idA, 0),
		event(multisig.EventActionProposed, idA, 1),
	}))

	assert.Len(t, j.Query(Filter{Identity: idA}), 3)
	assert.Len(t, j.Query(Filter{Type: multisig.EventIdentityCreated}), 2)
	assert.Len(t, j.Query(Filter{Identity: idA, Type: multisig.EventActionProposed, MaxResults: 1}), 1)

	after := j.Query(Filter{After: 2})
	require.Len(t, after, 2)
	assert.Equal(t, uint64(3), after[0].Sequence)
}

func TestJournal_ReplayRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	j := New(&buf)
	for i := uint32(0); i < 3; i++ {
		_, err := j.Append(event(multisig.EventActionApproved, idA, i))
		require.NoError(t, err)
	}

	replayed, err := Replay(bytes.NewReader(buf.Bytes()), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, replayed.Len())
	assert.Equal(t, j.Head(), replayed.Head())

	next, err := replayed.Append(event(multisig.EventActionExecuted, idA, 2))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), next.Sequence)
	assert.Equal(t, j.Head(), next.PreviousHash)
}

func TestJournal_ReplayRejectsEditedLog(t *testing.T) {
	var buf bytes.Buffer
	j := New(&buf)
	_, err := j.Append(event(multisig.EventIdentityCreated, idA, 0))
	require.NoError(t, err)
	_, err = j.Append(event(multisig.EventActionProposed, idA, 0))
	require.NoError(t, err)

	lines := strings.SplitAfter(buf.String(), "\n")
	// Drop the first entry; the second no longer links to genesis.
	_, err = Replay(strings.NewReader(strings.Join(lines[1:], "")), nil)
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestJournal_AsEngineSink(t *testing.T) {
	ctx := context.Background()
	j := New(nil)
	e, err := multisig.New(store.NewMemoryStore(), capability.NewRegistry())
	require.NoError(t, err)
	e.WithEventSink(j)

	owner := address.Derive("test", []byte("owner"))
	id, err := e.CreateIdentity(ctx, multisig.CreateIdentityRequest{
		Base: []byte("journaled"), Owners: []address.Address{owner}, Threshold: 1,
	})
	require.NoError(t, err)
	_, err = e.Propose(ctx, id.Address, owner, nil)
	require.NoError(t, err)

	entries := j.Query(Filter{Identity: id.Address})
	require.Len(t, entries, 2)
	assert.Equal(t, multisig.EventIdentityCreated, entries[0].Event.Type)
	assert.Equal(t, multisig.EventActionProposed, entries[1].Event.Type)
	require.NoError(t, j.Verify())
}

func TestJournal_PublishKeepsBatchesContiguous(t *testing.T) {
	j := New(nil)
	var wg sync.WaitGroup
	for _, id := range []address.Address{idA, idB} {
		wg.Add(1)
		go func(id address.Address) {
			defer wg.Done()
			for n := 0; n < 50; n++ {
				batch := []multisig.Event{
					event(multisig.EventActionApproved, id, 0),
					event(multisig.EventThresholdChanged, id, 1),
					event(multisig.EventActionExecuted, id, 2),
				}
				assert.NoError(t, j.Publish(context.Background(), batch))
			}
		}(id)
	}
	wg.Wait()

	entries := j.Query(Filter{})
	require.Len(t, entries, 300)
	for i := 0; i < len(entries); i += 3 {
		for k := 0; k < 3; k++ {
			assert.Equal(t, entries[i].Event.Identity, entries[i+k].Event.Identity)
			assert.Equal(t, uint32(k), entries[i+k].Event.Index)
		}
	}
	require.NoError(t, j.Verify())
}

// lateProposals delivers proposal batches to the journal after a delay.
type lateProposals struct {
	j         *Journal
	committed chan struct{}
}

func (s *lateProposals) Publish(ctx context.Context, events []multisig.Event) error {
	if events[0].Type == multisig.EventActionProposed {
		close(s.committed)
		time.Sleep(50 * time.Millisecond)
	}
	return s.j.Publish(ctx, events)
}

func TestJournal_FollowsCommitOrder(t *testing.T) {
	ctx := context.Background()
	j := New(nil)
	e, err := multisig.New(store.NewMemoryStore(), capability.NewRegistry())
	require.NoError(t, err)

	alice := address.Derive("test", []byte("alice"))
	bob := address.Derive("test", []byte("bob"))
	id, err := e.CreateIdentity(ctx, multisig.CreateIdentityRequest{
		Base: []byte("ordered"), Owners: []address.Address{alice, bob}, Threshold: 2,
	})
	require.NoError(t, err)

	sink := &lateProposals{j: j, committed: make(chan struct{})}
	e.WithEventSink(sink)

	proposed := make(chan error, 1)
	go func() {
		_, err := e.Propose(ctx, id.Address, alice, nil)
		proposed <- err
	}()
	<-sink.committed
	_, err = e.Approve(ctx, id.Address, 0, bob)
	require.NoError(t, err)
	require.NoError(t, <-proposed)

	entries := j.Query(Filter{Identity: id.Address})
	require.Len(t, entries, 2)
	assert.Equal(t, multisig.EventActionProposed, entries[0].Event.Type)
	assert.Equal(t, multisig.EventActionApproved, entries[1].Event.Type)
	require.NoError(t, j.Verify())
}
