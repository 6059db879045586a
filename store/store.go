// Package store defines the durable, domain+edition-keyed append-only log,
// snapshot, and position interfaces that spec.md leaves to concrete storage
// drivers (SQLite, Postgres, Redis, MongoDB, ...). Only an in-memory
// reference implementation lives here; it is what the coordinators are
// tested against.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/angzarr-io/angzarr/errs"
	"github.com/angzarr-io/angzarr/pb"
)

// Key identifies one aggregate's row family.
type Key struct {
	Domain  string
	Edition string
	Root    string // hex-encoded 16-byte root
}

func KeyOf(c *pb.Cover) Key {
	return Key{Domain: c.Domain, Edition: c.EffectiveEdition(), Root: fmt.Sprintf("%x", c.Root)}
}

// EventStore appends and reads EventPages for one (domain, edition, root).
// Appends are atomic and optimistic: Append fails with errs.SequenceConflict
// if expectedNextSequence does not match the store's current next sequence.
type EventStore interface {
	// Append writes pages, each of which must carry the concrete sequence
	// expectedNextSequence+i (Force pages are relabeled by the caller
	// before Append is called). Returns errs.SequenceConflict if the
	// store's current next sequence differs from expectedNextSequence.
	Append(ctx context.Context, cover *pb.Cover, expectedNextSequence uint32, pages []*pb.EventPage) error

	// Pages returns pages with sequence in [fromSequence, toSequence], in
	// order. toSequence = 0 with no pages at all is a valid empty read;
	// callers pass a "no upper bound" request via HasUpper=false on the
	// Selection before reaching here.
	Pages(ctx context.Context, cover *pb.Cover, fromSequence uint32, hasUpper bool, toSequence uint32) ([]*pb.EventPage, error)

	// NextSequence returns the sequence the next appended page must carry.
	NextSequence(ctx context.Context, cover *pb.Cover) (uint32, error)

	// Roots lists known roots for a domain, for EventQueryService.GetAggregateRoots.
	Roots(ctx context.Context, domain string) ([][]byte, error)
}

// SnapshotStore holds at most one snapshot per (domain, edition, root),
// replaced wholesale on write (the default retention policy).
type SnapshotStore interface {
	Put(ctx context.Context, cover *pb.Cover, snap *pb.Snapshot) error
	Get(ctx context.Context, cover *pb.Cover) (*pb.Snapshot, error)
}

// PositionStore tracks per-subscriber read cursors, one row per
// (handlerName, domain, edition, root).
type PositionStore interface {
	Put(ctx context.Context, handlerName string, cover *pb.Cover, lastSequence uint32) error
	Get(ctx context.Context, handlerName string, cover *pb.Cover) (uint32, bool, error)
}

// InMemoryEventStore is the reference EventStore implementation: a mutex
// and a map. Not suitable for production (no durability across process
// restarts) but exercises the exact optimistic-concurrency contract the
// aggregate coordinator depends on.
type InMemoryEventStore struct {
	mu    sync.Mutex
	pages map[Key][]*pb.EventPage
}

func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{pages: make(map[Key][]*pb.EventPage)}
}

func (s *InMemoryEventStore) Append(ctx context.Context, cover *pb.Cover, expectedNextSequence uint32, newPages []*pb.EventPage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := KeyOf(cover)
	current := s.pages[key]
	actualNext := uint32(0)
	if n := len(current); n > 0 {
		seq, _ := current[n-1].Sequence()
		actualNext = seq + 1
	}
	if actualNext != expectedNextSequence {
		return errs.Conflict(fmt.Sprintf("expected next sequence %d, store is at %d", expectedNextSequence, actualNext))
	}
	for i, p := range newPages {
		seq, force := p.Sequence()
		if force {
			continue
		}
		if seq != expectedNextSequence+uint32(i) {
			return errs.Invalid("page %d carries sequence %d, expected %d", i, seq, expectedNextSequence+uint32(i))
		}
	}
	s.pages[key] = append(current, newPages...)
	return nil
}

func (s *InMemoryEventStore) Pages(ctx context.Context, cover *pb.Cover, fromSequence uint32, hasUpper bool, toSequence uint32) ([]*pb.EventPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.pages[KeyOf(cover)]
	var out []*pb.EventPage
	for _, p := range all {
		seq, force := p.Sequence()
		if force {
			out = append(out, p)
			continue
		}
		if seq < fromSequence {
			continue
		}
		if hasUpper && seq > toSequence {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *InMemoryEventStore) NextSequence(ctx context.Context, cover *pb.Cover) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.pages[KeyOf(cover)]
	if n := len(current); n > 0 {
		seq, _ := current[n-1].Sequence()
		return seq + 1, nil
	}
	return 0, nil
}

func (s *InMemoryEventStore) Roots(ctx context.Context, domain string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[string][]byte{}
	for k := range s.pages {
		if k.Domain != domain {
			continue
		}
		if _, ok := seen[k.Root]; ok {
			continue
		}
		b := make([]byte, len(k.Root)/2)
		fmt.Sscanf(k.Root, "%x", &b)
		seen[k.Root] = b
	}
	roots := make([][]byte, 0, len(seen))
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		roots = append(roots, seen[k])
	}
	return roots, nil
}

// InMemorySnapshotStore is the reference SnapshotStore implementation.
type InMemorySnapshotStore struct {
	mu   sync.Mutex
	snap map[Key]*pb.Snapshot
}

func NewInMemorySnapshotStore() *InMemorySnapshotStore {
	return &InMemorySnapshotStore{snap: make(map[Key]*pb.Snapshot)}
}

func (s *InMemorySnapshotStore) Put(ctx context.Context, cover *pb.Cover, snap *pb.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap[KeyOf(cover)] = snap
	return nil
}

func (s *InMemorySnapshotStore) Get(ctx context.Context, cover *pb.Cover) (*pb.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap[KeyOf(cover)], nil
}

// InMemoryPositionStore is the reference PositionStore implementation.
type InMemoryPositionStore struct {
	mu  sync.Mutex
	pos map[string]uint32
}

func NewInMemoryPositionStore() *InMemoryPositionStore {
	return &InMemoryPositionStore{pos: make(map[string]uint32)}
}

func positionKey(handlerName string, cover *pb.Cover) string {
	k := KeyOf(cover)
	return handlerName + "|" + k.Domain + "|" + k.Edition + "|" + k.Root
}

func (s *InMemoryPositionStore) Put(ctx context.Context, handlerName string, cover *pb.Cover, lastSequence uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos[positionKey(handlerName, cover)] = lastSequence
	return nil
}

func (s *InMemoryPositionStore) Get(ctx context.Context, handlerName string, cover *pb.Cover) (uint32, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.pos[positionKey(handlerName, cover)]
	return v, ok, nil
}
