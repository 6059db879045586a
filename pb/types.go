// Package pb holds the wire types exchanged between angzarr components.
//
// A real deployment generates these from the .proto schema under
// proto/angzarr/v1 via protoc/buf. That step is not available in this
// checkout, so the message shapes are hand-authored as plain Go structs with
// the same field names and nesting as the schema. They travel over real
// gRPC connections using the JSON codec registered in codec.go rather than
// the protobuf wire codec; anypb.Any and timestamppb.Timestamp are used
// as-is for the opaque payload and timestamp fields since both round-trip
// cleanly through encoding/json.
package pb

import (
	"time"

	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Cover is the routing/identity header carried by every message.
type Cover struct {
	Domain        string `json:"domain"`
	Root          []byte `json:"root"` // 16-byte UUID
	CorrelationID string `json:"correlation_id"`
	Edition       string `json:"edition,omitempty"`
}

// EffectiveEdition returns the edition, defaulting to "angzarr".
func (c *Cover) EffectiveEdition() string {
	if c == nil || c.Edition == "" {
		return "angzarr"
	}
	return c.Edition
}

// PayloadReference replaces an oversized payload on the wire.
type PayloadReference struct {
	StorageType  string    `json:"storage_type"`
	URI          string    `json:"uri"`
	ContentHash  string    `json:"content_hash"`
	OriginalSize int64     `json:"original_size"`
	StoredAt     time.Time `json:"stored_at"`
}

// EventPage is one page of a book: either Force-sequenced or numbered, and
// either an inline event or an offloaded PayloadReference.
type EventPage struct {
	// Exactly one of Num/Force is meaningful; ForceSet disambiguates the
	// zero value of Force from "not set".
	Num      uint32 `json:"num,omitempty"`
	Force    bool   `json:"force,omitempty"`
	ForceSet bool   `json:"force_set,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	Event            *anypb.Any        `json:"event,omitempty"`
	PayloadReference *PayloadReference `json:"payload_reference,omitempty"`
}

// Sequence returns the page's intended sequence and whether it is a Force
// marker (as opposed to a concrete number); a Force page reports sequence 0.
func (p *EventPage) Sequence() (seq uint32, isForce bool) {
	if p.ForceSet {
		return 0, p.Force
	}
	return p.Num, false
}

// Snapshot materializes all events up to and including Sequence.
type Snapshot struct {
	Sequence        uint32 `json:"sequence"`
	StateBytes      []byte `json:"state_bytes"`
	TypeURL         string `json:"type_url"`
	RetentionPolicy string `json:"retention_policy,omitempty"`
}

// EventBook is the canonical durable-state unit for one aggregate.
type EventBook struct {
	Cover        *Cover       `json:"cover"`
	Pages        []*EventPage `json:"pages,omitempty"`
	Snapshot     *Snapshot    `json:"snapshot,omitempty"`
	NextSequence uint32       `json:"next_sequence"`
}

// IsEmpty reports whether the book carries neither a snapshot nor pages.
func (b *EventBook) IsEmpty() bool {
	return b == nil || (b.Snapshot == nil && len(b.Pages) == 0)
}

// LastSequence returns the highest page sequence, or the snapshot
// sequence if there are no pages, with ok=false for a genuinely empty book.
func (b *EventBook) LastSequence() (seq uint32, ok bool) {
	if b == nil {
		return 0, false
	}
	if n := len(b.Pages); n > 0 {
		last := b.Pages[n-1]
		if s, force := last.Sequence(); !force {
			return s, true
		}
	}
	if b.Snapshot != nil {
		return b.Snapshot.Sequence, true
	}
	return 0, false
}

// MergeStrategy selects the reconciliation path on a sequence conflict.
type MergeStrategy int

const (
	MergeReject MergeStrategy = iota
	MergeCommutative
	MergeManual
	MergeAutoResequence
)

// CommandPage is one command within a CommandBook.
type CommandPage struct {
	Num           uint32        `json:"num"`
	Command       *anypb.Any    `json:"command"`
	MergeStrategy MergeStrategy `json:"merge_strategy"`
}

// CommandBook mirrors EventBook for the command side.
type CommandBook struct {
	Cover          *Cover         `json:"cover"`
	Pages          []*CommandPage `json:"pages"`
	SagaOrigin     *Cover         `json:"saga_origin,omitempty"`
	AutoResequence bool           `json:"auto_resequence"`
	Fact           bool           `json:"fact,omitempty"`
	// PriorState optionally carries the caller's view of the aggregate so
	// the coordinator can skip a redundant read, repairing it if incomplete.
	PriorState *EventBook `json:"prior_state,omitempty"`
}

// CommandResponse is returned by the aggregate coordinator and gateway.
type CommandResponse struct {
	Cover       *Cover                 `json:"cover"`
	Events      *EventBook             `json:"events"`
	Projections map[string]*Projection `json:"projections,omitempty"`
}

// Projection is a named read-model side effect produced by a projector.
type Projection struct {
	Projector  string     `json:"projector"`
	Cover      *Cover     `json:"cover"`
	Sequence   uint32     `json:"sequence"`
	Projection *anypb.Any `json:"projection,omitempty"`
}

// Selection bounds a Query's page range.
type Selection struct {
	LowerBound uint32 `json:"lower_bound,omitempty"`
	UpperBound uint32 `json:"upper_bound,omitempty"`
	HasUpper   bool   `json:"has_upper,omitempty"`
}

// Query requests an EventBook or a page range for a cover.
type Query struct {
	Cover     *Cover     `json:"cover"`
	Selection *Selection `json:"selection,omitempty"`
}

// EventFilter narrows an EventStreamService subscription.
type EventFilter struct {
	CorrelationID string `json:"correlation_id"`
}

// NewEventPage builds a concrete-sequence page wrapping event as an Any.
func NewEventPage(seq uint32, event *anypb.Any) *EventPage {
	return &EventPage{Num: seq, CreatedAt: timestamppb.Now().AsTime(), Event: event}
}

// NewForcedEventPage builds a Force(true)-sequenced page, used by the meta
// aggregate and by migrations.
func NewForcedEventPage(event *anypb.Any) *EventPage {
	return &EventPage{ForceSet: true, Force: true, CreatedAt: timestamppb.Now().AsTime(), Event: event}
}
