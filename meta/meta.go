// Package meta implements the built-in "_angzarr" domain: every other
// component self-registers at startup by sending RegisterComponent
// commands here, which this domain turns into ComponentRegistered
// events so discovery/topology can observe membership as event history
// (spec.md §4.9).
package meta

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/angzarr-io/angzarr/errs"
	"github.com/angzarr-io/angzarr/metrics"
	"github.com/angzarr-io/angzarr/pb"
	"github.com/angzarr-io/angzarr/store"
)

// Domain is the reserved domain name for component registration.
const Domain = "_angzarr"

// ComponentDescriptor describes a registering component.
type ComponentDescriptor struct {
	Name    string   `json:"name"`
	Kind    string   `json:"kind"` // aggregate | saga | process_manager | projector | gateway
	Domains []string `json:"domains,omitempty"`
}

// RegisterComponent is the command payload.
type RegisterComponent struct {
	Descriptor ComponentDescriptor `json:"descriptor"`
	PodID      string              `json:"pod_id"`
}

// ComponentRegistered is the resulting event payload.
type ComponentRegistered struct {
	Descriptor ComponentDescriptor `json:"descriptor"`
	PodID      string              `json:"pod_id"`
	RegisteredAt time.Time         `json:"registered_at"`
}

const (
	registerComponentTypeURL   = "type.googleapis.com/angzarr.v1.RegisterComponent"
	componentRegisteredTypeURL = "type.googleapis.com/angzarr.v1.ComponentRegistered"
)

// Root derives the deterministic root UUID for a component's name, per
// spec.md §4.9 ("its root is uuid_v5(component_name)").
func Root(componentName string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(componentName))
}

// Registrar issues RegisterComponent commands against the meta aggregate's
// own event store directly (in-process; the meta aggregate has no separate
// network service, every component links this package in).
type Registrar struct {
	Events store.EventStore
}

func NewRegistrar(events store.EventStore) *Registrar {
	return &Registrar{Events: events}
}

// Register appends a ComponentRegistered event at the current head of the
// component's root: the page is built as Force(true) and then relabeled to
// the concrete sequence NextSequence reports. Different component names use
// different roots and never conflict; two concurrent Register calls for the
// same name race for one sequence, and the loser returns SequenceConflict
// without retrying.
func (r *Registrar) Register(ctx context.Context, desc ComponentDescriptor, podID string) error {
	root := Root(desc.Name)
	cover := &pb.Cover{Domain: Domain, Root: root[:], CorrelationID: podID}

	event := ComponentRegistered{Descriptor: desc, PodID: podID, RegisteredAt: time.Now().UTC()}
	data, err := json.Marshal(event)
	if err != nil {
		return errs.Wrap(errs.DecodeError, "encode ComponentRegistered", err)
	}
	any := &anypb.Any{TypeUrl: componentRegisteredTypeURL, Value: data}
	page := pb.NewForcedEventPage(any)

	next, err := r.Events.NextSequence(ctx, cover)
	if err != nil {
		return err
	}
	// Force pages do not participate in the contiguous-sequence check;
	// relabel to the current head so the log stays readable in order.
	page.ForceSet = false
	page.Num = next
	if err := r.Events.Append(ctx, cover, next, []*pb.EventPage{page}); err != nil {
		return err
	}
	metrics.RegisteredComponents.WithLabelValues(desc.Kind).Inc()
	return nil
}

// ListRegistrations replays every ComponentRegistered event for domain's
// root, used by a topology view built on top of this package.
func ListRegistrations(ctx context.Context, events store.EventStore, componentName string) ([]ComponentRegistered, error) {
	root := Root(componentName)
	cover := &pb.Cover{Domain: Domain, Root: root[:]}
	pages, err := events.Pages(ctx, cover, 0, false, 0)
	if err != nil {
		return nil, err
	}
	out := make([]ComponentRegistered, 0, len(pages))
	for _, p := range pages {
		if p.Event == nil {
			continue
		}
		var reg ComponentRegistered
		if err := json.Unmarshal(p.Event.Value, &reg); err != nil {
			continue
		}
		out = append(out, reg)
	}
	return out, nil
}
