// The scope package mediates between logical investigation scope
// (sketches, timelines) and the physical index references the store
// adapter operates on. Scope resolution is also where permission
// checks happen - a denied caller never reaches the index at all.
package scope

import (
	"context"

	"www.velocidex.com/golang/tracesketch/events"
	"www.velocidex.com/golang/tracesketch/store"
)

type Action string

const (
	ActionRead    Action = "read"
	ActionWrite   Action = "write"
	ActionAnalyze Action = "analyze"
)

// Context supplies scope boundaries and permission checks. The
// production implementation is backed by the relational datastore;
// tests use a fixture implementation.
type Context interface {
	GetSketch(ctx context.Context, sketch_id string) (*events.Sketch, error)

	// ResolveScope maps a sketch plus an optional timeline subset to
	// the physical indexes an operation may touch. An empty
	// timeline_ids selects every ready timeline in the sketch.
	ResolveScope(ctx context.Context, sketch_id string,
		timeline_ids []string) (*store.Scope, error)

	// CheckPermission returns a store.Forbidden error on denial.
	CheckPermission(ctx context.Context,
		sketch_id, user_id string, action Action) error

	TimelineStatus(ctx context.Context,
		timeline_id string) (events.TimelineStatus, error)

	// The queryable field schema of a timeline's events.
	TimelineSchema(ctx context.Context,
		timeline_id string) (*events.Schema, error)
}

// ResolveSketchScope builds a scope from an already loaded sketch.
// Shared by Context implementations so the boundary rules live in one
// place: a timeline outside the sketch is a scope violation, a
// timeline that is not ready can not be queried.
func ResolveSketchScope(sketch *events.Sketch,
	timeline_ids []string) (*store.Scope, error) {

	by_id := make(map[string]*events.Timeline)
	for _, timeline := range sketch.Timelines {
		by_id[timeline.ID] = timeline
	}

	selected := timeline_ids
	if len(selected) == 0 {
		for _, timeline := range sketch.Timelines {
			if timeline.Status == events.TimelineReady {
				selected = append(selected, timeline.ID)
			}
		}
	}

	result := &store.Scope{SketchID: sketch.ID}
	for _, timeline_id := range selected {
		timeline, pres := by_id[timeline_id]
		if !pres {
			return nil, store.Forbidden(
				"timeline %v is not part of sketch %v",
				timeline_id, sketch.ID)
		}

		if timeline.Status != events.TimelineReady {
			return nil, store.QueryRejected(
				"timeline %v is not ready (status %v)",
				timeline_id, timeline.Status)
		}

		result.TimelineIDs = append(result.TimelineIDs, timeline.ID)
		result.Indexes = append(result.Indexes, timeline.IndexName)
	}

	return result, nil
}
