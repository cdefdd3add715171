// Test fixtures shared between packages: an in-memory scope context,
// a scriptable event store and an in-memory session repository.
package vtesting

import (
	"context"
	"encoding/json"
	"sync"

	"www.velocidex.com/golang/tracesketch/events"
	"www.velocidex.com/golang/tracesketch/scope"
	"www.velocidex.com/golang/tracesketch/store"
)

// ScopeFixture implements scope.Context from in-memory maps.
type ScopeFixture struct {
	Sketches map[string]*events.Sketch

	// Optional per timeline schema. Absent timelines fall back to
	// the default schema.
	Schemas map[string]*events.Schema
}

func NewScopeFixture() *ScopeFixture {
	return &ScopeFixture{
		Sketches: make(map[string]*events.Sketch),
		Schemas:  make(map[string]*events.Schema),
	}
}

func (self *ScopeFixture) AddSketch(sketch *events.Sketch) *ScopeFixture {
	self.Sketches[sketch.ID] = sketch
	return self
}

func (self *ScopeFixture) GetSketch(ctx context.Context,
	sketch_id string) (*events.Sketch, error) {

	sketch, pres := self.Sketches[sketch_id]
	if !pres {
		return nil, store.Forbidden("unknown sketch %v", sketch_id)
	}
	return sketch, nil
}

func (self *ScopeFixture) ResolveScope(ctx context.Context,
	sketch_id string, timeline_ids []string) (*store.Scope, error) {

	sketch, err := self.GetSketch(ctx, sketch_id)
	if err != nil {
		return nil, err
	}
	return scope.ResolveSketchScope(sketch, timeline_ids)
}

func (self *ScopeFixture) CheckPermission(ctx context.Context,
	sketch_id, user_id string, action scope.Action) error {

	sketch, err := self.GetSketch(ctx, sketch_id)
	if err != nil {
		return err
	}

	for _, collaborator := range sketch.Collaborators {
		if collaborator == user_id {
			return nil
		}
	}
	return store.Forbidden("user %v may not %v sketch %v",
		user_id, action, sketch_id)
}

func (self *ScopeFixture) TimelineStatus(ctx context.Context,
	timeline_id string) (events.TimelineStatus, error) {

	for _, sketch := range self.Sketches {
		for _, timeline := range sketch.Timelines {
			if timeline.ID == timeline_id {
				return timeline.Status, nil
			}
		}
	}
	return "", store.Forbidden("unknown timeline %v", timeline_id)
}

func (self *ScopeFixture) TimelineSchema(ctx context.Context,
	timeline_id string) (*events.Schema, error) {

	schema, pres := self.Schemas[timeline_id]
	if pres {
		return schema, nil
	}
	return events.DefaultSchema(), nil
}

// FakeStore is a scriptable store.EventStore. Unset hooks return
// empty results.
type FakeStore struct {
	mu sync.Mutex

	SearchFunc func(scope *store.Scope, query *store.Query,
		from, size uint64) (*store.SearchResult, error)

	ScrollFunc func(scope *store.Scope,
		query *store.Query) ([]*events.Event, error)

	AggregateFunc func(scope *store.Scope, query *store.Query,
		aggs json.RawMessage) (json.RawMessage, error)

	BulkUpdateFunc func(scope *store.Scope, query *store.Query,
		mutation *store.Mutation) (*store.BulkResult, error)

	// Operation names in call order, for asserting interactions.
	Calls []string
}

func (self *FakeStore) recordCall(name string) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.Calls = append(self.Calls, name)
}

func (self *FakeStore) CallCount(name string) int {
	self.mu.Lock()
	defer self.mu.Unlock()

	count := 0
	for _, call := range self.Calls {
		if call == name {
			count++
		}
	}
	return count
}

func (self *FakeStore) Search(ctx context.Context, scope *store.Scope,
	query *store.Query, from, size uint64) (*store.SearchResult, error) {

	self.recordCall("search")
	if self.SearchFunc == nil {
		return &store.SearchResult{}, nil
	}
	return self.SearchFunc(scope, query, from, size)
}

func (self *FakeStore) Scroll(ctx context.Context, scope *store.Scope,
	query *store.Query, page_size uint64) (store.EventIterator, error) {

	self.recordCall("scroll")
	if self.ScrollFunc == nil {
		return &SliceIterator{}, nil
	}

	rows, err := self.ScrollFunc(scope, query)
	if err != nil {
		return nil, err
	}
	return &SliceIterator{Items: rows}, nil
}

func (self *FakeStore) Aggregate(ctx context.Context, scope *store.Scope,
	query *store.Query, aggs json.RawMessage) (json.RawMessage, error) {

	self.recordCall("aggregate")
	if self.AggregateFunc == nil {
		return json.RawMessage("{}"), nil
	}
	return self.AggregateFunc(scope, query, aggs)
}

func (self *FakeStore) BulkUpdate(ctx context.Context, scope *store.Scope,
	query *store.Query, mutation *store.Mutation) (*store.BulkResult, error) {

	self.recordCall("bulk_update")
	if self.BulkUpdateFunc == nil {
		return &store.BulkResult{}, nil
	}
	return self.BulkUpdateFunc(scope, query, mutation)
}

// SliceIterator replays a fixed set of events.
type SliceIterator struct {
	Items    []*events.Event
	FinalErr error
}

func (self *SliceIterator) Events(ctx context.Context) <-chan *events.Event {
	output_chan := make(chan *events.Event)
	go func() {
		defer close(output_chan)
		for _, event := range self.Items {
			select {
			case <-ctx.Done():
				return
			case output_chan <- event:
			}
		}
	}()
	return output_chan
}

func (self *SliceIterator) Err() error { return self.FinalErr }
func (self *SliceIterator) Close()     {}
