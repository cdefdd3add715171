/*
   Tracesketch - Collaborative Timeline Forensics

   Copyright (C) 2025 Velocidex Innovations.

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as published
   by the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// The store package defines the contract between the analysis core
// and the external event index. The elastic subpackage provides the
// production implementation; tests substitute their own.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Velocidex/ordereddict"
	"www.velocidex.com/golang/tracesketch/events"
)

// A Scope is the resolved set of physical indexes an operation may
// touch. It is always resolved by the scope package from a sketch -
// the adapter never infers it.
type Scope struct {
	SketchID    string
	TimelineIDs []string

	// Physical index references, one per timeline.
	Indexes []string
}

func (self *Scope) IsEmpty() bool {
	return len(self.Indexes) == 0
}

// A Query is the compiled, index native form of a search produced by
// the query builder. The DSL member is the bool query body.
type Query struct {
	DSL  json.RawMessage
	Sort []SortField
}

type SortField struct {
	Field     string
	Ascending bool
}

type SearchResult struct {
	Events []*events.Event
	Total  uint64
	Took   time.Duration
}

// A Mutation describes a bulk write against events matched by a
// query. Only tags and annotation attributes may be written - the
// forensic content of an event is immutable.
type Mutation struct {
	AddTags       []string
	RemoveTags    []string
	SetAttributes *ordereddict.Dict
}

func (self *Mutation) IsEmpty() bool {
	return len(self.AddTags) == 0 && len(self.RemoveTags) == 0 &&
		(self.SetAttributes == nil || self.SetAttributes.Len() == 0)
}

// The outcome of a bulk mutation. A partially applied write is not an
// error at this level - the failed document ids are reported and the
// caller decides how much failure it tolerates.
type BulkResult struct {
	Updated   uint64
	FailedIDs []string
}

func (self *BulkResult) FailedFraction() float64 {
	total := self.Updated + uint64(len(self.FailedIDs))
	if total == 0 {
		return 0
	}
	return float64(len(self.FailedIDs)) / float64(total)
}

// An EventIterator lazily pages through a scrolled result set. It is
// finite and can not be restarted once exhausted. Callers must drain
// the channel or cancel the context, then check Err().
type EventIterator interface {
	Events(ctx context.Context) <-chan *events.Event

	// The first error encountered while paging, if any.
	Err() error

	// Releases the server side scroll context. Safe to call twice.
	Close()
}

// EventStore is the thin contract over the external document index.
// Implementations must be safe for concurrent use - the scheduler
// shares one instance between all workers.
type EventStore interface {
	Search(ctx context.Context, scope *Scope, query *Query,
		from, size uint64) (*SearchResult, error)

	Scroll(ctx context.Context, scope *Scope, query *Query,
		page_size uint64) (EventIterator, error)

	// Runs the raw aggregation tree against the scope and returns
	// the raw aggregations object. The aggregations package owns
	// both sides of this encoding.
	Aggregate(ctx context.Context, scope *Scope, query *Query,
		aggs json.RawMessage) (json.RawMessage, error)

	BulkUpdate(ctx context.Context, scope *Scope, query *Query,
		mutation *Mutation) (*BulkResult, error)
}
