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

// Analyzers are pluggable units of logic run over a single timeline's
// events. New analyzers implement the Analyzer interface and register
// themselves in init() - the scheduler never needs to know about
// specific analyzers.
package analyzers

import (
	"context"

	"github.com/Velocidex/ordereddict"
	"www.velocidex.com/golang/tracesketch/config"
	"www.velocidex.com/golang/tracesketch/events"
	"www.velocidex.com/golang/tracesketch/store"
)

// Tagger is how an analyzer writes its findings back to the index.
// The implementation scopes every write to the unit's timeline, so an
// analyzer is physically unable to tag outside its scope.
type Tagger interface {
	// Tags the named events. Attributes may be nil.
	TagEvents(ctx context.Context, event_ids []string,
		tags []string, attributes *ordereddict.Dict) (*store.BulkResult, error)
}

// A RunContext carries everything one unit execution may touch. The
// event channel is lazily paginated - an analyzer never sees the full
// timeline in memory.
type RunContext struct {
	ConfigObj *config.Config

	SketchID   string
	TimelineID string

	Events <-chan *events.Event
	Tagger Tagger
}

// A Result is the structured summary persisted with the session when
// a unit completes.
type Result struct {
	TaggedCount    uint64 `json:"tagged_count"`
	AnnotatedCount uint64 `json:"annotated_count"`
	Finding        string `json:"finding"`
}

type Analyzer interface {
	Name() string
	DisplayName() string

	// Fields the analyzer reads. A timeline whose schema lacks any
	// of them is NotApplicable.
	RequiredFields() []string

	// Tags this analyzer may write. Used to detect prior output when
	// a non idempotent analyzer is re-run.
	OutputTags() []string

	// Names of analyzers whose output this one reads. The scheduler
	// will not start a unit before its dependencies are DONE on the
	// same timeline.
	Dependencies() []string

	// Idempotent analyzers may be re-run without clearing prior
	// output first.
	IsIdempotent() bool

	Run(ctx context.Context, run *RunContext) (*Result, error)
}

// Applicability reports whether the analyzer can run over a timeline
// with the given schema, without executing anything.
func Applicability(analyzer Analyzer, schema *events.Schema) error {
	missing := schema.HasFields(analyzer.RequiredFields())
	if len(missing) > 0 {
		return store.NotApplicable(
			"analyzer %v requires fields %v not present in the timeline",
			analyzer.Name(), missing)
	}
	return nil
}
