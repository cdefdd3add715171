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

// The query package translates structured search requests into the
// index native query representation. It owns pagination bounds, sort
// determinism and filter validation - nothing leaves this package
// that could induce a full index scan.
package query

import (
	"time"
)

type FilterKind int

const (
	// Field equals any of Values.
	FilterTerm FilterKind = iota

	// Field within [From, To). Values unused.
	FilterRange
)

type Filter struct {
	Kind  FilterKind
	Field string

	// Multiple values for the same field are OR'ed together.
	Values []string

	From string
	To   string
}

// An inclusive-lower exclusive-upper time window. Half open so that
// adjacent windows never report the same boundary event twice.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

type Sort struct {
	Field     string
	Ascending bool
}

// A SearchRequest is the structured form of everything a caller can
// ask of the index. Free text and filters combine with logical AND.
type SearchRequest struct {
	SketchID string
	UserID   string

	// Empty means every ready timeline in the sketch.
	TimelineIDs []string

	// Optional reference to a stored query. Its text/filters/range
	// are loaded first, then explicit members below override.
	SavedSearchID string

	Text      string
	Filters   []Filter
	TimeRange *TimeRange

	From uint64

	// Zero means the configured default page size.
	Size uint64

	// Zero value means timestamp ascending.
	Sort Sort
}
