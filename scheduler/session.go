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

// The scheduler orchestrates analyzer execution: session lifecycle,
// bounded concurrency, retry policy and result persistence.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/Velocidex/ordereddict"
	"www.velocidex.com/golang/tracesketch/analyzers"
)

type UnitState string

const (
	UnitPending UnitState = "PENDING"
	UnitRunning UnitState = "RUNNING"
	UnitDone    UnitState = "DONE"
	UnitError   UnitState = "ERROR"
)

func (self UnitState) IsTerminal() bool {
	return self == UnitDone || self == UnitError
}

// The legal transitions of the unit state machine. RUNNING to
// RUNNING is the bounded self retry on transient store errors.
var legalTransitions = map[UnitState][]UnitState{
	UnitPending: {UnitRunning, UnitError},
	UnitRunning: {UnitRunning, UnitDone, UnitError},

	// Terminal states only leave via an explicit re-run request.
	UnitError: {UnitPending},
}

type UnitKey struct {
	TimelineID string
	Analyzer   string
}

func (self UnitKey) String() string {
	return self.TimelineID + "/" + self.Analyzer
}

// A Unit is one (timeline, analyzer) pair tracked independently
// through its state machine. Units are only ever mutated through
// transition() while holding the owning session's lock.
type Unit struct {
	SessionID  string
	TimelineID string
	Analyzer   string

	State   UnitState
	Retries uint64

	// Error detail for ERROR, finding summary for DONE.
	Message string

	Result    *analyzers.Result
	UpdatedAt time.Time
}

func (self *Unit) Key() UnitKey {
	return UnitKey{TimelineID: self.TimelineID, Analyzer: self.Analyzer}
}

type Session struct {
	ID       string
	SketchID string
	UserID   string

	CreatedAt time.Time
	Units     []*Unit
}

// IsTerminal reports whether every unit has reached a terminal state.
// Only then may the session be reported complete.
func (self *Session) IsTerminal() bool {
	for _, unit := range self.Units {
		if !unit.State.IsTerminal() {
			return false
		}
	}
	return true
}

// Summary enumerates per unit outcomes. Session level failure is
// never silent.
func (self *Session) Summary() *ordereddict.Dict {
	units := ordereddict.NewDict()
	for _, unit := range self.Units {
		entry := ordereddict.NewDict().
			Set("state", string(unit.State)).
			Set("retries", unit.Retries).
			Set("message", unit.Message)
		if unit.Result != nil {
			entry.Set("tagged_count", unit.Result.TaggedCount)
		}
		units.Set(unit.Key().String(), entry)
	}

	return ordereddict.NewDict().
		Set("session_id", self.ID).
		Set("sketch_id", self.SketchID).
		Set("complete", self.IsTerminal()).
		Set("units", units)
}

// Repository is the narrow persistence interface for session state.
// The datastore package provides the sqlite implementation.
type Repository interface {
	SaveSession(ctx context.Context, session *Session) error
	LoadSession(ctx context.Context, session_id string) (*Session, error)
	ListSessions(ctx context.Context, sketch_id string) ([]*Session, error)

	SaveUnitState(ctx context.Context, unit *Unit) error
	AppendResult(ctx context.Context, unit *Unit,
		result *analyzers.Result) error
}

func checkTransition(from, to UnitState) error {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("illegal unit transition %v -> %v", from, to)
}
