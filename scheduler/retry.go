package scheduler

import (
	"context"
	"encoding/json"

	"www.velocidex.com/golang/tracesketch/analyzers"
	"www.velocidex.com/golang/tracesketch/events"
	"www.velocidex.com/golang/tracesketch/store"
)

// RetryUnit re-runs a unit that ended in ERROR. For a non idempotent
// analyzer the scheduler refuses unless prior output has been cleared
// or clearing was requested - silently double writing tags would
// corrupt the investigation record.
func (self *Scheduler) RetryUnit(ctx context.Context,
	session_id string, request UnitRequest, clear_prior bool) error {

	key := UnitKey{
		TimelineID: request.TimelineID,
		Analyzer:   request.Analyzer,
	}

	self.mu.Lock()
	rs, resident := self.sessions[session_id]
	self.mu.Unlock()

	if !resident {
		session, err := self.repo.LoadSession(ctx, session_id)
		if err != nil {
			return err
		}
		rs, err = self.resume(session)
		if err != nil {
			return err
		}
	}

	rs.mu.Lock()
	unit, pres := rs.units[key]
	if !pres {
		rs.mu.Unlock()
		return store.QueryRejected(
			"session %v has no unit %v", session_id, key)
	}
	if unit.State != UnitError {
		rs.mu.Unlock()
		return store.QueryRejected(
			"unit %v is %v, only ERROR units can be re-run",
			key, unit.State)
	}

	for _, dep_key := range rs.deps[key] {
		if rs.units[dep_key].State != UnitDone {
			rs.mu.Unlock()
			return store.QueryRejected(
				"unit %v dependency %v is not DONE", key, dep_key)
		}
	}
	rs.mu.Unlock()

	analyzer, pres := analyzers.GetAnalyzer(key.Analyzer)
	if !pres {
		return store.QueryRejected("unknown analyzer %v", key.Analyzer)
	}

	if !analyzer.IsIdempotent() {
		err := self.handlePriorOutput(ctx, rs, analyzer, key, clear_prior)
		if err != nil {
			return err
		}
	}

	now := self.clock.Now().UTC()
	rs.mu.Lock()
	unit.Retries = 0
	unit.Result = nil
	err := rs.transition(unit, UnitPending, "re-run requested", now)
	if err == nil {
		delete(rs.dispatched, key)
	}
	rs.mu.Unlock()
	if err != nil {
		return err
	}

	self.saveUnit(unit)
	self.logger.Info("unit %v of session %v queued for re-run",
		key, session_id)

	self.dispatch(rs)
	return nil
}

// handlePriorOutput looks for tags this analyzer wrote in an earlier
// attempt and either clears them or rejects the retry.
func (self *Scheduler) handlePriorOutput(ctx context.Context,
	rs *runningSession, analyzer analyzers.Analyzer,
	key UnitKey, clear_prior bool) error {

	output_tags := analyzer.OutputTags()
	if len(output_tags) == 0 {
		return nil
	}

	resolved, err := self.scope_ctx.ResolveScope(ctx,
		rs.session.SketchID, []string{key.TimelineID})
	if err != nil {
		return err
	}

	dsl, err := json.Marshal(map[string]interface{}{
		"bool": map[string]interface{}{
			"filter": []interface{}{
				map[string]interface{}{
					"terms": map[string]interface{}{
						events.FieldTag: output_tags,
					},
				},
				map[string]interface{}{
					"terms": map[string]interface{}{
						events.FieldTimeline: resolved.TimelineIDs,
					},
				},
			},
		},
	})
	if err != nil {
		return err
	}

	query := &store.Query{DSL: dsl}
	result, err := self.event_store.Search(ctx, resolved, query, 0, 1)
	if err != nil {
		return err
	}

	if result.Total == 0 {
		return nil
	}

	if !clear_prior {
		return store.QueryRejected(
			"analyzer %v is not idempotent and %v events carry its prior "+
				"output; request clearing to re-run", key.Analyzer,
			result.Total)
	}

	_, err = self.event_store.BulkUpdate(ctx, resolved, query,
		&store.Mutation{RemoveTags: output_tags})
	if err != nil {
		return err
	}

	self.logger.Info("cleared prior output of %v on timeline %v",
		key.Analyzer, key.TimelineID)
	return nil
}

// resume rebuilds in process state for a session loaded from the
// repository, so terminal sessions can accept re-run requests after a
// process restart.
func (self *Scheduler) resume(session *Session) (*runningSession, error) {
	units := make(map[UnitKey]*Unit)
	remaining := 0
	for _, unit := range session.Units {
		units[unit.Key()] = unit
		if !unit.State.IsTerminal() {
			remaining++
		}
	}

	graph, err := buildDependencyGraph(units)
	if err != nil {
		return nil, err
	}

	rs := &runningSession{
		session:    session,
		units:      units,
		deps:       graph,
		remaining:  remaining,
		dispatched: make(map[UnitKey]bool),
	}

	// Units persisted as RUNNING were in flight when the process
	// died. They are not running now.
	now := self.clock.Now().UTC()
	for _, unit := range units {
		if unit.State == UnitRunning {
			_ = rs.transition(unit, UnitError,
				"interrupted by process restart", now)
			self.saveUnit(unit)
		}
	}

	self.mu.Lock()
	existing, pres := self.sessions[session.ID]
	if pres {
		rs = existing
	} else {
		self.sessions[session.ID] = rs
	}
	self.mu.Unlock()

	if !pres {
		activeSessionsGauge.Inc()
	}
	return rs, nil
}
