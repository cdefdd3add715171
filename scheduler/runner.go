package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Velocidex/ordereddict"
	"www.velocidex.com/golang/tracesketch/analyzers"
	"www.velocidex.com/golang/tracesketch/events"
	"www.velocidex.com/golang/tracesketch/store"
)

// How many events a scroll page carries while feeding an analyzer.
const analyzerPageSize = 500

func (self *Scheduler) runUnit(rs *runningSession, unit *Unit) {
	now := self.clock.Now().UTC()

	rs.mu.Lock()
	err := rs.transition(unit, UnitRunning, "", now)
	rs.mu.Unlock()
	if err != nil {
		self.logger.Error("unit %v: %v", unit.Key(), err)
		return
	}

	unitStateCounter.WithLabelValues(string(UnitRunning)).Inc()
	self.saveUnit(unit)

	max_retries := self.config_obj.Scheduler.MaxRetries

	var result *analyzers.Result
	for attempt := uint64(0); ; attempt++ {
		result, err = self.executeUnit(self.ctx, rs, unit)
		if err == nil || !store.IsRetriable(err) {
			break
		}

		if attempt >= max_retries {
			break
		}

		// RUNNING to RUNNING, the bounded self retry.
		rs.mu.Lock()
		unit.Retries++
		_ = rs.transition(unit, UnitRunning,
			fmt.Sprintf("retry %v: %v", unit.Retries, err),
			self.clock.Now().UTC())
		rs.mu.Unlock()

		unitRetryCounter.Inc()
		self.saveUnit(unit)
		self.logger.Warn("unit %v retrying after transient error: %v",
			unit.Key(), err)
		self.clock.Sleep(self.config_obj.RetryBackoff())
	}

	now = self.clock.Now().UTC()
	rs.mu.Lock()
	if err != nil {
		transition_err := rs.transition(unit, UnitError, err.Error(), now)
		if transition_err != nil {
			self.logger.Error("unit %v: %v", unit.Key(), transition_err)
		}
	} else {
		unit.Result = result
		transition_err := rs.transition(unit, UnitDone, result.Finding, now)
		if transition_err != nil {
			self.logger.Error("unit %v: %v", unit.Key(), transition_err)
		}
	}
	final_state := unit.State
	rs.mu.Unlock()

	unitStateCounter.WithLabelValues(string(final_state)).Inc()
	self.saveUnit(unit)

	if err == nil {
		persist_err := self.repo.AppendResult(self.ctx, unit, result)
		if persist_err != nil {
			self.logger.Error("persisting result of unit %v: %v",
				unit.Key(), persist_err)
		}
	} else {
		self.logger.Error("unit %v failed: %v", unit.Key(), err)
	}

	// A terminal unit may unblock its dependents.
	self.dispatch(rs)
}

// executeUnit performs one attempt: scroll the timeline's events
// through the analyzer and account for bulk write outcomes.
func (self *Scheduler) executeUnit(ctx context.Context,
	rs *runningSession, unit *Unit) (*analyzers.Result, error) {

	analyzer, pres := analyzers.GetAnalyzer(unit.Analyzer)
	if !pres {
		return nil, store.QueryRejected("unknown analyzer %v", unit.Analyzer)
	}

	resolved, err := self.scope_ctx.ResolveScope(ctx,
		rs.session.SketchID, []string{unit.TimelineID})
	if err != nil {
		return nil, err
	}

	query, err := timelineQuery(resolved)
	if err != nil {
		return nil, err
	}

	iter, err := self.event_store.Scroll(ctx, resolved, query,
		analyzerPageSize)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	tagger := &unitTagger{
		scheduler: self,
		scope:     resolved,
	}

	result, err := analyzer.Run(ctx, &analyzers.RunContext{
		ConfigObj:  self.config_obj,
		SketchID:   rs.session.SketchID,
		TimelineID: unit.TimelineID,
		Events:     iter.Events(ctx),
		Tagger:     tagger,
	})
	if err != nil {
		return nil, err
	}

	err = iter.Err()
	if err != nil {
		return nil, err
	}

	return result, tagger.checkPartialFailure(
		self.config_obj.Scheduler.MaxPartialFailureRatio)
}

// The query feeding an analyzer: every event of exactly one timeline,
// in deterministic timestamp order.
func timelineQuery(resolved *store.Scope) (*store.Query, error) {
	dsl, err := json.Marshal(map[string]interface{}{
		"bool": map[string]interface{}{
			"filter": []interface{}{
				map[string]interface{}{
					"terms": map[string]interface{}{
						events.FieldTimeline: resolved.TimelineIDs,
					},
				},
			},
		},
	})
	if err != nil {
		return nil, err
	}

	return &store.Query{
		DSL: dsl,
		Sort: []store.SortField{
			{Field: events.FieldTimestamp, Ascending: true},
			{Field: "_id", Ascending: true},
		},
	}, nil
}

// unitTagger scopes analyzer writes to the unit's timeline and
// accumulates partial failure accounting across all bulk calls of one
// attempt.
type unitTagger struct {
	mu sync.Mutex

	scheduler *Scheduler
	scope     *store.Scope

	updated    uint64
	failed_ids []string
}

func (self *unitTagger) TagEvents(ctx context.Context,
	event_ids []string, tags []string,
	attributes *ordereddict.Dict) (*store.BulkResult, error) {

	if len(event_ids) == 0 {
		return &store.BulkResult{}, nil
	}

	dsl, err := json.Marshal(map[string]interface{}{
		"bool": map[string]interface{}{
			"filter": []interface{}{
				map[string]interface{}{
					"ids": map[string]interface{}{
						"values": event_ids,
					},
				},
				map[string]interface{}{
					"terms": map[string]interface{}{
						events.FieldTimeline: self.scope.TimelineIDs,
					},
				},
			},
		},
	})
	if err != nil {
		return nil, store.QueryRejected("encoding tag query: %v", err)
	}

	result, err := self.scheduler.event_store.BulkUpdate(ctx,
		self.scope, &store.Query{DSL: dsl},
		&store.Mutation{
			AddTags:       tags,
			SetAttributes: attributes,
		})
	if err != nil {
		return nil, err
	}

	self.mu.Lock()
	self.updated += result.Updated
	self.failed_ids = append(self.failed_ids, result.FailedIDs...)
	self.mu.Unlock()

	return result, nil
}

// A partially applied mutation only fails the unit when the failed
// fraction exceeds the configured tolerance.
func (self *unitTagger) checkPartialFailure(max_ratio float64) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	failed := uint64(len(self.failed_ids))
	total := self.updated + failed
	if failed == 0 || total == 0 {
		return nil
	}

	fraction := float64(failed) / float64(total)
	if fraction > max_ratio {
		sample := self.failed_ids
		if len(sample) > 10 {
			sample = sample[:10]
		}
		return fmt.Errorf(
			"bulk mutation partial failure: %v of %v documents failed "+
				"(tolerance %v), sample ids %v",
			failed, total, max_ratio, sample)
	}
	return nil
}
