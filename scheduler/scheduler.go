package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"www.velocidex.com/golang/tracesketch/analyzers"
	"www.velocidex.com/golang/tracesketch/config"
	"www.velocidex.com/golang/tracesketch/logging"
	"www.velocidex.com/golang/tracesketch/scope"
	"www.velocidex.com/golang/tracesketch/store"
)

var (
	unitStateCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracesketch_scheduler_unit_transitions_total",
		Help: "Unit state machine transitions.",
	}, []string{"state"})

	unitRetryCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracesketch_scheduler_unit_retries_total",
		Help: "Self retries of units after transient store errors.",
	})

	activeSessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracesketch_scheduler_active_sessions",
		Help: "Sessions with at least one non terminal unit.",
	})
)

type UnitRequest struct {
	TimelineID string
	Analyzer   string
}

type SessionRequest struct {
	SketchID string
	UserID   string
	Units    []UnitRequest
}

type Scheduler struct {
	mu sync.Mutex

	ctx        context.Context
	config_obj *config.Config

	event_store store.EventStore
	scope_ctx   scope.Context
	repo        Repository

	clock  clockwork.Clock
	pool   pond.Pool
	logger *logging.LogContext

	// Sessions currently resident in this process. Terminal sessions
	// are evicted - the repository is the system of record.
	sessions map[string]*runningSession
}

// NewScheduler starts the analyzer scheduler. ctx bounds the lifetime
// of all in flight work; cancelling it stops dispatch everywhere.
func NewScheduler(ctx context.Context,
	config_obj *config.Config,
	event_store store.EventStore,
	scope_ctx scope.Context,
	repo Repository) *Scheduler {

	return &Scheduler{
		ctx:         ctx,
		config_obj:  config_obj,
		event_store: event_store,
		scope_ctx:   scope_ctx,
		repo:        repo,
		clock:       clockwork.NewRealClock(),
		pool:        pond.NewPool(int(config_obj.Scheduler.Workers)),
		logger:      logging.GetLogger(config_obj, &logging.SchedulerComponent),
		sessions:    make(map[string]*runningSession),
	}
}

// SetClock substitutes a fake clock. Test use only.
func (self *Scheduler) SetClock(clock clockwork.Clock) {
	self.clock = clock
}

// CreateSession validates the whole request and either schedules all
// of it or none of it. Validation covers permission, timeline
// membership and status, analyzer applicability, and the dependency
// graph - a request that fails any check leaves zero units behind.
func (self *Scheduler) CreateSession(ctx context.Context,
	request *SessionRequest) (*Session, error) {

	err := self.scope_ctx.CheckPermission(ctx,
		request.SketchID, request.UserID, scope.ActionAnalyze)
	if err != nil {
		return nil, err
	}

	if len(request.Units) == 0 {
		return nil, store.QueryRejected("session request without units")
	}

	session := &Session{
		ID:        uuid.New().String(),
		SketchID:  request.SketchID,
		UserID:    request.UserID,
		CreatedAt: self.clock.Now().UTC(),
	}

	units := make(map[UnitKey]*Unit)
	for _, unit_request := range request.Units {
		key := UnitKey{
			TimelineID: unit_request.TimelineID,
			Analyzer:   unit_request.Analyzer,
		}
		_, pres := units[key]
		if pres {
			continue
		}

		err := self.validateUnit(ctx, request.SketchID, key)
		if err != nil {
			return nil, err
		}

		unit := &Unit{
			SessionID:  session.ID,
			TimelineID: key.TimelineID,
			Analyzer:   key.Analyzer,
			State:      UnitPending,
			UpdatedAt:  session.CreatedAt,
		}
		units[key] = unit
		session.Units = append(session.Units, unit)
	}

	graph, err := buildDependencyGraph(units)
	if err != nil {
		return nil, err
	}

	err = self.repo.SaveSession(ctx, session)
	if err != nil {
		return nil, err
	}

	rs := &runningSession{
		session:   session,
		units:     units,
		deps:      graph,
		remaining: len(units),
	}

	self.mu.Lock()
	self.sessions[session.ID] = rs
	self.mu.Unlock()

	activeSessionsGauge.Inc()
	self.logger.Info("session %v created with %v units for sketch %v",
		session.ID, len(units), session.SketchID)

	self.dispatch(rs)
	return session, nil
}

// validateUnit fails fast on anything that would only surface as a
// runtime query error later.
func (self *Scheduler) validateUnit(ctx context.Context,
	sketch_id string, key UnitKey) error {

	analyzer, pres := analyzers.GetAnalyzer(key.Analyzer)
	if !pres {
		return store.QueryRejected("unknown analyzer %v", key.Analyzer)
	}

	// Confirms the timeline belongs to the sketch and is ready.
	_, err := self.scope_ctx.ResolveScope(ctx,
		sketch_id, []string{key.TimelineID})
	if err != nil {
		return err
	}

	schema, err := self.scope_ctx.TimelineSchema(ctx, key.TimelineID)
	if err != nil {
		return err
	}

	return analyzers.Applicability(analyzer, schema)
}

// GetSession returns the live session if resident, falling back to
// the repository.
func (self *Scheduler) GetSession(ctx context.Context,
	session_id string) (*Session, error) {

	self.mu.Lock()
	rs, pres := self.sessions[session_id]
	self.mu.Unlock()

	if pres {
		return rs.snapshot(), nil
	}
	return self.repo.LoadSession(ctx, session_id)
}

// CancelSession stops dispatch of further PENDING units. In flight
// units finish or time out naturally - aborting a bulk mutation half
// way is worse than letting it complete.
func (self *Scheduler) CancelSession(ctx context.Context,
	session_id string) error {

	self.mu.Lock()
	rs, pres := self.sessions[session_id]
	self.mu.Unlock()

	if !pres {
		return store.QueryRejected(
			"session %v is not active in this process", session_id)
	}

	cancelled := rs.cancelPending(self.clock.Now().UTC())
	for _, unit := range cancelled {
		self.saveUnit(unit)
	}

	self.logger.Info("session %v cancelled, %v pending units stopped",
		session_id, len(cancelled))

	self.finishIfTerminal(rs)
	return nil
}

// Wait blocks until the session reaches a terminal state or the
// context expires.
func (self *Scheduler) Wait(ctx context.Context, session_id string) error {
	self.mu.Lock()
	rs, pres := self.sessions[session_id]
	self.mu.Unlock()

	if !pres {
		// Not resident means already terminal.
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-rs.terminalChan():
		return nil
	}
}

// Close drains the worker pool. Outstanding units complete first.
func (self *Scheduler) Close() {
	self.pool.StopAndWait()
}

// dispatch submits every unit whose dependencies are satisfied, and
// cascades failure to units whose dependency will never complete.
func (self *Scheduler) dispatch(rs *runningSession) {
	now := self.clock.Now().UTC()

	ready, failed := rs.collectReady(now)
	for _, unit := range failed {
		unitStateCounter.WithLabelValues(string(UnitError)).Inc()
		self.saveUnit(unit)
	}

	for _, unit := range ready {
		unit := unit
		self.pool.Submit(func() {
			self.runUnit(rs, unit)
		})
	}

	self.finishIfTerminal(rs)
}

func (self *Scheduler) finishIfTerminal(rs *runningSession) {
	if !rs.isTerminal() {
		return
	}

	self.mu.Lock()
	_, pres := self.sessions[rs.session.ID]
	if pres {
		delete(self.sessions, rs.session.ID)
	}
	self.mu.Unlock()

	if pres {
		activeSessionsGauge.Dec()
		rs.markTerminal()

		summary := rs.snapshot().Summary()
		self.logger.Info("session %v complete: %v",
			rs.session.ID, summary.String())
	}
}

func (self *Scheduler) saveUnit(unit *Unit) {
	err := self.repo.SaveUnitState(self.ctx, unit)
	if err != nil {
		self.logger.Error("persisting unit %v state: %v",
			unit.Key(), err)
	}
}

// In process bookkeeping for one session. All unit mutations go
// through transition() under the session lock - the single mutator
// discipline that keeps unit state free of lost updates.
type runningSession struct {
	mu sync.Mutex

	session *Session
	units   map[UnitKey]*Unit
	deps    map[UnitKey][]UnitKey

	// Units already handed to the pool, to prevent double dispatch.
	dispatched map[UnitKey]bool

	cancelled bool
	remaining int

	terminal_chan chan struct{}
}

func (self *runningSession) terminalChan() chan struct{} {
	self.mu.Lock()
	defer self.mu.Unlock()

	if self.terminal_chan == nil {
		self.terminal_chan = make(chan struct{})
	}
	return self.terminal_chan
}

func (self *runningSession) markTerminal() {
	self.mu.Lock()
	defer self.mu.Unlock()

	if self.terminal_chan == nil {
		self.terminal_chan = make(chan struct{})
	}
	select {
	case <-self.terminal_chan:
	default:
		close(self.terminal_chan)
	}
}

func (self *runningSession) transition(unit *Unit, to UnitState,
	message string, now time.Time) error {

	err := checkTransition(unit.State, to)
	if err != nil {
		return err
	}

	was_terminal := unit.State.IsTerminal()

	unit.State = to
	unit.Message = message
	unit.UpdatedAt = now

	if !was_terminal && to.IsTerminal() {
		self.remaining--
	}
	if was_terminal && !to.IsTerminal() {
		self.remaining++
	}
	return nil
}

// collectReady marks dispatchable units and returns them, together
// with units terminally failed because a dependency ended in ERROR.
func (self *runningSession) collectReady(now time.Time) (
	ready []*Unit, failed []*Unit) {

	self.mu.Lock()
	defer self.mu.Unlock()

	if self.dispatched == nil {
		self.dispatched = make(map[UnitKey]bool)
	}

	for {
		progressed := false

		for key, unit := range self.units {
			if unit.State != UnitPending || self.dispatched[key] {
				continue
			}

			if self.cancelled {
				err := self.transition(unit, UnitError,
					"session cancelled", now)
				if err == nil {
					failed = append(failed, unit)
					progressed = true
				}
				continue
			}

			blocked := false
			dep_failed := ""
			for _, dep_key := range self.deps[key] {
				dep := self.units[dep_key]
				switch dep.State {
				case UnitDone:
				case UnitError:
					dep_failed = dep_key.String()
				default:
					blocked = true
				}
			}

			if dep_failed != "" {
				err := self.transition(unit, UnitError,
					"dependency "+dep_failed+" failed", now)
				if err == nil {
					failed = append(failed, unit)
					progressed = true
				}
				continue
			}

			if !blocked {
				self.dispatched[key] = true
				ready = append(ready, unit)
			}
		}

		if !progressed {
			break
		}
	}

	return ready, failed
}

func (self *runningSession) cancelPending(now time.Time) []*Unit {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.cancelled = true

	var cancelled []*Unit
	for key, unit := range self.units {
		if unit.State == UnitPending && !self.dispatched[key] {
			err := self.transition(unit, UnitError,
				"session cancelled", now)
			if err == nil {
				cancelled = append(cancelled, unit)
			}
		}
	}
	return cancelled
}

func (self *runningSession) isTerminal() bool {
	self.mu.Lock()
	defer self.mu.Unlock()

	return self.remaining == 0
}

// snapshot returns a copy safe to hand outside the lock.
func (self *runningSession) snapshot() *Session {
	self.mu.Lock()
	defer self.mu.Unlock()

	copied := *self.session
	copied.Units = nil
	for _, unit := range self.session.Units {
		unit_copy := *unit
		copied.Units = append(copied.Units, &unit_copy)
	}
	return &copied
}
