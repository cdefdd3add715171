package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Velocidex/ordereddict"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"www.velocidex.com/golang/tracesketch/analyzers"
	"www.velocidex.com/golang/tracesketch/config"
	"www.velocidex.com/golang/tracesketch/events"
	"www.velocidex.com/golang/tracesketch/scheduler"
	"www.velocidex.com/golang/tracesketch/store"
	"www.velocidex.com/golang/tracesketch/vtesting"
)

// Scriptable analyzer registered once in init(). Behavior is swapped
// per test through runBehaviors.
type fakeAnalyzer struct {
	name       string
	deps       []string
	required   []string
	output     []string
	idempotent bool
}

func (self fakeAnalyzer) Name() string             { return self.name }
func (self fakeAnalyzer) DisplayName() string      { return self.name }
func (self fakeAnalyzer) RequiredFields() []string { return self.required }
func (self fakeAnalyzer) OutputTags() []string     { return self.output }
func (self fakeAnalyzer) Dependencies() []string   { return self.deps }
func (self fakeAnalyzer) IsIdempotent() bool       { return self.idempotent }

var (
	behavior_mu  sync.Mutex
	runBehaviors = make(map[string]func(
		ctx context.Context, run *analyzers.RunContext) (
		*analyzers.Result, error))
)

func setBehavior(name string, cb func(ctx context.Context,
	run *analyzers.RunContext) (*analyzers.Result, error)) {

	behavior_mu.Lock()
	defer behavior_mu.Unlock()
	runBehaviors[name] = cb
}

func (self fakeAnalyzer) Run(ctx context.Context,
	run *analyzers.RunContext) (*analyzers.Result, error) {

	behavior_mu.Lock()
	cb := runBehaviors[self.name]
	behavior_mu.Unlock()

	if cb == nil {
		return &analyzers.Result{Finding: "ok"}, nil
	}
	return cb(ctx, run)
}

func init() {
	analyzers.RegisterAnalyzer(fakeAnalyzer{
		name: "t_base", required: []string{"message"},
		output: []string{"t-base"}, idempotent: true})
	analyzers.RegisterAnalyzer(fakeAnalyzer{
		name: "t_child", deps: []string{"t_base"},
		required: []string{"message"},
		output:   []string{"t-child"}, idempotent: true})
	analyzers.RegisterAnalyzer(fakeAnalyzer{
		name: "t_cycle_a", deps: []string{"t_cycle_b"}, idempotent: true})
	analyzers.RegisterAnalyzer(fakeAnalyzer{
		name: "t_cycle_b", deps: []string{"t_cycle_a"}, idempotent: true})
	analyzers.RegisterAnalyzer(fakeAnalyzer{
		name:     "t_exotic",
		required: []string{"field_that_does_not_exist"},
		output:   []string{"t-exotic"}, idempotent: true})
	analyzers.RegisterAnalyzer(fakeAnalyzer{
		name: "t_oneshot", required: []string{"message"},
		output: []string{"t-oneshot"}, idempotent: false})
	analyzers.RegisterAnalyzer(fakeAnalyzer{
		name: "t_needs_exotic_dep", deps: []string{"t_exotic"},
		required: []string{"message"}, idempotent: true})
}

type testEnv struct {
	config_obj *config.Config
	fake_store *vtesting.FakeStore
	repo       *vtesting.MemoryRepository
	sched      *scheduler.Scheduler
	clock      *clockwork.FakeClock

	cancel context.CancelFunc
	done   chan struct{}
}

func newTestEnv(t *testing.T) *testEnv {
	config_obj := config.GetDefaultConfig()
	config_obj.Scheduler.Workers = 2
	config_obj.Scheduler.MaxRetries = 3

	fixture := vtesting.NewScopeFixture().AddSketch(&events.Sketch{
		ID:            "S1",
		Collaborators: []string{"alice"},
		Timelines: []*events.Timeline{{
			ID:        "T1",
			IndexName: "idx-t1",
			Status:    events.TimelineReady,
		}, {
			ID:        "T2",
			IndexName: "idx-t2",
			Status:    events.TimelineReady,
		}},
	})

	fake_store := &vtesting.FakeStore{
		ScrollFunc: func(scope *store.Scope,
			query *store.Query) ([]*events.Event, error) {
			return []*events.Event{
				{ID: "e1", Message: "one"},
				{ID: "e2", Message: "two"},
			}, nil
		},
	}

	repo := vtesting.NewMemoryRepository()
	ctx, cancel := context.WithCancel(context.Background())
	sched := scheduler.NewScheduler(
		ctx, config_obj, fake_store, fixture, repo)

	clock := clockwork.NewFakeClock()
	sched.SetClock(clock)

	// Keep the fake clock moving so retry backoffs do not wedge the
	// worker pool.
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
				clock.Advance(time.Second)
				time.Sleep(time.Millisecond)
			}
		}
	}()

	t.Cleanup(func() {
		close(done)
		cancel()
	})

	return &testEnv{
		config_obj: config_obj,
		fake_store: fake_store,
		repo:       repo,
		sched:      sched,
		clock:      clock,
		cancel:     cancel,
		done:       done,
	}
}

func (self *testEnv) createAndWait(t *testing.T,
	request *scheduler.SessionRequest) *scheduler.Session {

	session, err := self.sched.CreateSession(context.Background(), request)
	require.NoError(t, err)

	wait_ctx, cancel := context.WithTimeout(
		context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, self.sched.Wait(wait_ctx, session.ID))

	final, err := self.sched.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	return final
}

func unitByKey(session *scheduler.Session,
	timeline_id, analyzer string) *scheduler.Unit {
	for _, unit := range session.Units {
		if unit.TimelineID == timeline_id && unit.Analyzer == analyzer {
			return unit
		}
	}
	return nil
}

func TestSimpleSessionCompletes(t *testing.T) {
	env := newTestEnv(t)
	setBehavior("t_base", nil)

	session := env.createAndWait(t, &scheduler.SessionRequest{
		SketchID: "S1",
		UserID:   "alice",
		Units: []scheduler.UnitRequest{
			{TimelineID: "T1", Analyzer: "t_base"},
			{TimelineID: "T2", Analyzer: "t_base"},
		},
	})

	assert.True(t, session.IsTerminal())
	for _, unit := range session.Units {
		assert.Equal(t, scheduler.UnitDone, unit.State)
	}
}

func TestPermissionDenied(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.sched.CreateSession(context.Background(),
		&scheduler.SessionRequest{
			SketchID: "S1",
			UserID:   "mallory",
			Units: []scheduler.UnitRequest{
				{TimelineID: "T1", Analyzer: "t_base"},
			},
		})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ForbiddenError)
	assert.Equal(t, 0, env.repo.SessionCount())
}

func TestDependencyCycleRejectedBeforePersisting(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.sched.CreateSession(context.Background(),
		&scheduler.SessionRequest{
			SketchID: "S1",
			UserID:   "alice",
			Units: []scheduler.UnitRequest{
				{TimelineID: "T1", Analyzer: "t_cycle_a"},
				{TimelineID: "T1", Analyzer: "t_cycle_b"},
			},
		})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.QueryRejectedError)
	assert.Contains(t, err.Error(), "cycle")

	// Nothing entered PENDING.
	assert.Equal(t, 0, env.repo.SessionCount())
	assert.Empty(t, env.repo.History)
}

func TestMissingDependencyRejected(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.sched.CreateSession(context.Background(),
		&scheduler.SessionRequest{
			SketchID: "S1",
			UserID:   "alice",
			Units: []scheduler.UnitRequest{
				{TimelineID: "T1", Analyzer: "t_child"},
			},
		})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.QueryRejectedError)
	assert.Contains(t, err.Error(), "not part of the request")
}

func TestNotApplicableFailsWholeSession(t *testing.T) {
	env := newTestEnv(t)

	// t_needs_exotic_dep depends on t_exotic which is not applicable
	// to the timeline schema: the whole request fails, nothing is
	// partially scheduled.
	_, err := env.sched.CreateSession(context.Background(),
		&scheduler.SessionRequest{
			SketchID: "S1",
			UserID:   "alice",
			Units: []scheduler.UnitRequest{
				{TimelineID: "T1", Analyzer: "t_needs_exotic_dep"},
				{TimelineID: "T1", Analyzer: "t_exotic"},
			},
		})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.NotApplicableError)
	assert.Equal(t, 0, env.repo.SessionCount())
}

func TestDependencyHappensBefore(t *testing.T) {
	env := newTestEnv(t)

	var order_mu sync.Mutex
	var order []string

	record := func(name string) func(ctx context.Context,
		run *analyzers.RunContext) (*analyzers.Result, error) {
		return func(ctx context.Context,
			run *analyzers.RunContext) (*analyzers.Result, error) {
			order_mu.Lock()
			order = append(order, name)
			order_mu.Unlock()
			return &analyzers.Result{Finding: name}, nil
		}
	}
	setBehavior("t_base", record("t_base"))
	setBehavior("t_child", record("t_child"))

	session := env.createAndWait(t, &scheduler.SessionRequest{
		SketchID: "S1",
		UserID:   "alice",
		Units: []scheduler.UnitRequest{
			{TimelineID: "T1", Analyzer: "t_child"},
			{TimelineID: "T1", Analyzer: "t_base"},
		},
	})

	assert.Equal(t, scheduler.UnitDone,
		unitByKey(session, "T1", "t_child").State)
	assert.Equal(t, []string{"t_base", "t_child"}, order)
}

func TestDependencyFailureCascades(t *testing.T) {
	env := newTestEnv(t)

	setBehavior("t_base", func(ctx context.Context,
		run *analyzers.RunContext) (*analyzers.Result, error) {
		return nil, store.QueryRejected("broken config")
	})
	defer setBehavior("t_base", nil)

	session := env.createAndWait(t, &scheduler.SessionRequest{
		SketchID: "S1",
		UserID:   "alice",
		Units: []scheduler.UnitRequest{
			{TimelineID: "T1", Analyzer: "t_base"},
			{TimelineID: "T1", Analyzer: "t_child"},
		},
	})

	base := unitByKey(session, "T1", "t_base")
	child := unitByKey(session, "T1", "t_child")

	assert.Equal(t, scheduler.UnitError, base.State)
	assert.Equal(t, scheduler.UnitError, child.State)
	assert.Contains(t, child.Message, "dependency")

	// Non retriable errors are not retried.
	assert.Equal(t, uint64(0), base.Retries)
}

func TestTransientErrorsRetryThenSucceed(t *testing.T) {
	env := newTestEnv(t)

	var attempt_mu sync.Mutex
	attempts := 0
	setBehavior("t_base", func(ctx context.Context,
		run *analyzers.RunContext) (*analyzers.Result, error) {
		attempt_mu.Lock()
		attempts++
		current := attempts
		attempt_mu.Unlock()

		if current <= 2 {
			return nil, store.StoreUnavailable("index hiccup")
		}
		return &analyzers.Result{Finding: "recovered"}, nil
	})
	defer setBehavior("t_base", nil)

	session := env.createAndWait(t, &scheduler.SessionRequest{
		SketchID: "S1",
		UserID:   "alice",
		Units: []scheduler.UnitRequest{
			{TimelineID: "T1", Analyzer: "t_base"},
		},
	})

	unit := unitByKey(session, "T1", "t_base")
	assert.Equal(t, scheduler.UnitDone, unit.State)
	assert.Equal(t, uint64(2), unit.Retries)
	assert.Equal(t, "recovered", unit.Message)
}

func TestTransientErrorsExhaustRetries(t *testing.T) {
	env := newTestEnv(t)
	env.config_obj.Scheduler.MaxRetries = 1

	setBehavior("t_base", func(ctx context.Context,
		run *analyzers.RunContext) (*analyzers.Result, error) {
		return nil, store.StoreUnavailable("still down")
	})
	defer setBehavior("t_base", nil)

	session := env.createAndWait(t, &scheduler.SessionRequest{
		SketchID: "S1",
		UserID:   "alice",
		Units: []scheduler.UnitRequest{
			{TimelineID: "T1", Analyzer: "t_base"},
		},
	})

	unit := unitByKey(session, "T1", "t_base")
	assert.Equal(t, scheduler.UnitError, unit.State)
	assert.Equal(t, uint64(1), unit.Retries)
	assert.Contains(t, unit.Message, "still down")
}

func TestPartialFailureBelowThresholdIsDone(t *testing.T) {
	env := newTestEnv(t)

	env.fake_store.BulkUpdateFunc = func(scope *store.Scope,
		query *store.Query, mutation *store.Mutation) (
		*store.BulkResult, error) {
		return &store.BulkResult{
			Updated:   9997,
			FailedIDs: []string{"a", "b", "c"},
		}, nil
	}

	setBehavior("t_base", func(ctx context.Context,
		run *analyzers.RunContext) (*analyzers.Result, error) {
		var ids []string
		for event := range run.Events {
			ids = append(ids, event.ID)
		}
		bulk, err := run.Tagger.TagEvents(ctx, ids,
			[]string{"t-base"}, nil)
		if err != nil {
			return nil, err
		}
		return &analyzers.Result{
			TaggedCount: bulk.Updated,
			Finding:     "tagged",
		}, nil
	})
	defer setBehavior("t_base", nil)

	session := env.createAndWait(t, &scheduler.SessionRequest{
		SketchID: "S1",
		UserID:   "alice",
		Units: []scheduler.UnitRequest{
			{TimelineID: "T1", Analyzer: "t_base"},
		},
	})

	// 3 failures out of 10000 is under the 5% default tolerance.
	unit := unitByKey(session, "T1", "t_base")
	assert.Equal(t, scheduler.UnitDone, unit.State)
	assert.Equal(t, uint64(9997), unit.Result.TaggedCount)
}

func TestPartialFailureAboveThresholdFailsUnit(t *testing.T) {
	env := newTestEnv(t)
	env.config_obj.Scheduler.MaxPartialFailureRatio = 0.0001

	env.fake_store.BulkUpdateFunc = func(scope *store.Scope,
		query *store.Query, mutation *store.Mutation) (
		*store.BulkResult, error) {
		return &store.BulkResult{
			Updated:   9997,
			FailedIDs: []string{"a", "b", "c"},
		}, nil
	}

	setBehavior("t_base", func(ctx context.Context,
		run *analyzers.RunContext) (*analyzers.Result, error) {
		_, err := run.Tagger.TagEvents(ctx, []string{"e1"},
			[]string{"t-base"}, nil)
		if err != nil {
			return nil, err
		}
		return &analyzers.Result{Finding: "tagged"}, nil
	})
	defer setBehavior("t_base", nil)

	session := env.createAndWait(t, &scheduler.SessionRequest{
		SketchID: "S1",
		UserID:   "alice",
		Units: []scheduler.UnitRequest{
			{TimelineID: "T1", Analyzer: "t_base"},
		},
	})

	unit := unitByKey(session, "T1", "t_base")
	assert.Equal(t, scheduler.UnitError, unit.State)
	assert.Contains(t, unit.Message, "partial failure")
}

func TestCancellationStopsPendingUnits(t *testing.T) {
	env := newTestEnv(t)

	started := make(chan struct{})
	release := make(chan struct{})
	setBehavior("t_base", func(ctx context.Context,
		run *analyzers.RunContext) (*analyzers.Result, error) {
		close(started)
		<-release
		return &analyzers.Result{Finding: "slow"}, nil
	})
	defer setBehavior("t_base", nil)

	// t_child waits for t_base, so it is still PENDING while t_base
	// runs.
	session, err := env.sched.CreateSession(context.Background(),
		&scheduler.SessionRequest{
			SketchID: "S1",
			UserID:   "alice",
			Units: []scheduler.UnitRequest{
				{TimelineID: "T1", Analyzer: "t_base"},
				{TimelineID: "T1", Analyzer: "t_child"},
			},
		})
	require.NoError(t, err)

	<-started
	require.NoError(t, env.sched.CancelSession(
		context.Background(), session.ID))
	close(release)

	wait_ctx, cancel := context.WithTimeout(
		context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, env.sched.Wait(wait_ctx, session.ID))

	final, err := env.sched.GetSession(context.Background(), session.ID)
	require.NoError(t, err)

	// The in-flight unit finished naturally, the pending one was
	// stopped.
	assert.Equal(t, scheduler.UnitDone,
		unitByKey(final, "T1", "t_base").State)

	child := unitByKey(final, "T1", "t_child")
	assert.Equal(t, scheduler.UnitError, child.State)
	assert.Contains(t, child.Message, "cancelled")
}

func TestNonIdempotentRetryNeedsClearing(t *testing.T) {
	env := newTestEnv(t)

	var attempt_mu sync.Mutex
	attempts := 0
	setBehavior("t_oneshot", func(ctx context.Context,
		run *analyzers.RunContext) (*analyzers.Result, error) {
		attempt_mu.Lock()
		attempts++
		current := attempts
		attempt_mu.Unlock()

		if current == 1 {
			return nil, store.QueryRejected("first run breaks")
		}
		return &analyzers.Result{Finding: "second run fine"}, nil
	})
	defer setBehavior("t_oneshot", nil)

	// Prior output is detected in the index.
	env.fake_store.SearchFunc = func(scope *store.Scope,
		query *store.Query, from, size uint64) (
		*store.SearchResult, error) {
		return &store.SearchResult{Total: 42}, nil
	}

	var cleared_mu sync.Mutex
	var cleared []string
	env.fake_store.BulkUpdateFunc = func(scope *store.Scope,
		query *store.Query, mutation *store.Mutation) (
		*store.BulkResult, error) {
		cleared_mu.Lock()
		cleared = append(cleared, mutation.RemoveTags...)
		cleared_mu.Unlock()
		return &store.BulkResult{Updated: 42}, nil
	}

	session := env.createAndWait(t, &scheduler.SessionRequest{
		SketchID: "S1",
		UserID:   "alice",
		Units: []scheduler.UnitRequest{
			{TimelineID: "T1", Analyzer: "t_oneshot"},
		},
	})
	require.Equal(t, scheduler.UnitError,
		unitByKey(session, "T1", "t_oneshot").State)

	unit_request := scheduler.UnitRequest{
		TimelineID: "T1", Analyzer: "t_oneshot"}

	// Without clearing the retry is refused.
	err := env.sched.RetryUnit(context.Background(),
		session.ID, unit_request, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.QueryRejectedError)
	assert.Contains(t, err.Error(), "not idempotent")

	// With clearing it runs and the prior tags were removed first.
	err = env.sched.RetryUnit(context.Background(),
		session.ID, unit_request, true)
	require.NoError(t, err)

	wait_ctx, cancel := context.WithTimeout(
		context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, env.sched.Wait(wait_ctx, session.ID))

	final, err := env.sched.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.UnitDone,
		unitByKey(final, "T1", "t_oneshot").State)

	cleared_mu.Lock()
	defer cleared_mu.Unlock()
	assert.Contains(t, cleared, "t-oneshot")
}

func TestSessionSummaryEnumeratesUnits(t *testing.T) {
	env := newTestEnv(t)
	setBehavior("t_base", nil)

	session := env.createAndWait(t, &scheduler.SessionRequest{
		SketchID: "S1",
		UserID:   "alice",
		Units: []scheduler.UnitRequest{
			{TimelineID: "T1", Analyzer: "t_base"},
			{TimelineID: "T2", Analyzer: "t_base"},
		},
	})

	summary := session.Summary()
	complete, _ := summary.Get("complete")
	assert.Equal(t, true, complete)

	units_raw, _ := summary.Get("units")
	units := units_raw.(*ordereddict.Dict)
	assert.Equal(t, 2, units.Len())
}
