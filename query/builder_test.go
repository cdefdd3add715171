package query_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"www.velocidex.com/golang/tracesketch/config"
	"www.velocidex.com/golang/tracesketch/events"
	"www.velocidex.com/golang/tracesketch/query"
	"www.velocidex.com/golang/tracesketch/store"
	"www.velocidex.com/golang/tracesketch/vtesting"
)

func testBuilder() *query.Builder {
	fixture := vtesting.NewScopeFixture().AddSketch(&events.Sketch{
		ID:            "S1",
		Name:          "Workstation compromise",
		Collaborators: []string{"alice"},
		Timelines: []*events.Timeline{{
			ID:        "T1",
			SketchID:  "S1",
			Name:      "laptop",
			IndexName: "idx-t1",
			Status:    events.TimelineReady,
		}, {
			ID:        "T2",
			SketchID:  "S1",
			Name:      "server",
			IndexName: "idx-t2",
			Status:    events.TimelineProcessing,
		}},
	})

	return query.NewBuilder(config.GetDefaultConfig(), fixture, nil)
}

func baseRequest() *query.SearchRequest {
	return &query.SearchRequest{
		SketchID: "S1",
		UserID:   "alice",
	}
}

func TestPermissionDeniedBeforeAnything(t *testing.T) {
	builder := testBuilder()

	request := baseRequest()
	request.UserID = "mallory"

	_, err := builder.Compile(context.Background(), request)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ForbiddenError)
}

func TestScopeExcludesNotReadyTimelines(t *testing.T) {
	builder := testBuilder()

	// Default scope only picks up ready timelines.
	compiled, err := builder.Compile(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, []string{"T1"}, compiled.Scope.TimelineIDs)
	assert.Equal(t, []string{"idx-t1"}, compiled.Scope.Indexes)

	// Explicitly requesting a processing timeline is an error, not a
	// silent drop.
	request := baseRequest()
	request.TimelineIDs = []string{"T2"}
	_, err = builder.Compile(context.Background(), request)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.QueryRejectedError)
}

func TestForeignTimelineIsForbidden(t *testing.T) {
	builder := testBuilder()

	request := baseRequest()
	request.TimelineIDs = []string{"T99"}

	_, err := builder.Compile(context.Background(), request)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ForbiddenError)
}

func TestPageSizeBounds(t *testing.T) {
	builder := testBuilder()

	// Default applied when unset.
	compiled, err := builder.Compile(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, uint64(40), compiled.Size)

	// Oversized requests are rejected, not clamped.
	request := baseRequest()
	request.Size = 100000
	_, err = builder.Compile(context.Background(), request)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.QueryRejectedError)
}

func TestUnknownFilterFieldRejected(t *testing.T) {
	builder := testBuilder()

	request := baseRequest()
	request.Filters = []query.Filter{{
		Kind:   query.FilterTerm,
		Field:  "no_such_field",
		Values: []string{"x"},
	}}

	_, err := builder.Compile(context.Background(), request)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.QueryRejectedError)
}

func TestDefaultSortIsDeterministic(t *testing.T) {
	builder := testBuilder()

	compiled, err := builder.Compile(context.Background(), baseRequest())
	require.NoError(t, err)

	require.Len(t, compiled.Query.Sort, 2)
	assert.Equal(t, events.FieldTimestamp, compiled.Query.Sort[0].Field)
	assert.True(t, compiled.Query.Sort[0].Ascending)

	// The id tie break guarantees stable pagination.
	assert.Equal(t, "_id", compiled.Query.Sort[1].Field)
	assert.True(t, compiled.Query.Sort[1].Ascending)
}

func TestSortFieldOverride(t *testing.T) {
	builder := testBuilder()

	request := baseRequest()
	request.Sort = query.Sort{Field: "hostname", Ascending: false}

	compiled, err := builder.Compile(context.Background(), request)
	require.NoError(t, err)
	require.Len(t, compiled.Query.Sort, 2)
	assert.Equal(t, "hostname", compiled.Query.Sort[0].Field)
	assert.False(t, compiled.Query.Sort[0].Ascending)

	request.Sort = query.Sort{Field: "bogus"}
	_, err = builder.Compile(context.Background(), request)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.QueryRejectedError)
}

// Walks the compiled DSL and returns the filter clauses of the top
// level bool query.
func filterClauses(t *testing.T, dsl json.RawMessage) []interface{} {
	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(dsl, &parsed))

	bool_query, ok := parsed["bool"].(map[string]interface{})
	require.True(t, ok)

	clauses, _ := bool_query["filter"].([]interface{})
	return clauses
}

func TestTimeRangeIsHalfOpen(t *testing.T) {
	builder := testBuilder()

	start := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC)

	request := baseRequest()
	request.TimeRange = &query.TimeRange{Start: start, End: end}

	compiled, err := builder.Compile(context.Background(), request)
	require.NoError(t, err)

	found := false
	for _, clause := range filterClauses(t, compiled.Query.DSL) {
		range_clause, ok := clause.(map[string]interface{})["range"]
		if !ok {
			continue
		}
		bounds := range_clause.(map[string]interface{})[events.FieldTimestamp].(map[string]interface{})

		// Inclusive lower, exclusive upper.
		assert.Equal(t, "2024-04-01T00:00:00Z", bounds["gte"])
		assert.Equal(t, "2024-04-02T00:00:00Z", bounds["lt"])
		_, has_lte := bounds["lte"]
		assert.False(t, has_lte)
		found = true
	}
	assert.True(t, found, "no range clause in compiled query")
}

func TestTimelineScopeAlwaysFiltered(t *testing.T) {
	builder := testBuilder()

	compiled, err := builder.Compile(context.Background(), baseRequest())
	require.NoError(t, err)

	found := false
	for _, clause := range filterClauses(t, compiled.Query.DSL) {
		terms, ok := clause.(map[string]interface{})["terms"]
		if !ok {
			continue
		}
		ids, ok := terms.(map[string]interface{})[events.FieldTimeline]
		if !ok {
			continue
		}
		assert.Equal(t, []interface{}{"T1"}, ids)
		found = true
	}
	assert.True(t, found, "timeline scope filter missing")
}

func TestTermFilterValuesAreORed(t *testing.T) {
	builder := testBuilder()

	request := baseRequest()
	request.Filters = []query.Filter{{
		Kind:   query.FilterTerm,
		Field:  "hostname",
		Values: []string{"ws1", "ws2"},
	}}

	compiled, err := builder.Compile(context.Background(), request)
	require.NoError(t, err)

	found := false
	for _, clause := range filterClauses(t, compiled.Query.DSL) {
		terms, ok := clause.(map[string]interface{})["terms"]
		if !ok {
			continue
		}
		values, ok := terms.(map[string]interface{})["hostname"]
		if !ok {
			continue
		}
		assert.Equal(t, []interface{}{"ws1", "ws2"}, values)
		found = true
	}
	assert.True(t, found)
}

type savedSearchStub struct {
	spec *query.SearchRequest
}

func (self *savedSearchStub) GetSavedSearch(ctx context.Context,
	sketch_id, saved_search_id string) (*query.SearchRequest, error) {
	return self.spec, nil
}

func TestSavedSearchMerge(t *testing.T) {
	fixture := vtesting.NewScopeFixture().AddSketch(&events.Sketch{
		ID:            "S1",
		Collaborators: []string{"alice"},
		Timelines: []*events.Timeline{{
			ID:        "T1",
			IndexName: "idx-t1",
			Status:    events.TimelineReady,
		}},
	})

	stored := &query.SearchRequest{
		Text: "evil.exe",
		Filters: []query.Filter{{
			Kind:   query.FilterTerm,
			Field:  "hostname",
			Values: []string{"ws1"},
		}},
	}
	builder := query.NewBuilder(config.GetDefaultConfig(), fixture,
		&savedSearchStub{spec: stored})

	request := baseRequest()
	request.SavedSearchID = "SS1"
	request.Size = 10

	compiled, err := builder.Compile(context.Background(), request)
	require.NoError(t, err)

	// The stored filters survive, the live pagination wins.
	assert.Equal(t, uint64(10), compiled.Size)
	assert.Contains(t, string(compiled.Query.DSL), "evil.exe")
	assert.Contains(t, string(compiled.Query.DSL), "ws1")
}
