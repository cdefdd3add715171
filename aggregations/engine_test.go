package aggregations_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"www.velocidex.com/golang/tracesketch/aggregations"
	"www.velocidex.com/golang/tracesketch/config"
	"www.velocidex.com/golang/tracesketch/events"
	"www.velocidex.com/golang/tracesketch/query"
	"www.velocidex.com/golang/tracesketch/store"
	"www.velocidex.com/golang/tracesketch/vtesting"
)

func testEngine(fake *vtesting.FakeStore) *aggregations.Engine {
	fixture := vtesting.NewScopeFixture().AddSketch(&events.Sketch{
		ID:            "S1",
		Collaborators: []string{"alice"},
		Timelines: []*events.Timeline{{
			ID:        "T1",
			IndexName: "idx-t1",
			Status:    events.TimelineReady,
		}},
	})

	config_obj := config.GetDefaultConfig()
	builder := query.NewBuilder(config_obj, fixture, nil)
	return aggregations.NewEngine(config_obj, builder, fake)
}

func baseAggRequest() *aggregations.Request {
	return &aggregations.Request{
		SearchRequest: query.SearchRequest{
			SketchID: "S1",
			UserID:   "alice",
		},
	}
}

func TestEmptySpecRejected(t *testing.T) {
	engine := testEngine(&vtesting.FakeStore{})

	_, err := engine.Run(context.Background(), baseAggRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.QueryRejectedError)
}

func TestDepthLimit(t *testing.T) {
	engine := testEngine(&vtesting.FakeStore{})

	// Default maximum depth is 3, this spec nests 4 deep.
	spec := &aggregations.BucketSpec{
		Name: "l1", Kind: aggregations.KindTerms, Field: "hostname",
		Sub: &aggregations.BucketSpec{
			Name: "l2", Kind: aggregations.KindTerms, Field: "user",
			Sub: &aggregations.BucketSpec{
				Name: "l3", Kind: aggregations.KindTerms, Field: "domain",
				Sub: &aggregations.BucketSpec{
					Name: "l4", Kind: aggregations.KindTerms,
					Field: "filename",
				},
			},
		},
	}

	request := baseAggRequest()
	request.Buckets = []*aggregations.BucketSpec{spec}

	_, err := engine.Run(context.Background(), request)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.QueryRejectedError)
}

func TestUnknownAggregationField(t *testing.T) {
	engine := testEngine(&vtesting.FakeStore{})

	request := baseAggRequest()
	request.Buckets = []*aggregations.BucketSpec{{
		Name: "hosts", Kind: aggregations.KindTerms, Field: "nope",
	}}

	_, err := engine.Run(context.Background(), request)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.QueryRejectedError)
}

func TestHistogramNeedsDateField(t *testing.T) {
	engine := testEngine(&vtesting.FakeStore{})

	request := baseAggRequest()
	request.Buckets = []*aggregations.BucketSpec{{
		Name: "overtime", Kind: aggregations.KindDateHistogram,
		Field: "hostname", Interval: "1h",
	}}

	_, err := engine.Run(context.Background(), request)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.QueryRejectedError)
}

func TestTermsOrderingNormalized(t *testing.T) {
	// The index returns buckets in a scrambled order - the engine
	// must impose count descending with key ascending tie breaks.
	raw := `{
  "hosts": {
    "buckets": [
      {"key": "zeta", "doc_count": 5},
      {"key": "alpha", "doc_count": 9},
      {"key": "beta", "doc_count": 5},
      {"key": "gamma", "doc_count": 1}
    ]
  }
}`
	fake := &vtesting.FakeStore{
		AggregateFunc: func(scope *store.Scope, q *store.Query,
			aggs json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(raw), nil
		},
	}
	engine := testEngine(fake)

	request := baseAggRequest()
	request.Buckets = []*aggregations.BucketSpec{{
		Name: "hosts", Kind: aggregations.KindTerms, Field: "hostname",
	}}

	results, err := engine.Run(context.Background(), request)
	require.NoError(t, err)
	require.Len(t, results, 1)

	var keys []string
	for _, bucket := range results[0].Buckets {
		keys = append(keys, bucket.Key)
	}
	assert.Equal(t, []string{"alpha", "beta", "zeta", "gamma"}, keys)

	series := results[0].Series()
	count, _ := series.Get("alpha")
	assert.Equal(t, uint64(9), count)
}

func TestHistogramChronological(t *testing.T) {
	raw := `{
  "overtime": {
    "buckets": [
      {"key": 1712016000000, "key_as_string": "2024-04-02T00:00:00Z", "doc_count": 3},
      {"key": 1711929600000, "key_as_string": "2024-04-01T00:00:00Z", "doc_count": 7}
    ]
  }
}`
	fake := &vtesting.FakeStore{
		AggregateFunc: func(scope *store.Scope, q *store.Query,
			aggs json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(raw), nil
		},
	}
	engine := testEngine(fake)

	request := baseAggRequest()
	request.Buckets = []*aggregations.BucketSpec{{
		Name: "overtime", Kind: aggregations.KindDateHistogram,
		Field: events.FieldTimestamp, Interval: "1d",
	}}

	results, err := engine.Run(context.Background(), request)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0].Buckets, 2)

	first := results[0].Buckets[0]
	assert.Equal(t,
		time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), first.Time)
	assert.Equal(t, uint64(7), first.Count)
	assert.True(t, first.Time.Before(results[0].Buckets[1].Time))
}

func TestNestedSubAggregation(t *testing.T) {
	raw := `{
  "hosts": {
    "buckets": [
      {"key": "ws1", "doc_count": 10,
       "users": {"buckets": [
          {"key": "bob", "doc_count": 6},
          {"key": "eve", "doc_count": 4}
       ]}}
    ]
  }
}`
	var captured json.RawMessage
	fake := &vtesting.FakeStore{
		AggregateFunc: func(scope *store.Scope, q *store.Query,
			aggs json.RawMessage) (json.RawMessage, error) {
			captured = aggs
			return json.RawMessage(raw), nil
		},
	}
	engine := testEngine(fake)

	request := baseAggRequest()
	request.Buckets = []*aggregations.BucketSpec{{
		Name: "hosts", Kind: aggregations.KindTerms, Field: "hostname",
		Sub: &aggregations.BucketSpec{
			Name: "users", Kind: aggregations.KindTerms, Field: "user",
		},
	}}

	results, err := engine.Run(context.Background(), request)
	require.NoError(t, err)

	// The compiled spec nests the sub aggregation.
	assert.Contains(t, string(captured), `"users"`)

	require.Len(t, results, 1)
	require.Len(t, results[0].Buckets, 1)
	sub := results[0].Buckets[0].Sub
	require.NotNil(t, sub)
	require.Len(t, sub.Buckets, 2)
	assert.Equal(t, "bob", sub.Buckets[0].Key)
}
