package aggregations

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/Velocidex/ordereddict"
	"www.velocidex.com/golang/tracesketch/config"
	"www.velocidex.com/golang/tracesketch/query"
	"www.velocidex.com/golang/tracesketch/store"
)

// A Bucket annotates one key with its document count. For date
// histograms Time carries the canonical interval start.
type Bucket struct {
	Key   string
	Time  time.Time
	Count uint64

	// Results of the sub aggregation, if the spec declared one.
	Sub *Result
}

// A Result mirrors one named node of the spec tree.
type Result struct {
	Name    string
	Kind    BucketKind
	Buckets []*Bucket
}

// Series renders the result as a key ordered dict suitable for
// charting.
func (self *Result) Series() *ordereddict.Dict {
	result := ordereddict.NewDict()
	for _, bucket := range self.Buckets {
		result.Set(bucket.Key, bucket.Count)
	}
	return result
}

type Engine struct {
	config_obj  *config.Config
	builder     *query.Builder
	event_store store.EventStore
}

func NewEngine(config_obj *config.Config,
	builder *query.Builder, event_store store.EventStore) *Engine {
	return &Engine{
		config_obj:  config_obj,
		builder:     builder,
		event_store: event_store,
	}
}

// Run validates, compiles and executes an aggregation request. The
// base search request scopes which events feed the buckets.
func (self *Engine) Run(ctx context.Context,
	request *Request) ([]*Result, error) {

	if len(request.Buckets) == 0 {
		return nil, store.QueryRejected("aggregation request without buckets")
	}

	compiled, err := self.builder.Compile(ctx, &request.SearchRequest)
	if err != nil {
		return nil, err
	}

	schema, err := self.builder.MergedSchema(ctx, compiled.Scope)
	if err != nil {
		return nil, err
	}

	max_depth := self.config_obj.Query.MaxAggregationDepth
	for _, spec := range request.Buckets {
		err := validateSpec(spec, schema, max_depth)
		if err != nil {
			return nil, err
		}
	}

	aggs, err := compileSpecs(request.Buckets)
	if err != nil {
		return nil, err
	}

	raw, err := self.event_store.Aggregate(ctx,
		compiled.Scope, compiled.Query, aggs)
	if err != nil {
		return nil, err
	}

	return parseResults(request.Buckets, raw)
}

func parseResults(specs []*BucketSpec, raw json.RawMessage) (
	[]*Result, error) {

	var tree map[string]json.RawMessage
	err := json.Unmarshal(raw, &tree)
	if err != nil {
		return nil, store.QueryRejected(
			"malformed aggregation response: %v", err)
	}

	var results []*Result
	for _, spec := range specs {
		node, pres := tree[spec.Name]
		if !pres {
			continue
		}
		result, err := parseNode(spec, node)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

// The wire shape of one aggregation node. Sub aggregations appear as
// extra keys inside each bucket, captured through rawBucket.Extra.
type rawNode struct {
	Buckets []rawBucket `json:"buckets"`
}

type rawBucket struct {
	Key         interface{}                `json:"key"`
	KeyAsString string                     `json:"key_as_string"`
	DocCount    uint64                     `json:"doc_count"`
	Extra       map[string]json.RawMessage `json:"-"`
}

func (self *rawBucket) UnmarshalJSON(data []byte) error {
	type alias rawBucket
	var base alias
	err := json.Unmarshal(data, &base)
	if err != nil {
		return err
	}

	extra := make(map[string]json.RawMessage)
	err = json.Unmarshal(data, &extra)
	if err != nil {
		return err
	}
	delete(extra, "key")
	delete(extra, "key_as_string")
	delete(extra, "doc_count")

	*self = rawBucket(base)
	self.Extra = extra
	return nil
}

func parseNode(spec *BucketSpec, data json.RawMessage) (*Result, error) {
	var node rawNode
	err := json.Unmarshal(data, &node)
	if err != nil {
		return nil, store.QueryRejected(
			"malformed aggregation node %v: %v", spec.Name, err)
	}

	result := &Result{Name: spec.Name, Kind: spec.Kind}
	for _, raw_bucket := range node.Buckets {
		bucket := &Bucket{Count: raw_bucket.DocCount}

		switch spec.Kind {
		case KindDateHistogram:
			// The key of a date histogram bucket is epoch millis,
			// key_as_string its canonical rendering.
			millis, ok := raw_bucket.Key.(float64)
			if ok {
				bucket.Time = time.UnixMilli(int64(millis)).UTC()
			}
			bucket.Key = raw_bucket.KeyAsString
			if bucket.Key == "" {
				bucket.Key = bucket.Time.Format(time.RFC3339)
			}

		default:
			bucket.Key = keyToString(raw_bucket.Key, raw_bucket.KeyAsString)
		}

		if spec.Sub != nil {
			sub_data, pres := raw_bucket.Extra[spec.Sub.Name]
			if pres {
				sub, err := parseNode(spec.Sub, sub_data)
				if err != nil {
					return nil, err
				}
				bucket.Sub = sub
			}
		}

		result.Buckets = append(result.Buckets, bucket)
	}

	normalizeOrder(result)
	return result, nil
}

func keyToString(key interface{}, key_as_string string) string {
	if key_as_string != "" {
		return key_as_string
	}

	switch t := key.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		data, _ := json.Marshal(key)
		return string(data)
	}
}

// Ordering is part of the contract regardless of what the index
// returned: terms buckets by count descending then key ascending,
// date histograms strictly chronological.
func normalizeOrder(result *Result) {
	switch result.Kind {
	case KindTerms:
		sort.SliceStable(result.Buckets, func(i, j int) bool {
			a, b := result.Buckets[i], result.Buckets[j]
			if a.Count != b.Count {
				return a.Count > b.Count
			}
			return a.Key < b.Key
		})

	case KindDateHistogram:
		sort.SliceStable(result.Buckets, func(i, j int) bool {
			return result.Buckets[i].Time.Before(result.Buckets[j].Time)
		})
	}
}
