// The aggregations package composes multi bucket aggregations over a
// query scoped event set and shapes the results into chart ready
// series. Specs are trees: each named bucket may carry one sub
// aggregation, bounded by a configured maximum depth.
package aggregations

import (
	"encoding/json"

	"www.velocidex.com/golang/tracesketch/events"
	"www.velocidex.com/golang/tracesketch/query"
	"www.velocidex.com/golang/tracesketch/store"
)

type BucketKind string

const (
	KindTerms         BucketKind = "terms"
	KindDateHistogram BucketKind = "date_histogram"
)

type BucketSpec struct {
	Name  string
	Kind  BucketKind
	Field string

	// Terms only: how many buckets to return. Zero means 10.
	Size uint64

	// Date histogram only: a fixed interval like "1h" or "1d".
	Interval string

	Sub *BucketSpec
}

type Request struct {
	query.SearchRequest

	Buckets []*BucketSpec
}

func (self *BucketSpec) depth() uint64 {
	if self.Sub == nil {
		return 1
	}
	return 1 + self.Sub.depth()
}

func validateSpec(spec *BucketSpec, schema *events.Schema,
	max_depth uint64) error {

	if spec.depth() > max_depth {
		return store.QueryRejected(
			"aggregation %v exceeds the maximum depth of %v",
			spec.Name, max_depth)
	}

	for node := spec; node != nil; node = node.Sub {
		if node.Name == "" {
			return store.QueryRejected("aggregation bucket without a name")
		}
		if !schema.HasField(node.Field) {
			return store.QueryRejected(
				"aggregation %v references unknown field %v",
				node.Name, node.Field)
		}

		switch node.Kind {
		case KindTerms:

		case KindDateHistogram:
			if schema.Kind(node.Field) != events.KindDate {
				return store.QueryRejected(
					"aggregation %v: date histogram over non date field %v",
					node.Name, node.Field)
			}
			if node.Interval == "" {
				return store.QueryRejected(
					"aggregation %v: date histogram needs an interval",
					node.Name)
			}

		default:
			return store.QueryRejected(
				"aggregation %v: unknown bucket kind %v",
				node.Name, node.Kind)
		}
	}

	return nil
}

// compileSpecs renders the native aggregation tree. Terms buckets are
// explicitly ordered by count descending with a key ascending tie
// break so pagination of charts is stable.
func compileSpecs(specs []*BucketSpec) (json.RawMessage, error) {
	aggs := make(map[string]interface{})
	for _, spec := range specs {
		aggs[spec.Name] = compileNode(spec)
	}
	return json.Marshal(aggs)
}

func compileNode(spec *BucketSpec) map[string]interface{} {
	node := make(map[string]interface{})

	switch spec.Kind {
	case KindTerms:
		size := spec.Size
		if size == 0 {
			size = 10
		}
		node["terms"] = map[string]interface{}{
			"field": spec.Field,
			"size":  size,
			"order": []interface{}{
				map[string]interface{}{"_count": "desc"},
				map[string]interface{}{"_key": "asc"},
			},
		}

	case KindDateHistogram:
		node["date_histogram"] = map[string]interface{}{
			"field":          spec.Field,
			"fixed_interval": spec.Interval,
			"min_doc_count":  0,
		}
	}

	if spec.Sub != nil {
		node["aggs"] = map[string]interface{}{
			spec.Sub.Name: compileNode(spec.Sub),
		}
	}

	return node
}
