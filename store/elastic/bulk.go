package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"www.velocidex.com/golang/tracesketch/events"
	"www.velocidex.com/golang/tracesketch/store"
)

// The painless script applied by update_by_query. Tag writes are set
// semantics - adding a tag twice is a no-op, which is what makes
// idempotent analyzers safe to re-run.
const mutationScript = `
if (ctx._source[params.tag_field] == null) {
  ctx._source[params.tag_field] = [];
}
for (t in params.add_tags) {
  if (!ctx._source[params.tag_field].contains(t)) {
    ctx._source[params.tag_field].add(t);
  }
}
if (params.remove_tags.size() > 0) {
  ctx._source[params.tag_field].removeIf(t -> params.remove_tags.contains(t));
}
for (entry in params.attributes.entrySet()) {
  ctx._source[entry.getKey()] = entry.getValue();
}
`

func (self *ElasticStore) BulkUpdate(ctx context.Context,
	scope *store.Scope, query *store.Query,
	mutation *store.Mutation) (*store.BulkResult, error) {

	if scope.IsEmpty() {
		return nil, store.QueryRejected("bulk update with an empty scope")
	}
	if mutation.IsEmpty() {
		return &store.BulkResult{}, nil
	}

	opCounter.WithLabelValues("bulk_update").Inc()

	attributes := map[string]interface{}{}
	if mutation.SetAttributes != nil {
		for _, key := range mutation.SetAttributes.Keys() {
			if events.IsReservedField(key) {
				return nil, store.QueryRejected(
					"mutation writes reserved field %v", key)
			}
			value, _ := mutation.SetAttributes.Get(key)
			attributes[key] = value
		}
	}

	body_map := map[string]interface{}{
		"query": json.RawMessage(query.DSL),
		"script": map[string]interface{}{
			"source": strings.TrimSpace(mutationScript),
			"lang":   "painless",
			"params": map[string]interface{}{
				"tag_field":   events.FieldTag,
				"add_tags":    emptyIfNil(mutation.AddTags),
				"remove_tags": emptyIfNil(mutation.RemoveTags),
				"attributes":  attributes,
			},
		},
	}
	body, err := json.Marshal(body_map)
	if err != nil {
		return nil, store.QueryRejected("encoding mutation: %v", err)
	}

	op_ctx, cancel := self.opContext(ctx)
	defer cancel()

	client := self.client
	res, err := client.UpdateByQuery(
		scope.Indexes,
		client.UpdateByQuery.WithContext(op_ctx),
		client.UpdateByQuery.WithBody(bytes.NewReader(body)),
		client.UpdateByQuery.WithConflicts("proceed"),
		client.UpdateByQuery.WithRefresh(true),
	)
	if err != nil {
		opErrorCounter.WithLabelValues("bulk_update").Inc()
		return nil, store.ClassifyTransportError(err)
	}
	defer res.Body.Close()

	err = classifyResponse(res)
	if err != nil {
		opErrorCounter.WithLabelValues("bulk_update").Inc()
		return nil, err
	}

	var parsed struct {
		Updated  uint64 `json:"updated"`
		TimedOut bool   `json:"timed_out"`
		Failures []struct {
			ID string `json:"id"`
		} `json:"failures"`
	}
	err = json.NewDecoder(res.Body).Decode(&parsed)
	if err != nil {
		return nil, store.StoreUnavailable(
			"malformed update_by_query response: %v", err)
	}

	if parsed.TimedOut {
		return nil, store.StoreUnavailable("bulk update timed out")
	}

	result := &store.BulkResult{Updated: parsed.Updated}
	for _, failure := range parsed.Failures {
		result.FailedIDs = append(result.FailedIDs, failure.ID)
	}

	if len(result.FailedIDs) > 0 {
		self.logger.Warn(
			"bulk update partially applied: %v updated, %v failed",
			result.Updated, len(result.FailedIDs))
	}

	return result, nil
}

func emptyIfNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
