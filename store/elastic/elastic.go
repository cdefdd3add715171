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

// Elasticsearch implementation of the store contract.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	elasticsearch "github.com/Velocidex/go-elasticsearch/v9"
	"github.com/Velocidex/go-elasticsearch/v9/esapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"www.velocidex.com/golang/tracesketch/config"
	"www.velocidex.com/golang/tracesketch/logging"
	"www.velocidex.com/golang/tracesketch/store"
)

var (
	opCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracesketch_store_operations_total",
		Help: "Total operations issued to the event index.",
	}, []string{"operation"})

	opErrorCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracesketch_store_operation_errors_total",
		Help: "Operations against the event index that failed.",
	}, []string{"operation"})
)

type ElasticStore struct {
	config_obj *config.Config
	client     *elasticsearch.Client
	logger     *logging.LogContext
}

func NewElasticStore(config_obj *config.Config) (*ElasticStore, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: config_obj.Elastic.Addresses,
		Username:  config_obj.Elastic.Username,
		Password:  config_obj.Elastic.Password,
	})
	if err != nil {
		return nil, store.StoreUnavailable("connecting to index: %v", err)
	}

	return &ElasticStore{
		config_obj: config_obj,
		client:     client,
		logger:     logging.GetLogger(config_obj, &logging.StoreComponent),
	}, nil
}

func (self *ElasticStore) opContext(ctx context.Context) (
	context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, self.config_obj.OperationTimeout())
}

func (self *ElasticStore) Search(ctx context.Context,
	scope *store.Scope, query *store.Query,
	from, size uint64) (*store.SearchResult, error) {

	if scope.IsEmpty() {
		return nil, store.QueryRejected("search with an empty scope")
	}

	opCounter.WithLabelValues("search").Inc()

	body, err := searchBody(query, &from, &size)
	if err != nil {
		return nil, store.QueryRejected("encoding query: %v", err)
	}

	op_ctx, cancel := self.opContext(ctx)
	defer cancel()

	res, err := self.client.Search(
		self.client.Search.WithContext(op_ctx),
		self.client.Search.WithIndex(scope.Indexes...),
		self.client.Search.WithBody(bytes.NewReader(body)),
		self.client.Search.WithTrackTotalHits(true),
	)
	if err != nil {
		opErrorCounter.WithLabelValues("search").Inc()
		return nil, store.ClassifyTransportError(err)
	}
	defer res.Body.Close()

	err = classifyResponse(res)
	if err != nil {
		opErrorCounter.WithLabelValues("search").Inc()
		return nil, err
	}

	page, err := decodeSearchResponse(res.Body)
	if err != nil {
		return nil, err
	}

	return &store.SearchResult{
		Events: page.events,
		Total:  page.total,
		Took:   time.Duration(page.took_ms) * time.Millisecond,
	}, nil
}

func (self *ElasticStore) Aggregate(ctx context.Context,
	scope *store.Scope, query *store.Query,
	aggs json.RawMessage) (json.RawMessage, error) {

	if scope.IsEmpty() {
		return nil, store.QueryRejected("aggregation with an empty scope")
	}

	opCounter.WithLabelValues("aggregate").Inc()

	body_map := map[string]interface{}{
		"query": json.RawMessage(query.DSL),
		"aggs":  aggs,
		"size":  0,
	}
	body, err := json.Marshal(body_map)
	if err != nil {
		return nil, store.QueryRejected("encoding aggregation: %v", err)
	}

	op_ctx, cancel := self.opContext(ctx)
	defer cancel()

	res, err := self.client.Search(
		self.client.Search.WithContext(op_ctx),
		self.client.Search.WithIndex(scope.Indexes...),
		self.client.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		opErrorCounter.WithLabelValues("aggregate").Inc()
		return nil, store.ClassifyTransportError(err)
	}
	defer res.Body.Close()

	err = classifyResponse(res)
	if err != nil {
		opErrorCounter.WithLabelValues("aggregate").Inc()
		return nil, err
	}

	var parsed struct {
		Aggregations json.RawMessage `json:"aggregations"`
	}
	err = json.NewDecoder(res.Body).Decode(&parsed)
	if err != nil {
		return nil, store.StoreUnavailable(
			"malformed aggregation response: %v", err)
	}

	return parsed.Aggregations, nil
}

// searchBody renders the request body. from/size may be nil when the
// caller manages pagination itself (scrolling).
func searchBody(query *store.Query, from, size *uint64) ([]byte, error) {
	body := map[string]interface{}{
		"query": json.RawMessage(query.DSL),
	}

	if from != nil {
		body["from"] = *from
	}
	if size != nil {
		body["size"] = *size
	}

	if len(query.Sort) > 0 {
		var sort_list []interface{}
		for _, field := range query.Sort {
			order := "desc"
			if field.Ascending {
				order = "asc"
			}
			sort_list = append(sort_list, map[string]interface{}{
				field.Field: map[string]interface{}{"order": order},
			})
		}
		body["sort"] = sort_list
	}

	return json.Marshal(body)
}

// classifyResponse maps HTTP level failure onto the error taxonomy.
// 4xx means the request can never succeed, everything else is
// transient.
func classifyResponse(res *esapi.Response) error {
	if !res.IsError() {
		return nil
	}

	reason := decodeErrorReason(res)

	switch {
	case res.StatusCode == 403:
		return store.Forbidden("index denied the request: %v", reason)

	case res.StatusCode >= 400 && res.StatusCode < 500 &&
		res.StatusCode != 408 && res.StatusCode != 429:
		return store.QueryRejected("%v", reason)

	default:
		return store.StoreUnavailable(
			"index returned status %v: %v", res.StatusCode, reason)
	}
}

func decodeErrorReason(res *esapi.Response) string {
	var parsed struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}

	err := json.NewDecoder(res.Body).Decode(&parsed)
	if err != nil || parsed.Error.Reason == "" {
		return res.Status()
	}
	return parsed.Error.Type + ": " + parsed.Error.Reason
}
