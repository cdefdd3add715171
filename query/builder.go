package query

import (
	"context"
	"encoding/json"
	"time"

	"www.velocidex.com/golang/tracesketch/config"
	"www.velocidex.com/golang/tracesketch/events"
	"www.velocidex.com/golang/tracesketch/scope"
	"www.velocidex.com/golang/tracesketch/store"
)

// SavedSearchResolver loads a stored query by id. Implemented by the
// datastore package.
type SavedSearchResolver interface {
	GetSavedSearch(ctx context.Context,
		sketch_id, saved_search_id string) (*SearchRequest, error)
}

type Builder struct {
	config_obj *config.Config
	scope_ctx  scope.Context
	saved      SavedSearchResolver
}

// NewBuilder builds the production query builder. The saved search
// resolver may be nil when stored queries are not in play (tests,
// analyzer internal queries).
func NewBuilder(config_obj *config.Config,
	scope_ctx scope.Context, saved SavedSearchResolver) *Builder {
	return &Builder{
		config_obj: config_obj,
		scope_ctx:  scope_ctx,
		saved:      saved,
	}
}

// Compiled is what the store adapter consumes: the native query, the
// resolved scope, and the final pagination window.
type Compiled struct {
	Query *store.Query
	Scope *store.Scope
	From  uint64
	Size  uint64
}

// Compile validates and translates a search request. Permission is
// checked before anything else - a denied caller learns nothing about
// the sketch, not even whether its timelines exist.
func (self *Builder) Compile(ctx context.Context,
	request *SearchRequest) (*Compiled, error) {

	err := self.scope_ctx.CheckPermission(ctx,
		request.SketchID, request.UserID, scope.ActionRead)
	if err != nil {
		return nil, err
	}

	if request.SavedSearchID != "" {
		request, err = self.mergeSavedSearch(ctx, request)
		if err != nil {
			return nil, err
		}
	}

	resolved, err := self.scope_ctx.ResolveScope(ctx,
		request.SketchID, request.TimelineIDs)
	if err != nil {
		return nil, err
	}

	if resolved.IsEmpty() {
		return nil, store.QueryRejected(
			"sketch %v has no ready timelines in scope", request.SketchID)
	}

	size := request.Size
	if size == 0 {
		size = self.config_obj.Query.DefaultPageSize
	}
	if size > self.config_obj.Query.MaxPageSize {
		return nil, store.QueryRejected(
			"page size %v exceeds the maximum of %v",
			size, self.config_obj.Query.MaxPageSize)
	}

	schema, err := self.MergedSchema(ctx, resolved)
	if err != nil {
		return nil, err
	}

	err = validateFilters(request.Filters, schema)
	if err != nil {
		return nil, err
	}

	sort_fields, err := buildSort(request.Sort, schema)
	if err != nil {
		return nil, err
	}

	dsl, err := BuildDSL(request, resolved)
	if err != nil {
		return nil, err
	}

	return &Compiled{
		Query: &store.Query{
			DSL:  dsl,
			Sort: sort_fields,
		},
		Scope: resolved,
		From:  request.From,
		Size:  size,
	}, nil
}

func (self *Builder) mergeSavedSearch(ctx context.Context,
	request *SearchRequest) (*SearchRequest, error) {

	if self.saved == nil {
		return nil, store.QueryRejected(
			"saved search %v requested but no resolver is configured",
			request.SavedSearchID)
	}

	stored, err := self.saved.GetSavedSearch(ctx,
		request.SketchID, request.SavedSearchID)
	if err != nil {
		return nil, err
	}

	merged := *stored
	merged.SketchID = request.SketchID
	merged.UserID = request.UserID
	merged.From = request.From
	merged.Size = request.Size

	// Explicit members on the live request win over the stored ones.
	if request.Text != "" {
		merged.Text = request.Text
	}
	if len(request.TimelineIDs) > 0 {
		merged.TimelineIDs = request.TimelineIDs
	}
	if len(request.Filters) > 0 {
		merged.Filters = request.Filters
	}
	if request.TimeRange != nil {
		merged.TimeRange = request.TimeRange
	}
	if request.Sort.Field != "" {
		merged.Sort = request.Sort
	}

	return &merged, nil
}

// The union of every in-scope timeline's schema. A filter is valid if
// any timeline in scope can serve it.
func (self *Builder) MergedSchema(ctx context.Context,
	resolved *store.Scope) (*events.Schema, error) {

	fields := make(map[string]events.FieldKind)
	for _, timeline_id := range resolved.TimelineIDs {
		schema, err := self.scope_ctx.TimelineSchema(ctx, timeline_id)
		if err != nil {
			return nil, err
		}
		for _, name := range schema.Fields() {
			fields[name] = schema.Kind(name)
		}
	}

	return events.NewSchema(fields), nil
}

func validateFilters(filters []Filter, schema *events.Schema) error {
	for _, filter := range filters {
		if filter.Field == "" {
			return store.QueryRejected("filter with empty field name")
		}

		if events.IsReservedField(filter.Field) &&
			filter.Field != events.FieldTimestamp {
			return store.QueryRejected(
				"filter on reserved field %v", filter.Field)
		}

		if !schema.HasField(filter.Field) {
			return store.QueryRejected(
				"filter references unknown field %v", filter.Field)
		}

		switch filter.Kind {
		case FilterTerm:
			if len(filter.Values) == 0 {
				return store.QueryRejected(
					"term filter on %v has no values", filter.Field)
			}
		case FilterRange:
			if filter.From == "" && filter.To == "" {
				return store.QueryRejected(
					"range filter on %v has no bounds", filter.Field)
			}
		default:
			return store.QueryRejected(
				"unknown filter kind %v on %v", filter.Kind, filter.Field)
		}
	}
	return nil
}

// Sort is always made deterministic by a document id tie break, so
// repeated paginated queries see a stable order.
func buildSort(sort Sort, schema *events.Schema) ([]store.SortField, error) {
	field := sort.Field
	ascending := sort.Ascending

	if field == "" {
		field = events.FieldTimestamp
		ascending = true
	} else if !schema.HasField(field) {
		return nil, store.QueryRejected("sort on unknown field %v", field)
	}

	result := []store.SortField{{Field: field, Ascending: ascending}}
	if field != "_id" {
		result = append(result, store.SortField{Field: "_id", Ascending: true})
	}
	return result, nil
}

// BuildDSL renders the bool query body. Exported for the aggregation
// engine, which shares the same filtering semantics.
func BuildDSL(request *SearchRequest, resolved *store.Scope) (
	json.RawMessage, error) {

	var must []interface{}
	var filter []interface{}

	if request.Text != "" {
		must = append(must, map[string]interface{}{
			"query_string": map[string]interface{}{
				"query":            request.Text,
				"default_operator": "AND",
			},
		})
	}

	for _, f := range request.Filters {
		switch f.Kind {
		case FilterTerm:
			filter = append(filter, map[string]interface{}{
				"terms": map[string]interface{}{
					f.Field: f.Values,
				},
			})

		case FilterRange:
			bounds := make(map[string]interface{})
			if f.From != "" {
				bounds["gte"] = f.From
			}
			if f.To != "" {
				bounds["lt"] = f.To
			}
			filter = append(filter, map[string]interface{}{
				"range": map[string]interface{}{
					f.Field: bounds,
				},
			})
		}
	}

	if request.TimeRange != nil {
		filter = append(filter, map[string]interface{}{
			"range": map[string]interface{}{
				events.FieldTimestamp: map[string]interface{}{
					"gte": request.TimeRange.Start.UTC().Format(time.RFC3339Nano),
					"lt":  request.TimeRange.End.UTC().Format(time.RFC3339Nano),
				},
			},
		})
	}

	// Timelines may share a physical index, so scope is enforced in
	// the query as well as in the index list.
	filter = append(filter, map[string]interface{}{
		"terms": map[string]interface{}{
			events.FieldTimeline: resolved.TimelineIDs,
		},
	})

	body := map[string]interface{}{
		"bool": map[string]interface{}{
			"filter": filter,
		},
	}
	if len(must) > 0 {
		body["bool"].(map[string]interface{})["must"] = must
	}

	return json.Marshal(body)
}
