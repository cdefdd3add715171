package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	kingpin "github.com/alecthomas/kingpin/v2"
	"www.velocidex.com/golang/tracesketch/query"
)

var (
	search_command = app.Command("search", "Search events in a sketch.")

	search_sketch = search_command.Flag("sketch", "Sketch id.").
			Required().String()

	search_user = search_command.Flag("user", "Acting username.").
			Required().String()

	search_text = search_command.Arg("query", "Free text query.").String()

	search_timelines = search_command.Flag(
		"timeline", "Restrict to these timeline ids.").Strings()

	search_filters = search_command.Flag(
		"filter", "Field filter as field=value. Repeated values for "+
			"the same field are OR'ed.").Strings()

	search_saved = search_command.Flag(
		"saved", "Id of a saved search to run.").String()

	search_after = search_command.Flag(
		"after", "Only events at or after this RFC3339 time.").String()

	search_before = search_command.Flag(
		"before", "Only events strictly before this RFC3339 time.").String()

	search_from = search_command.Flag("from", "Pagination offset.").Uint64()
	search_size = search_command.Flag("size", "Page size.").Uint64()
)

func doSearch() {
	config_obj := loadConfig()

	ctx := context.Background()
	services := startServices(ctx, config_obj)
	defer services.Close()

	request := &query.SearchRequest{
		SketchID:      *search_sketch,
		UserID:        *search_user,
		TimelineIDs:   *search_timelines,
		SavedSearchID: *search_saved,
		Text:          *search_text,
		From:          *search_from,
		Size:          *search_size,
	}

	for _, raw_filter := range *search_filters {
		field, value, ok := strings.Cut(raw_filter, "=")
		if !ok {
			kingpin.Fatalf("Invalid filter %v, expected field=value.",
				raw_filter)
		}
		request.Filters = mergeFilter(request.Filters, field, value)
	}

	time_range, err := parseTimeRange(*search_after, *search_before)
	kingpin.FatalIfError(err, "Invalid time range.")
	request.TimeRange = time_range

	compiled, err := services.builder.Compile(ctx, request)
	kingpin.FatalIfError(err, "Compiling query.")

	result, err := services.event_store.Search(ctx,
		compiled.Scope, compiled.Query, compiled.From, compiled.Size)
	kingpin.FatalIfError(err, "Searching.")

	fmt.Printf("%v hits (%v shown, took %v)\n",
		result.Total, len(result.Events), result.Took)
	for _, event := range result.Events {
		tags := ""
		if len(event.Tags) > 0 {
			tags = " [" + strings.Join(event.Tags, ",") + "]"
		}
		fmt.Printf("%v %v%v\n",
			event.Timestamp.Format(time.RFC3339), event.Message, tags)
	}
}

func mergeFilter(filters []query.Filter,
	field, value string) []query.Filter {

	for idx, filter := range filters {
		if filter.Field == field && filter.Kind == query.FilterTerm {
			filters[idx].Values = append(filter.Values, value)
			return filters
		}
	}

	return append(filters, query.Filter{
		Kind:   query.FilterTerm,
		Field:  field,
		Values: []string{value},
	})
}

func parseTimeRange(after, before string) (*query.TimeRange, error) {
	if after == "" && before == "" {
		return nil, nil
	}

	result := &query.TimeRange{}
	var err error

	if after != "" {
		result.Start, err = time.Parse(time.RFC3339, after)
		if err != nil {
			return nil, err
		}
	}

	if before == "" {
		result.End = time.Now().UTC()
	} else {
		result.End, err = time.Parse(time.RFC3339, before)
		if err != nil {
			return nil, err
		}
	}

	return result, nil
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		if command == search_command.FullCommand() {
			doSearch()
			return true
		}
		return false
	})
}
