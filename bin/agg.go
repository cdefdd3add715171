package main

import (
	"context"
	"fmt"
	"strings"

	kingpin "github.com/alecthomas/kingpin/v2"
	"www.velocidex.com/golang/tracesketch/aggregations"
	"www.velocidex.com/golang/tracesketch/query"
)

var (
	agg_command = app.Command("agg",
		"Aggregate events in a sketch into buckets.")

	agg_sketch = agg_command.Flag("sketch", "Sketch id.").
			Required().String()

	agg_user = agg_command.Flag("user", "Acting username.").
			Required().String()

	agg_text = agg_command.Arg("query", "Free text query scoping "+
		"the aggregated events.").String()

	agg_timelines = agg_command.Flag(
		"timeline", "Restrict to these timeline ids.").Strings()

	agg_terms = agg_command.Flag(
		"terms", "Bucket by the values of this field.").Strings()

	agg_histogram = agg_command.Flag(
		"histogram", "Date histogram as field:interval, e.g. "+
			"timestamp:1h.").Strings()
)

func doAggregate() {
	config_obj := loadConfig()

	ctx := context.Background()
	services := startServices(ctx, config_obj)
	defer services.Close()

	request := &aggregations.Request{
		SearchRequest: query.SearchRequest{
			SketchID:    *agg_sketch,
			UserID:      *agg_user,
			TimelineIDs: *agg_timelines,
			Text:        *agg_text,
		},
	}

	for idx, field := range *agg_terms {
		request.Buckets = append(request.Buckets, &aggregations.BucketSpec{
			Name:  fmt.Sprintf("terms_%v", idx),
			Kind:  aggregations.KindTerms,
			Field: field,
		})
	}

	for idx, raw := range *agg_histogram {
		field, interval, ok := strings.Cut(raw, ":")
		if !ok {
			kingpin.Fatalf("Invalid histogram %v, expected field:interval.",
				raw)
		}
		request.Buckets = append(request.Buckets, &aggregations.BucketSpec{
			Name:     fmt.Sprintf("histogram_%v", idx),
			Kind:     aggregations.KindDateHistogram,
			Field:    field,
			Interval: interval,
		})
	}

	if len(request.Buckets) == 0 {
		kingpin.Fatalf("Specify at least one --terms or --histogram.")
	}

	results, err := services.engine.Run(ctx, request)
	kingpin.FatalIfError(err, "Running aggregation.")

	for _, result := range results {
		fmt.Printf("%v (%v):\n", result.Name, result.Kind)
		series := result.Series()
		for _, key := range series.Keys() {
			count, _ := series.Get(key)
			fmt.Printf("  %v: %v\n", key, count)
		}
	}
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		if command == agg_command.FullCommand() {
			doAggregate()
			return true
		}
		return false
	})
}
