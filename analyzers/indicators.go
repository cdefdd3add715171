package analyzers

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"www.velocidex.com/golang/tracesketch/store"
)

const (
	indicatorTag = "threat-intel"
)

// One entry of the intel feed. Pattern is a regular expression
// matched against the event's domain and message.
type indicator struct {
	Name    string `json:"name"`
	Pattern string `json:"pattern"`
	Type    string `json:"type"`

	re *regexp.Regexp
}

// The indicators analyzer marks events matching threat intel
// indicators fetched from a configured feed. It reads the domain
// attribute written by the domain analyzer, hence the declared
// dependency.
type IndicatorAnalyzer struct{}

func (self IndicatorAnalyzer) Name() string        { return "indicators" }
func (self IndicatorAnalyzer) DisplayName() string { return "Threat intel indicators" }

func (self IndicatorAnalyzer) RequiredFields() []string {
	return []string{"message", "domain"}
}

func (self IndicatorAnalyzer) OutputTags() []string {
	return []string{indicatorTag}
}

func (self IndicatorAnalyzer) Dependencies() []string {
	return []string{"domain"}
}

func (self IndicatorAnalyzer) IsIdempotent() bool { return true }

func (self IndicatorAnalyzer) Run(ctx context.Context,
	run *RunContext) (*Result, error) {

	analyzer_config := run.ConfigObj.Analyzers
	if analyzer_config == nil || analyzer_config.IndicatorFeedURL == "" {
		return nil, store.QueryRejected(
			"indicators analyzer needs Analyzers.indicator_feed_url")
	}

	indicators, err := fetchIndicators(ctx,
		analyzer_config.IndicatorFeedURL, analyzer_config.IndicatorFeedKey)
	if err != nil {
		return nil, err
	}

	if len(indicators) == 0 {
		return &Result{Finding: "Indicator feed is empty"}, nil
	}

	// Matched event ids per indicator name.
	matches := make(map[string][]string)

	for event := range run.Events {
		haystack := event.AttributeString("domain") + " " + event.Message

		for _, ind := range indicators {
			if ind.re.MatchString(haystack) {
				matches[ind.Name] = append(matches[ind.Name], event.ID)
			}
		}
	}

	result := &Result{}
	var matched_names []string
	for name, ids := range matches {
		matched_names = append(matched_names, name)

		tags := []string{indicatorTag, indicatorTag + ":" + slugify(name)}
		for start := 0; start < len(ids); start += tagBatchSize {
			end := start + tagBatchSize
			if end > len(ids) {
				end = len(ids)
			}

			bulk, err := run.Tagger.TagEvents(ctx, ids[start:end], tags, nil)
			if err != nil {
				return nil, err
			}
			result.TaggedCount += bulk.Updated
		}
	}

	if len(matched_names) == 0 {
		result.Finding = fmt.Sprintf(
			"No events matched %v indicators", len(indicators))
	} else {
		result.Finding = fmt.Sprintf(
			"%v indicators matched events: %v",
			len(matched_names), strings.Join(matched_names, ", "))
	}
	return result, nil
}

func fetchIndicators(ctx context.Context,
	feed_url, feed_key string) ([]*indicator, error) {

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil

	req, err := retryablehttp.NewRequestWithContext(
		ctx, "GET", feed_url, nil)
	if err != nil {
		return nil, store.QueryRejected("indicator feed url: %v", err)
	}
	if feed_key != "" {
		req.Header.Set("Authorization", "Bearer "+feed_key)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, store.StoreUnavailable("fetching indicator feed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, store.StoreUnavailable(
			"indicator feed returned status %v", resp.StatusCode)
	}

	var parsed []*indicator
	err = json.NewDecoder(resp.Body).Decode(&parsed)
	if err != nil {
		return nil, store.QueryRejected("malformed indicator feed: %v", err)
	}

	var result []*indicator
	for _, ind := range parsed {
		if ind.Name == "" || ind.Pattern == "" {
			continue
		}

		re, err := regexp.Compile(ind.Pattern)
		if err != nil {
			// A broken entry in the feed should not disable the
			// whole run.
			continue
		}
		ind.re = re
		result = append(result, ind)
	}

	return result, nil
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(text string) string {
	slug := slugRe.ReplaceAllString(strings.ToLower(text), "-")
	return strings.Trim(slug, "-")
}

func init() {
	RegisterAnalyzer(IndicatorAnalyzer{})
}
