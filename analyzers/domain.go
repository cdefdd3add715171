package analyzers

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/Velocidex/ordereddict"
)

const (
	domainTag       = "browsing-domain"
	tagBatchSize    = 1000
	domainAttribute = "domain"
)

// The domain analyzer extracts the hostname from url bearing events
// and writes it back as a queryable attribute. Downstream analyzers
// (threat intel matching) depend on its output.
type DomainAnalyzer struct{}

func (self DomainAnalyzer) Name() string        { return "domain" }
func (self DomainAnalyzer) DisplayName() string { return "Domain extraction" }

func (self DomainAnalyzer) RequiredFields() []string { return []string{"url"} }
func (self DomainAnalyzer) OutputTags() []string     { return []string{domainTag} }
func (self DomainAnalyzer) Dependencies() []string   { return nil }

// Writing the same attribute/tag twice converges, so re-runs are
// safe.
func (self DomainAnalyzer) IsIdempotent() bool { return true }

func (self DomainAnalyzer) Run(ctx context.Context,
	run *RunContext) (*Result, error) {

	// Event ids grouped by extracted domain - each group gets the
	// domain written as an attribute in one bulk call.
	groups := make(map[string][]string)
	counts := make(map[string]uint64)

	for event := range run.Events {
		raw_url := event.AttributeString("url")
		if raw_url == "" {
			continue
		}

		domain := extractDomain(raw_url)
		if domain == "" {
			continue
		}

		groups[domain] = append(groups[domain], event.ID)
		counts[domain]++
	}

	result := &Result{}
	for domain, ids := range groups {
		for start := 0; start < len(ids); start += tagBatchSize {
			end := start + tagBatchSize
			if end > len(ids) {
				end = len(ids)
			}

			bulk, err := run.Tagger.TagEvents(ctx, ids[start:end],
				[]string{domainTag},
				ordereddict.NewDict().Set(domainAttribute, domain))
			if err != nil {
				return nil, err
			}
			result.TaggedCount += bulk.Updated
		}
	}

	result.Finding = describeDomains(counts)
	return result, nil
}

func extractDomain(raw_url string) string {
	if !strings.Contains(raw_url, "://") {
		raw_url = "http://" + raw_url
	}

	parsed, err := url.Parse(raw_url)
	if err != nil {
		return ""
	}

	host := strings.ToLower(parsed.Hostname())
	return strings.TrimSuffix(host, ".")
}

func describeDomains(counts map[string]uint64) string {
	if len(counts) == 0 {
		return "No domains discovered"
	}

	var domains []string
	var total uint64
	for domain, count := range counts {
		domains = append(domains, domain)
		total += count
	}
	sort.Strings(domains)

	sample := domains
	if len(sample) > 10 {
		sample = sample[:10]
	}

	return fmt.Sprintf("%v domains discovered across %v events (%v)",
		len(domains), total, strings.Join(sample, ", "))
}

func init() {
	RegisterAnalyzer(DomainAnalyzer{})
}
