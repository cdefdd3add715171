package elastic

import (
	"encoding/json"
	"io"
	"time"

	"github.com/Velocidex/ordereddict"
	"www.velocidex.com/golang/tracesketch/events"
	"www.velocidex.com/golang/tracesketch/store"
)

type searchPage struct {
	events    []*events.Event
	total     uint64
	took_ms   uint64
	scroll_id string
}

type wireHit struct {
	ID     string          `json:"_id"`
	Index  string          `json:"_index"`
	Source json.RawMessage `json:"_source"`
}

type wireResponse struct {
	Took     uint64 `json:"took"`
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Total struct {
			Value uint64 `json:"value"`
		} `json:"total"`
		Hits []wireHit `json:"hits"`
	} `json:"hits"`
}

func decodeSearchResponse(body io.Reader) (*searchPage, error) {
	var parsed wireResponse
	err := json.NewDecoder(body).Decode(&parsed)
	if err != nil {
		return nil, store.StoreUnavailable(
			"malformed search response: %v", err)
	}

	page := &searchPage{
		total:     parsed.Hits.Total.Value,
		took_ms:   parsed.Took,
		scroll_id: parsed.ScrollID,
	}

	for _, hit := range parsed.Hits.Hits {
		event, err := decodeEvent(hit)
		if err != nil {
			// A single undecodable document should not fail the
			// whole page, but it is worth knowing about.
			continue
		}
		page.events = append(page.events, event)
	}

	return page, nil
}

// decodeEvent lifts the well known fields out of the source document
// and leaves everything else as ordered attributes.
func decodeEvent(hit wireHit) (*events.Event, error) {
	source := ordereddict.NewDict()
	err := source.UnmarshalJSON(hit.Source)
	if err != nil {
		return nil, err
	}

	event := &events.Event{
		ID:         hit.ID,
		Attributes: ordereddict.NewDict(),
	}

	for _, key := range source.Keys() {
		value, _ := source.Get(key)

		switch key {
		case events.FieldTimestamp:
			event.Timestamp = parseTimestamp(value)

		case events.FieldMessage:
			str, ok := value.(string)
			if ok {
				event.Message = str
			}

		case events.FieldTimeline:
			str, ok := value.(string)
			if ok {
				event.TimelineID = str
			}

		case events.FieldTag:
			event.Tags = toStringSlice(value)

		case events.FieldStar:
			b, ok := value.(bool)
			if ok {
				event.Starred = b
			}

		case events.FieldComment:
			event.Comments = toStringSlice(value)

		default:
			event.Attributes.Set(key, value)
		}
	}

	return event, nil
}

func parseTimestamp(value interface{}) time.Time {
	switch t := value.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err == nil {
			return parsed
		}

	case float64:
		// Epoch microseconds, the way ingestion writes them.
		return time.UnixMicro(int64(t)).UTC()

	case json.Number:
		micros, err := t.Int64()
		if err == nil {
			return time.UnixMicro(micros).UTC()
		}
	}
	return time.Time{}
}

func toStringSlice(value interface{}) []string {
	switch t := value.(type) {
	case []string:
		return t

	case []interface{}:
		var result []string
		for _, item := range t {
			str, ok := item.(string)
			if ok {
				result = append(result, str)
			}
		}
		return result

	case string:
		return []string{t}
	}
	return nil
}
