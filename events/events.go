// The events package holds the data model shared by the query,
// aggregation and analyzer layers. Events themselves live in the
// external index - these types are the in-process view of them.
package events

import (
	"time"

	"github.com/Velocidex/ordereddict"
)

type TimelineStatus string

const (
	TimelineReady      TimelineStatus = "ready"
	TimelineProcessing TimelineStatus = "processing"
	TimelineFailed     TimelineStatus = "failed"
)

// A Timeline is an ingested set of events. Identity (ID, IndexName)
// is immutable once ingestion completes, only the status changes.
type Timeline struct {
	ID       string
	SketchID string
	Name     string

	// The physical index holding this timeline's events.
	IndexName string

	Status TimelineStatus
}

// A Sketch is the scope boundary for every search, aggregation and
// analyzer run. Timelines carry the events, the sketch groups them.
type Sketch struct {
	ID            string
	Name          string
	Collaborators []string
	Timelines     []*Timeline
}

// One timestamped forensic record. Attributes preserve the order the
// index returned them in so chart and table output is stable.
type Event struct {
	ID         string
	TimelineID string
	Timestamp  time.Time
	Message    string
	Attributes *ordereddict.Dict
	Tags       []string

	// Per sketch annotations. Never part of the forensic content.
	Starred  bool
	Comments []string
}

func (self *Event) HasTag(tag string) bool {
	for _, t := range self.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Attribute returns a named attribute, falling back to the well known
// top level fields so analyzers can treat everything uniformly.
func (self *Event) Attribute(name string) (interface{}, bool) {
	switch name {
	case FieldMessage:
		return self.Message, true
	case FieldTimestamp:
		return self.Timestamp, true
	}

	if self.Attributes == nil {
		return nil, false
	}
	return self.Attributes.Get(name)
}

func (self *Event) AttributeString(name string) string {
	value, pres := self.Attribute(name)
	if !pres {
		return ""
	}
	str, ok := value.(string)
	if !ok {
		return ""
	}
	return str
}
