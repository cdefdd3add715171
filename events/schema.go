package events

import "sort"

type FieldKind int

const (
	KindInvalid FieldKind = iota
	KindText
	KindKeyword
	KindDate
	KindLong
	KindBool
)

// Well known field names in the index mapping.
const (
	FieldTimestamp = "timestamp"
	FieldDatetime  = "datetime"
	FieldMessage   = "message"
	FieldTimeline  = "__ts_timeline_id"
	FieldTag       = "tag"
	FieldStar      = "__ts_star"
	FieldComment   = "__ts_comment"
	FieldEmoji     = "__ts_emojis"
	FieldAnalyzer  = "__ts_analyzer"
)

// Fields owned by the platform itself. Analyzers may not declare them
// as outputs and user filters may not reference the bookkeeping ones.
var reservedFields = map[string]bool{
	FieldTimestamp: true,
	FieldDatetime:  true,
	FieldTimeline:  true,
	FieldAnalyzer:  true,
	"_id":          true,
	"_index":       true,
}

func IsReservedField(name string) bool {
	return reservedFields[name]
}

// A Schema describes the queryable fields of a timeline's events. The
// query builder rejects filters on unknown fields rather than letting
// the index fall back to a full scan.
type Schema struct {
	fields map[string]FieldKind
}

func NewSchema(fields map[string]FieldKind) *Schema {
	copied := make(map[string]FieldKind, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return &Schema{fields: copied}
}

func (self *Schema) Kind(name string) FieldKind {
	kind, pres := self.fields[name]
	if !pres {
		return KindInvalid
	}
	return kind
}

func (self *Schema) HasField(name string) bool {
	_, pres := self.fields[name]
	return pres
}

func (self *Schema) Fields() []string {
	result := make([]string, 0, len(self.fields))
	for name := range self.fields {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

func (self *Schema) HasFields(names []string) (missing []string) {
	for _, name := range names {
		if !self.HasField(name) {
			missing = append(missing, name)
		}
	}
	return missing
}

// The baseline mapping every ingested timeline shares. Ingestion may
// extend it with artifact specific attributes.
func DefaultSchema() *Schema {
	return NewSchema(map[string]FieldKind{
		FieldTimestamp:   KindDate,
		FieldDatetime:    KindDate,
		FieldMessage:     KindText,
		FieldTag:         KindKeyword,
		FieldStar:        KindBool,
		FieldComment:     KindText,
		"source_short":   KindKeyword,
		"source_long":    KindKeyword,
		"timestamp_desc": KindKeyword,
		"hostname":       KindKeyword,
		"user":           KindKeyword,
		"url":            KindText,
		"domain":         KindKeyword,
		"filename":       KindKeyword,
		"data_type":      KindKeyword,
	})
}
