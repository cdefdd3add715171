package events_test

import (
	"testing"

	"github.com/Velocidex/ordereddict"
	"github.com/stretchr/testify/assert"
	"www.velocidex.com/golang/tracesketch/events"
)

func TestSchemaLookups(t *testing.T) {
	schema := events.NewSchema(map[string]events.FieldKind{
		"message":  events.KindText,
		"src_ip":   events.KindKeyword,
		"datetime": events.KindDate,
	})

	assert.True(t, schema.HasField("src_ip"))
	assert.False(t, schema.HasField("dst_ip"))
	assert.Equal(t, events.KindDate, schema.Kind("datetime"))
	assert.Equal(t, events.KindInvalid, schema.Kind("dst_ip"))

	missing := schema.HasFields([]string{"message", "url", "domain"})
	assert.Equal(t, []string{"url", "domain"}, missing)

	assert.Equal(t,
		[]string{"datetime", "message", "src_ip"}, schema.Fields())
}

func TestDefaultSchemaCoversWellKnownFields(t *testing.T) {
	schema := events.DefaultSchema()

	assert.Equal(t, events.KindDate, schema.Kind(events.FieldTimestamp))
	assert.Equal(t, events.KindText, schema.Kind(events.FieldMessage))
	assert.Equal(t, events.KindKeyword, schema.Kind(events.FieldTag))
	assert.True(t, schema.HasField("url"))
	assert.True(t, schema.HasField("hostname"))
}

func TestReservedFields(t *testing.T) {
	assert.True(t, events.IsReservedField(events.FieldTimeline))
	assert.True(t, events.IsReservedField("_id"))
	assert.False(t, events.IsReservedField("tag"))
	assert.False(t, events.IsReservedField("hostname"))
}

func TestEventAttributeFallbacks(t *testing.T) {
	event := &events.Event{
		ID:      "e1",
		Message: "logon",
		Attributes: ordereddict.NewDict().
			Set("hostname", "ws01"),
		Tags: []string{"suspicious"},
	}

	// message is reachable through the attribute interface even
	// though it is a top level field.
	assert.Equal(t, "logon", event.AttributeString("message"))
	assert.Equal(t, "ws01", event.AttributeString("hostname"))
	assert.Equal(t, "", event.AttributeString("missing"))

	assert.True(t, event.HasTag("suspicious"))
	assert.False(t, event.HasTag("benign"))

	bare := &events.Event{ID: "e2"}
	assert.Equal(t, "", bare.AttributeString("hostname"))
}
