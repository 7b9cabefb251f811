package ui

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fieldnote/fieldnote/internal/record"
)

// Tests run without a terminal on stdout, so output is unstyled.

func TestQueueTableEmpty(t *testing.T) {
	assert.Contains(t, QueueTable(nil), "Queue is empty")
}

func TestQueueTable(t *testing.T) {
	now := time.Now().UTC()
	out := QueueTable([]*record.Record{
		{
			ID:        "aaaaaaaa-1111-2222-3333-444444444444",
			Kind:      record.KindText,
			Fields:    []record.Field{{Name: "content", Value: "x"}},
			CreatedAt: now.Add(-time.Minute),
		},
		{
			ID:         "bbbbbbbb-1111-2222-3333-444444444444",
			Kind:       record.KindPhoto,
			Fields:     []record.Field{{Name: "image"}},
			CreatedAt:  now,
			RetryCount: 2,
		},
		{
			ID:        "cccccccc-1111-2222-3333-444444444444",
			Kind:      record.KindURL,
			CreatedAt: now,
		},
	})

	assert.Contains(t, out, "3 pending capture(s)")
	assert.Contains(t, out, "aaaaaaaa")
	assert.Contains(t, out, "retrying (2)")
	assert.Contains(t, out, "corrupted")
}

func TestRecordDetail(t *testing.T) {
	now := time.Now().UTC()
	out := RecordDetail(&record.Record{
		ID:       "dddddddd-1111-2222-3333-444444444444",
		Kind:     record.KindPhoto,
		Endpoint: record.EndpointFor(record.KindPhoto),
		Fields: []record.Field{
			{Name: "caption", Value: "a very long caption that should be truncated when it exceeds the display width"},
			{Name: "image", Attachment: &record.Attachment{
				Data:      make([]byte, 2048),
				Filename:  "shot.jpg",
				MediaType: "image/jpeg",
			}},
		},
		CreatedAt: now,
	})

	assert.Contains(t, out, "photo")
	assert.Contains(t, out, "/api/capture/photo")
	assert.Contains(t, out, "shot.jpg")
	assert.Contains(t, out, "2048 bytes")
	assert.NotContains(t, out, "display width", "long values should be truncated")
}

func TestRecordDetailCorrupted(t *testing.T) {
	out := RecordDetail(&record.Record{
		ID:        "eeeeeeee-1111-2222-3333-444444444444",
		Kind:      record.KindText,
		Endpoint:  record.EndpointFor(record.KindText),
		CreatedAt: time.Now().UTC(),
	})
	assert.Contains(t, out, "corrupted")
}
