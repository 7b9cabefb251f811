package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindValid(t *testing.T) {
	for _, k := range Kinds() {
		assert.True(t, k.Valid(), "kind %s should be valid", k)
	}
	assert.False(t, Kind("").Valid())
	assert.False(t, Kind("screenshot").Valid())
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("photo")
	require.NoError(t, err)
	assert.Equal(t, KindPhoto, k)

	_, err = ParseKind("movie")
	assert.Error(t, err)
}

func TestEndpointFor(t *testing.T) {
	assert.Equal(t, "/api/capture/text", EndpointFor(KindText))
	assert.Equal(t, "/api/capture/book", EndpointFor(KindBook))
}

func validRecord() *Record {
	return &Record{
		ID:        "rec-1",
		Endpoint:  EndpointFor(KindText),
		Kind:      KindText,
		Fields:    []Field{{Name: "content", Value: "hello"}},
		CreatedAt: time.Now().UTC(),
	}
}

func TestRecordValidate(t *testing.T) {
	require.NoError(t, validRecord().Validate())

	tests := []struct {
		name   string
		mutate func(*Record)
	}{
		{"missing id", func(r *Record) { r.ID = "" }},
		{"missing endpoint", func(r *Record) { r.Endpoint = "" }},
		{"invalid kind", func(r *Record) { r.Kind = "unknown" }},
		{"nil fields", func(r *Record) { r.Fields = nil }},
		{"zero created_at", func(r *Record) { r.CreatedAt = time.Time{} }},
		{"negative retry count", func(r *Record) { r.RetryCount = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := validRecord()
			tt.mutate(rec)
			assert.Error(t, rec.Validate())
		})
	}
}

func TestFieldIsAttachment(t *testing.T) {
	assert.False(t, Field{Name: "content", Value: "x"}.IsAttachment())
	assert.True(t, Field{
		Name:       "image",
		Attachment: &Attachment{Data: []byte{0x1}, Filename: "a.jpg"},
	}.IsAttachment())
}

func TestRepeatedFieldNamesAllowed(t *testing.T) {
	rec := validRecord()
	rec.Kind = KindBook
	rec.Endpoint = EndpointFor(KindBook)
	rec.Fields = []Field{
		{Name: "pages", Attachment: &Attachment{Data: []byte{0x1}, Filename: "p1.jpg"}},
		{Name: "pages", Attachment: &Attachment{Data: []byte{0x2}, Filename: "p2.jpg"}},
	}
	assert.NoError(t, rec.Validate())
}
