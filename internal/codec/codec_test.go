package codec

import (
	"io"
	"mime"
	"mime/multipart"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldnote/fieldnote/internal/record"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	data := []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0xff}
	fields := []record.Field{
		{Name: "caption", Value: "whiteboard after standup"},
		{Name: "image", Attachment: &record.Attachment{
			Data:      data,
			Filename:  "board.png",
			MediaType: "image/png",
		}},
	}

	rec, err := Encode(record.KindPhoto, fields, "tok-abc")
	require.NoError(t, err)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "/api/capture/photo", rec.Endpoint)
	assert.Equal(t, record.KindPhoto, rec.Kind)
	assert.Equal(t, "tok-abc", rec.AuthToken)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.Equal(t, 0, rec.RetryCount)

	sub, err := Decode(rec)
	require.NoError(t, err)

	assert.Equal(t, rec.Endpoint, sub.Endpoint)
	require.Len(t, sub.Fields, 2)
	assert.Equal(t, "whiteboard after standup", sub.Fields[0].Value)
	require.NotNil(t, sub.Fields[1].Attachment)
	assert.Equal(t, data, sub.Fields[1].Attachment.Data)
	assert.Equal(t, "board.png", sub.Fields[1].Attachment.Filename)
	assert.Equal(t, "image/png", sub.Fields[1].Attachment.MediaType)
}

func TestEncodeCopiesAttachmentBytes(t *testing.T) {
	data := []byte{1, 2, 3}
	rec, err := Encode(record.KindVoice, []record.Field{
		{Name: "audio", Attachment: &record.Attachment{Data: data, Filename: "memo.m4a"}},
	}, "")
	require.NoError(t, err)

	data[0] = 99
	assert.Equal(t, byte(1), rec.Fields[0].Attachment.Data[0],
		"mutating the caller's slice must not reach the record")
}

func TestEncodeRejectsBadInput(t *testing.T) {
	_, err := Encode("screenshot", nil, "")
	assert.Error(t, err)

	_, err = Encode(record.KindText, []record.Field{{Name: "", Value: "x"}}, "")
	assert.Error(t, err)

	_, err = Encode(record.KindPhoto, []record.Field{
		{Name: "image", Attachment: &record.Attachment{Data: nil, Filename: "a.jpg"}},
	}, "")
	assert.Error(t, err)
}

func TestEncodeEmptyFieldsIsQueueable(t *testing.T) {
	rec, err := Encode(record.KindText, []record.Field{}, "")
	require.NoError(t, err)
	require.NotNil(t, rec.Fields)
	require.NoError(t, rec.Validate())
}

func TestDecodeCorrupted(t *testing.T) {
	_, err := Decode(&record.Record{ID: "r1", Endpoint: "", Fields: []record.Field{}})
	assert.ErrorIs(t, err, ErrCorrupted)

	_, err = Decode(&record.Record{ID: "r2", Endpoint: "/api/capture/text", Fields: nil})
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestDecodeSkipsMalformedEntries(t *testing.T) {
	sub, err := Decode(&record.Record{
		ID:       "r3",
		Endpoint: "/api/capture/photo",
		Kind:     record.KindPhoto,
		Fields: []record.Field{
			{Name: "", Value: "nameless"},
			{Name: "image", Attachment: &record.Attachment{Data: nil, Filename: "empty.jpg"}},
			{Name: "caption", Value: "kept"},
		},
	})
	require.NoError(t, err)
	require.Len(t, sub.Fields, 1)
	assert.Equal(t, "caption", sub.Fields[0].Name)
}

func TestDecodeSniffsMissingMediaType(t *testing.T) {
	// %PDF magic: mimetype detection should label this application/pdf.
	pdf := []byte("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n")
	sub, err := Decode(&record.Record{
		ID:       "r4",
		Endpoint: "/api/capture/pdf",
		Kind:     record.KindPDF,
		Fields: []record.Field{
			{Name: "document", Attachment: &record.Attachment{Data: pdf, Filename: "doc.pdf"}},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, sub.Fields[0].Attachment.MediaType, "application/pdf")
}

// parseMultipart reads a rendered body back with the stdlib reader.
func parseMultipart(t *testing.T, body io.Reader, contentType string) []*multipart.Part {
	t.Helper()

	_, params, err := mime.ParseMediaType(contentType)
	require.NoError(t, err)
	mr := multipart.NewReader(body, params["boundary"])

	var parts []*multipart.Part
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		parts = append(parts, p)
	}
	return parts
}

func TestMultipartBody(t *testing.T) {
	data := []byte{0x00, 0x01, 0xff}
	sub := &Submission{
		Endpoint: "/api/capture/book",
		Kind:     record.KindBook,
		Fields: []record.Field{
			{Name: "title", Value: "The Go Programming Language"},
			{Name: "pages", Attachment: &record.Attachment{Data: data, Filename: "p1.jpg", MediaType: "image/jpeg"}},
			{Name: "pages", Attachment: &record.Attachment{Data: data, Filename: "p2.jpg", MediaType: "image/jpeg"}},
		},
	}

	body, contentType, err := sub.MultipartBody(map[string]string{
		"generate_cards":     "true",
		"generate_exercises": "false",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(contentType, "multipart/form-data"))

	parts := parseMultipart(t, body, contentType)
	require.Len(t, parts, 5)

	assert.Equal(t, "title", parts[0].FormName())

	assert.Equal(t, "pages", parts[1].FormName())
	assert.Equal(t, "p1.jpg", parts[1].FileName())
	assert.Equal(t, "image/jpeg", parts[1].Header.Get("Content-Type"))

	assert.Equal(t, "pages", parts[2].FormName())
	assert.Equal(t, "p2.jpg", parts[2].FileName())

	// Control fields follow the submission fields, in sorted key order.
	assert.Equal(t, "generate_cards", parts[3].FormName())
	assert.Equal(t, "generate_exercises", parts[4].FormName())
}

func TestMultipartBodyQuotesFilenames(t *testing.T) {
	sub := &Submission{
		Endpoint: "/api/capture/photo",
		Kind:     record.KindPhoto,
		Fields: []record.Field{
			{Name: "image", Attachment: &record.Attachment{
				Data:     []byte{1},
				Filename: `we"ird\name.jpg`,
			}},
		},
	}

	body, contentType, err := sub.MultipartBody(nil)
	require.NoError(t, err)

	parts := parseMultipart(t, body, contentType)
	require.Len(t, parts, 1)
	assert.Equal(t, `we"ird\name.jpg`, parts[0].FileName())
	assert.Equal(t, "application/octet-stream", parts[0].Header.Get("Content-Type"))
}
