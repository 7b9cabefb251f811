// Package codec converts live submissions to durable capture records and
// back into resubmittable multipart requests.
//
// Encode copies attachment bytes into the record so nothing in the store
// refers to memory or file handles that could go stale. Decode tolerates
// individual malformed field entries (written by an older schema version) by
// skipping them, but fails the whole decode when a required part
// of the record is missing entirely: such a record is corrupted and must be
// reported, not silently dropped.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"sort"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/fieldnote/fieldnote/internal/record"
)

// ErrCorrupted marks a record whose required shape is missing. Retrying such
// a record cannot possibly succeed, so the sync engine excludes it from retry
// accounting.
var ErrCorrupted = errors.New("corrupted capture record")

// Submission is a decoded, transmissible capture: the ordered field list with
// attachment bytes hydrated, ready to be rendered as a multipart body.
type Submission struct {
	Endpoint string
	Kind     record.Kind
	Fields   []record.Field
}

// Encode converts a live submission into a durable Record.
//
// Attachment bytes are copied, the id is generated here, and the auth token
// is captured so a later drain can replay the request after the original
// session is gone.
func Encode(kind record.Kind, fields []record.Field, authToken string) (*record.Record, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("cannot encode capture: unknown kind %q", kind)
	}

	encoded := make([]record.Field, 0, len(fields))
	for i, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("cannot encode capture: field %d has no name", i)
		}
		if f.Attachment != nil {
			if len(f.Attachment.Data) == 0 {
				return nil, fmt.Errorf("cannot encode capture: attachment %q is empty", f.Name)
			}
			encoded = append(encoded, record.Field{
				Name: f.Name,
				Attachment: &record.Attachment{
					Data:      append([]byte(nil), f.Attachment.Data...),
					Filename:  f.Attachment.Filename,
					MediaType: f.Attachment.MediaType,
				},
			})
			continue
		}
		encoded = append(encoded, record.Field{Name: f.Name, Value: f.Value})
	}

	return &record.Record{
		ID:        uuid.New().String(),
		Endpoint:  record.EndpointFor(kind),
		Kind:      kind,
		Fields:    encoded,
		CreatedAt: time.Now().UTC(),
		AuthToken: authToken,
	}, nil
}

// Decode reconstructs a transmissible submission from a stored record.
//
// Malformed field entries are skipped. Attachments get a fresh copy of the
// stored bytes with filename restored; a missing media type is sniffed from
// the bytes, falling back to application/octet-stream.
func Decode(rec *record.Record) (*Submission, error) {
	if rec.Endpoint == "" {
		return nil, fmt.Errorf("%w: record %s has no endpoint", ErrCorrupted, rec.ID)
	}
	if rec.Fields == nil {
		return nil, fmt.Errorf("%w: record %s has no readable fields", ErrCorrupted, rec.ID)
	}

	fields := make([]record.Field, 0, len(rec.Fields))
	for _, f := range rec.Fields {
		if f.Name == "" {
			continue
		}
		if f.Attachment != nil {
			if len(f.Attachment.Data) == 0 {
				continue
			}
			data := append([]byte(nil), f.Attachment.Data...)
			mediaType := f.Attachment.MediaType
			if mediaType == "" {
				mediaType = sniffMediaType(data)
			}
			fields = append(fields, record.Field{
				Name: f.Name,
				Attachment: &record.Attachment{
					Data:      data,
					Filename:  f.Attachment.Filename,
					MediaType: mediaType,
				},
			})
			continue
		}
		fields = append(fields, record.Field{Name: f.Name, Value: f.Value})
	}

	return &Submission{
		Endpoint: rec.Endpoint,
		Kind:     rec.Kind,
		Fields:   fields,
	}, nil
}

// sniffMediaType guesses a media type from content, defaulting to the generic
// binary type when detection finds nothing more specific.
func sniffMediaType(data []byte) string {
	mt := mimetype.Detect(data)
	if mt == nil {
		return "application/octet-stream"
	}
	return mt.String()
}

// MultipartBody renders the submission as a multipart/form-data body.
//
// control carries the universal backend toggles (card generation, exercise
// generation); keys are written in sorted order so the body is deterministic.
// Returns the encoded body and its Content-Type header value.
func (s *Submission) MultipartBody(control map[string]string) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	for _, f := range s.Fields {
		if f.Attachment != nil {
			part, err := w.CreatePart(attachmentHeader(f.Name, f.Attachment))
			if err != nil {
				return nil, "", fmt.Errorf("failed to create part %q: %w", f.Name, err)
			}
			if _, err := part.Write(f.Attachment.Data); err != nil {
				return nil, "", fmt.Errorf("failed to write part %q: %w", f.Name, err)
			}
			continue
		}
		if err := w.WriteField(f.Name, f.Value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %q: %w", f.Name, err)
		}
	}

	keys := make([]string, 0, len(control))
	for k := range control {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := w.WriteField(k, control[k]); err != nil {
			return nil, "", fmt.Errorf("failed to write control field %q: %w", k, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	return body, w.FormDataContentType(), nil
}

// attachmentHeader builds the part header for a binary field, preserving the
// original filename and media type.
func attachmentHeader(name string, a *record.Attachment) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		escapeQuotes(name), escapeQuotes(a.Filename)))
	mediaType := a.MediaType
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	h.Set("Content-Type", mediaType)
	return h
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
