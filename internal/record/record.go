// Package record defines the durable unit of work for the capture queue.
//
// A Record is a not-yet-delivered capture: the multipart field set the user
// submitted, the logical endpoint it is destined for, and the retry
// bookkeeping the sync engine maintains. Records are append-only; once
// written, only retry_count and last_attempt_at ever change, and the only
// deletion paths are successful delivery and retry-ceiling eviction.
package record

import (
	"fmt"
	"time"
)

// Kind tags the capture type. It is used for endpoint routing at submit time
// and for observability; the queue itself treats all kinds identically.
type Kind string

const (
	KindText  Kind = "text"
	KindURL   Kind = "url"
	KindPhoto Kind = "photo"
	KindVoice Kind = "voice"
	KindPDF   Kind = "pdf"
	KindBook  Kind = "book"
)

// Kinds lists every valid capture kind.
func Kinds() []Kind {
	return []Kind{KindText, KindURL, KindPhoto, KindVoice, KindPDF, KindBook}
}

// Valid reports whether k is a known capture kind.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindURL, KindPhoto, KindVoice, KindPDF, KindBook:
		return true
	}
	return false
}

// ParseKind converts a user-supplied string to a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown capture kind %q", s)
	}
	return k, nil
}

// EndpointFor returns the fixed logical delivery path for a capture kind.
// Each kind maps to exactly one path; the backend owns the field contract
// behind it.
func EndpointFor(k Kind) string {
	return fmt.Sprintf("/api/capture/%s", k)
}

// Attachment is a binary payload stored by value. The bytes are copied at
// encode time so a record never holds a reference that could go stale across
// process restarts.
type Attachment struct {
	Data      []byte `json:"data"`
	Filename  string `json:"filename"`
	MediaType string `json:"media_type,omitempty"`
}

// Field is one entry of a submission's ordered field list. Exactly one of
// Value or Attachment is set. Field names need not be unique: a multi-page
// book capture repeats the same name for each page.
type Field struct {
	Name       string      `json:"name"`
	Value      string      `json:"value,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// IsAttachment reports whether the field carries binary data.
func (f Field) IsAttachment() bool {
	return f.Attachment != nil
}

// Record is the durable unit of work. A record exists in the store if and
// only if it has not yet been durably accepted by the backend.
type Record struct {
	// ID is generated client-side at enqueue time and never reused.
	ID string `json:"id"`

	// Endpoint is the logical delivery path. Immutable.
	Endpoint string `json:"endpoint"`

	// Kind is the capture type tag. Immutable.
	Kind Kind `json:"kind"`

	// Fields is the ordered field list. Nil means the stored payload could
	// not be parsed; the sync engine reports such records as corrupted
	// instead of retrying them.
	Fields []Field `json:"fields"`

	// CreatedAt is set at enqueue and orders drain processing.
	CreatedAt time.Time `json:"created_at"`

	// RetryCount is incremented only by the sync engine on a failed
	// delivery attempt. Monotone.
	RetryCount int `json:"retry_count"`

	// LastAttemptAt is nil until the first delivery attempt.
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`

	// AuthToken is the credential captured at enqueue time. The sync engine
	// may run long after the original session is gone, so the token travels
	// with the record.
	AuthToken string `json:"auth_token,omitempty"`
}

// Validate checks the record has the shape required for storage.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("invalid kind %q", r.Kind)
	}
	if r.Fields == nil {
		return fmt.Errorf("fields are required")
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if r.RetryCount < 0 {
		return fmt.Errorf("retry_count must be >= 0 (got %d)", r.RetryCount)
	}
	return nil
}
