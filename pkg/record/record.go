// Package record defines the unit of data a processor transforms: opaque
// content plus string attributes.
package record

import (
	"maps"

	"github.com/google/uuid"
)

// Record is one unit of content travelling through a flow. Processors never
// modify a Record they receive; they return a new one.
type Record struct {
	ID         string            `json:"id"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Content    []byte            `json:"content"`
}

// New creates a record with a fresh id. content and attrs are copied.
func New(content []byte, attrs map[string]string) *Record {
	return &Record{
		ID:         uuid.New().String(),
		Attributes: copyAttributes(attrs),
		Content:    append([]byte(nil), content...),
	}
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	return r.WithContent(append([]byte(nil), r.Content...))
}

// WithContent returns a copy of r carrying content. The attribute map is
// copied; content is used as given.
func (r *Record) WithContent(content []byte) *Record {
	return &Record{
		ID:         r.ID,
		Attributes: copyAttributes(r.Attributes),
		Content:    content,
	}
}

// Attribute returns the named attribute, or "" when absent.
func (r *Record) Attribute(name string) string {
	return r.Attributes[name]
}

// Size is the content length in bytes.
func (r *Record) Size() int {
	return len(r.Content)
}

func copyAttributes(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs))
	maps.Copy(out, attrs)
	return out
}
