package shared

import (
	"fmt"
	"time"
)

// DocumentNumbers assigns human-readable identifiers to newly created documents.
// Number formatting rules live outside the stock core; the core only needs a
// string per document.
type DocumentNumbers interface {
	Next(prefix string) string
}

// TimestampNumbers generates prefix-timestamp identifiers. It is the default
// collaborator when no numbering service is configured.
type TimestampNumbers struct{}

// Next returns a new document number.
func (TimestampNumbers) Next(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}
