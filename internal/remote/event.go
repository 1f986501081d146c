package remote

import (
	"fmt"

	"github.com/flitsinc/go-observation/internal/observation"
)

// Snapshot is a flat, value-typed payload that is safe to serialize. Values
// are strings, bools or numbers; never live objects.
type Snapshot map[string]any

// RemoteEvent is the wire-safe form of an observation.LocalEvent.
type RemoteEvent struct {
	Kind   observation.Kind `json:"kind" msgpack:"kind"`
	Name   string           `json:"name,omitempty" msgpack:"name,omitempty"`
	Source Snapshot         `json:"source,omitempty" msgpack:"source,omitempty"`
	Data   Snapshot         `json:"data,omitempty" msgpack:"data,omitempty"`
}

// Snapshot keys shared by the built-in converters.
const (
	KeyWiki = "wiki"
	KeyUser = "user"

	KeyDocWiki    = "doc.wiki"
	KeyDocSpace   = "doc.space"
	KeyDocPage    = "doc.page"
	KeyDocVersion = "doc.version"
	KeyDocLocale  = "doc.locale"

	KeyOrigDocVersion = "origdoc.version"
	KeyOrigDocLocale  = "origdoc.locale"
)

// Get returns the string stored under key. Returns "" if missing/not string.
func (s Snapshot) Get(key string) string {
	if s == nil {
		return ""
	}
	val, ok := s[key]
	if !ok {
		return ""
	}
	str, ok := val.(string)
	if !ok {
		return ""
	}
	return str
}

func (s Snapshot) Has(key string) bool {
	if s == nil {
		return false
	}
	_, ok := s[key]
	return ok
}

// Validate reports the first value that is not a portable scalar.
func (s Snapshot) Validate() error {
	for key, val := range s {
		switch val.(type) {
		case nil, string, bool,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
		default:
			return fmt.Errorf("snapshot key %q holds non-portable %T", key, val)
		}
	}
	return nil
}
