package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("document not found")

// DocumentReference identifies a page inside a wiki.
type DocumentReference struct {
	Wiki  string `json:"wiki"`
	Space string `json:"space"`
	Page  string `json:"page"`
}

// String renders the reference as wiki:Space.Page.
func (r DocumentReference) String() string {
	return r.Wiki + ":" + r.Space + "." + r.Page
}

func (r DocumentReference) IsZero() bool {
	return r.Wiki == "" && r.Space == "" && r.Page == ""
}

// ParseReference parses wiki:Space.Page. The page is everything after the
// last dot so nested spaces keep their dots.
func ParseReference(raw string) (DocumentReference, error) {
	wiki, rest, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok || wiki == "" {
		return DocumentReference{}, fmt.Errorf("reference %q: missing wiki", raw)
	}
	idx := strings.LastIndex(rest, ".")
	if idx <= 0 || idx == len(rest)-1 {
		return DocumentReference{}, fmt.Errorf("reference %q: expected Space.Page", raw)
	}
	return DocumentReference{Wiki: wiki, Space: rest[:idx], Page: rest[idx+1:]}, nil
}

// Document is one revision of a page in one locale.
type Document struct {
	Reference DocumentReference `json:"reference"`
	Version   string            `json:"version,omitempty"`
	Locale    string            `json:"locale,omitempty"`
	Content   string            `json:"content,omitempty"`
	Author    string            `json:"author,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`

	// Original is the revision this document was derived from; nil for a
	// document that has never been saved before.
	Original *Document `json:"original,omitempty"`

	// Desync marks a placeholder built from identity fields only because the
	// revision could not be loaded from storage.
	Desync bool `json:"desync,omitempty"`
}

func (d *Document) IsNew() bool {
	return d.Original == nil
}

// Store loads documents. An empty version selects the latest revision.
type Store interface {
	LoadDocument(ctx context.Context, ref DocumentReference, version, locale string) (*Document, error)
}
