// Package track describes the tracks the engine can play.
package track

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhowden/tag"
	"github.com/google/uuid"
)

// Kind is the category of source a track comes from. It decides which
// pipeline renders the track.
type Kind int

const (
	Local Kind = iota
	Remote
)

func (k Kind) String() string {
	switch k {
	case Local:
		return "local"
	case Remote:
		return "remote"
	default:
		return "unknown"
	}
}

// Reference identifies a playable track. A Reference is immutable once
// created; copy it freely.
type Reference struct {
	ID   string
	Kind Kind
	URI  string

	// Optional hints supplied by whoever resolved the track.
	Duration time.Duration
	Format   string
	Title    string
}

// IsZero reports whether r is the zero Reference.
func (r Reference) IsZero() bool {
	return r.ID == "" && r.URI == ""
}

func (r Reference) String() string {
	if r.Title != "" {
		return r.Title
	}
	return r.URI
}

// New creates a Reference with a fresh id. The format hint is derived from
// the URI extension when possible.
func New(kind Kind, uri string) Reference {
	return Reference{
		ID:     uuid.NewString(),
		Kind:   kind,
		URI:    uri,
		Format: FormatOf(uri),
	}
}

// Parse turns a command line argument into a Reference: http(s) URLs are
// remote, anything else is treated as a local path.
func Parse(arg string) (Reference, error) {
	if u, err := url.Parse(arg); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return New(Remote, arg), nil
	}
	return FromPath(arg)
}

// FromPath creates a local Reference and fills the title from the file's
// tags when they can be read.
func FromPath(path string) (Reference, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Reference{}, fmt.Errorf("resolve %s: %w", path, err)
	}
	ref := New(Local, abs)

	f, err := os.Open(abs)
	if err != nil {
		return Reference{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if m, err := tag.ReadFrom(f); err == nil {
		switch {
		case m.Artist() != "" && m.Title() != "":
			ref.Title = m.Artist() + " - " + m.Title()
		case m.Title() != "":
			ref.Title = m.Title()
		}
	}
	if ref.Title == "" {
		ref.Title = strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs))
	}
	return ref, nil
}

// FormatOf returns the lower-case container extension of a path or URL,
// without the dot. Query strings are ignored.
func FormatOf(uri string) string {
	if u, err := url.Parse(uri); err == nil && u.Path != "" {
		uri = u.Path
	}
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(uri)), ".")
}

// SameKind reports whether a and b can share one render graph.
func SameKind(a, b Reference) bool {
	return a.Kind == b.Kind
}
