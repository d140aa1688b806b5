// Package adapter turns fetched admission-list documents into normalized
// candidate snapshots. Each institution format is one Adapter variant.
package adapter

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/daniilzhulanov/eve-vuz-bot/internal/models"
)

// ErrMalformedDocument marks a structural parse failure.
var ErrMalformedDocument = errors.New("malformed document")

// MalformedError describes why a document could not be parsed.
type MalformedError struct {
	Source string
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrMalformedDocument, e.Source, e.Reason)
}

func (e *MalformedError) Unwrap() error {
	return ErrMalformedDocument
}

func malformed(source, format string, args ...any) error {
	return &MalformedError{Source: source, Reason: fmt.Sprintf(format, args...)}
}

// Page is one fetched document. Role names the quota or part it holds;
// single-document sources use an empty role.
type Page struct {
	Role string
	Body []byte
}

// Adapter parses raw pages of one source into a SourceDocument. The
// returned document has no fingerprint; the caller owns change detection.
type Adapter interface {
	Parse(sourceKey string, pages []Page) (*models.SourceDocument, error)
}

// Kinds of adapters selectable from configuration.
const (
	KindTabular = "tabular"
	KindMarkup  = "markup"
)

// Layout carries the adapter-specific part of a source definition.
type Layout struct {
	Tabular *TabularLayout `yaml:"tabular"`
	Markup  *MarkupLayout  `yaml:"markup"`
}

// New selects the adapter variant for kind.
func New(kind string, layout Layout, log *slog.Logger) (Adapter, error) {
	switch kind {
	case KindTabular:
		if layout.Tabular == nil {
			return nil, errors.New("tabular source without tabular layout")
		}
		return NewTabular(*layout.Tabular, log), nil
	case KindMarkup:
		if layout.Markup == nil {
			return nil, errors.New("markup source without markup layout")
		}
		if layout.Markup.Anchor == "" && len(layout.Markup.Anchors) == 0 {
			return nil, errors.New("markup layout needs an anchor")
		}
		return NewMarkup(*layout.Markup, log), nil
	default:
		return nil, fmt.Errorf("unknown adapter kind %q", kind)
	}
}
