package knowledge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/GiovanoMP/chatwootai-sub005/pkg/errors"
)

const dateLayout = "2006-01-02"

// Composer builds the text that gets embedded for a record
type Composer interface {
	Compose(r Record) string
}

// RuleComposer renders business rules. Temporary rules append their validity window.
type RuleComposer struct {
	WithWindow bool
}

// Compose implements Composer
func (c RuleComposer) Compose(r Record) string {
	var lines []string
	lines = appendField(lines, "Rule", r.Name)
	lines = appendField(lines, "Description", r.Description)
	lines = appendField(lines, "Type", r.Type)
	if c.WithWindow {
		if window := validityWindow(r); window != "" {
			lines = append(lines, window)
		}
	}
	return strings.Join(lines, "\n")
}

// DocumentComposer renders a titled document body
type DocumentComposer struct{}

// Compose implements Composer
func (DocumentComposer) Compose(r Record) string {
	var lines []string
	lines = appendField(lines, "Document", r.Name)
	lines = appendField(lines, "Summary", r.Description)
	if r.Body != "" {
		lines = append(lines, r.Body)
	}
	return strings.Join(lines, "\n")
}

// CustomComposer renders the text fields followed by scalar data fields in key order
type CustomComposer struct{}

// Compose implements Composer
func (CustomComposer) Compose(r Record) string {
	var lines []string
	lines = appendField(lines, "Name", r.Name)
	lines = appendField(lines, "Description", r.Description)
	lines = appendField(lines, "Type", r.Type)
	if r.Body != "" {
		lines = append(lines, r.Body)
	}

	keys := make([]string, 0, len(r.Data))
	for k := range r.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := r.Data[k].(type) {
		case string, bool, int, int64, float64:
			lines = append(lines, fmt.Sprintf("%s: %v", k, v))
		}
	}
	return strings.Join(lines, "\n")
}

// Registry maps each kind to its composer
type Registry struct {
	composers map[Kind]Composer
}

// DefaultRegistry returns the composers for every known kind
func DefaultRegistry() *Registry {
	return &Registry{
		composers: map[Kind]Composer{
			KindPermanentRule: RuleComposer{},
			KindTemporaryRule: RuleComposer{WithWindow: true},
			KindDocument:      DocumentComposer{},
			KindCustom:        CustomComposer{},
		},
	}
}

// Register replaces the composer for kind
func (reg *Registry) Register(kind Kind, c Composer) {
	reg.composers[kind] = c
}

// EmbeddingText composes the text to embed for r
func (reg *Registry) EmbeddingText(r Record) (string, error) {
	c, ok := reg.composers[r.Kind]
	if !ok {
		return "", errors.NewValidationError(fmt.Sprintf("no composer for record kind %q", r.Kind)).
			WithDetail("original_id", r.OriginalID)
	}
	return c.Compose(r), nil
}

func appendField(lines []string, label, value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return lines
	}
	return append(lines, label+": "+value)
}

func validityWindow(r Record) string {
	switch {
	case r.ValidFrom != nil && r.ValidTo != nil:
		return fmt.Sprintf("Valid from %s to %s", r.ValidFrom.Format(dateLayout), r.ValidTo.Format(dateLayout))
	case r.ValidFrom != nil:
		return fmt.Sprintf("Valid from %s", r.ValidFrom.Format(dateLayout))
	case r.ValidTo != nil:
		return fmt.Sprintf("Valid until %s", r.ValidTo.Format(dateLayout))
	default:
		return ""
	}
}
