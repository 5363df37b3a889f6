// Package vehicle maps raw, free-text vehicle-type strings to canonical
// uppercase codes. The mapping table is operator-maintained configuration,
// not code: semantically-equivalent spellings ("Large Straight", "lg.
// straight") only compare equal when the table says so. Unmapped types
// degrade to their own normalized form.
package vehicle

import (
	"os"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// Table holds the raw-string → canonical-code mapping.
type Table struct {
	mapping map[string]string
}

// tableFile is the YAML shape of the mapping file.
type tableFile struct {
	Types map[string]string `yaml:"types"`
}

// LoadTable reads the mapping file at path. The file is a required external
// input; a missing or unparseable file is an error, not a silent default.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "vehicle: read mapping table %s", path)
	}
	return ParseTable(data)
}

// ParseTable parses YAML mapping data.
func ParseTable(data []byte) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "vehicle: parse mapping table")
	}

	t := &Table{mapping: make(map[string]string, len(f.Types))}
	for raw, canonical := range f.Types {
		t.mapping[foldKey(raw)] = Normalize(canonical)
	}
	return t, nil
}

// NewTable builds a Table directly from a raw → canonical map (tests, embedded
// defaults).
func NewTable(mapping map[string]string) *Table {
	t := &Table{mapping: make(map[string]string, len(mapping))}
	for raw, canonical := range mapping {
		t.mapping[foldKey(raw)] = Normalize(canonical)
	}
	return t
}

// Len returns the number of mapped raw types.
func (t *Table) Len() int { return len(t.mapping) }

// Canonical maps a raw vehicle-type string to its canonical code. Types
// absent from the table canonicalize to Normalize(raw).
func (t *Table) Canonical(raw string) string {
	if t != nil {
		if code, ok := t.mapping[foldKey(raw)]; ok {
			return code
		}
	}
	return Normalize(raw)
}

// Normalize uppercases a type string and collapses runs of non-alphanumeric
// characters to single underscores, so "large straight" and "Large-Straight"
// both normalize to "LARGE_STRAIGHT".
func Normalize(s string) string {
	s = norm.NFC.String(strings.TrimSpace(s))

	var b strings.Builder
	b.Grow(len(s))
	pendingSep := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(unicode.ToUpper(r))
		} else {
			pendingSep = true
		}
	}
	return b.String()
}

// foldKey normalizes a raw string for table lookup.
func foldKey(s string) string {
	return strings.ToLower(norm.NFC.String(strings.Join(strings.Fields(s), " ")))
}
