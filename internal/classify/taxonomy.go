// Package classify runs the closed-taxonomy violation classifier over a
// submission's text and visual evidence.
package classify

import (
	_ "embed"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed taxonomy.yaml
var taxonomyYAML []byte

// Code is one entry of the violation taxonomy.
type Code struct {
	Code     string   `yaml:"code"`
	Title    string   `yaml:"title"`
	Severity int      `yaml:"severity"`
	Rules    []string `yaml:"rules"`
}

// Taxonomy is the fixed set of violation codes the classifier may emit.
type Taxonomy struct {
	Version string `yaml:"version"`
	Codes   []Code `yaml:"codes"`

	byCode map[string]Code
}

// DefaultTaxonomy parses the embedded taxonomy.
func DefaultTaxonomy() (*Taxonomy, error) {
	return ParseTaxonomy(taxonomyYAML)
}

// ParseTaxonomy decodes a taxonomy document. Codes must be unique.
func ParseTaxonomy(data []byte) (*Taxonomy, error) {
	var t Taxonomy
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, eris.Wrap(err, "classify: parse taxonomy")
	}
	if len(t.Codes) == 0 {
		return nil, eris.New("classify: taxonomy has no codes")
	}

	t.byCode = make(map[string]Code, len(t.Codes))
	for _, c := range t.Codes {
		if c.Code == "" {
			return nil, eris.New("classify: taxonomy entry without code")
		}
		if _, dup := t.byCode[c.Code]; dup {
			return nil, eris.Errorf("classify: duplicate taxonomy code %s", c.Code)
		}
		t.byCode[c.Code] = c
	}
	sort.Slice(t.Codes, func(i, j int) bool { return t.Codes[i].Code < t.Codes[j].Code })
	return &t, nil
}

// Lookup returns the taxonomy entry for code.
func (t *Taxonomy) Lookup(code string) (Code, bool) {
	c, ok := t.byCode[code]
	return c, ok
}
