// Package prompts holds the catalog of demo prompts shown by the chat
// surfaces.
package prompts

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed samples.yaml
var defaultCatalog []byte

// Sample is one demo prompt.
type Sample struct {
	Label    string `yaml:"label" json:"label"`
	Text     string `yaml:"text" json:"text"`
	Category string `yaml:"-" json:"category"`
}

type Category struct {
	Name    string   `yaml:"name" json:"name"`
	Samples []Sample `yaml:"samples" json:"samples"`
}

// Catalog is an ordered list of sample categories.
type Catalog struct {
	Categories []Category `yaml:"categories" json:"categories"`
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("prompts: built-in catalog: %v", err))
	}
	return c
}

// Load reads a catalog file, falling back to the built-in catalog when
// path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read samples: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a YAML catalog. Categories without samples are dropped and
// every sample needs a label and text.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse samples: %w", err)
	}
	out := &Catalog{}
	for _, cat := range c.Categories {
		if strings.TrimSpace(cat.Name) == "" {
			return nil, fmt.Errorf("category without a name")
		}
		if len(cat.Samples) == 0 {
			continue
		}
		for i := range cat.Samples {
			s := &cat.Samples[i]
			if strings.TrimSpace(s.Label) == "" || strings.TrimSpace(s.Text) == "" {
				return nil, fmt.Errorf("category %q: sample %d needs a label and text", cat.Name, i+1)
			}
			s.Category = cat.Name
		}
		out.Categories = append(out.Categories, cat)
	}
	return out, nil
}

// All flattens the catalog in display order.
func (c *Catalog) All() []Sample {
	var out []Sample
	for _, cat := range c.Categories {
		out = append(out, cat.Samples...)
	}
	return out
}

// Get returns the n-th sample of All, counting from 1.
func (c *Catalog) Get(n int) (Sample, bool) {
	all := c.All()
	if n < 1 || n > len(all) {
		return Sample{}, false
	}
	return all[n-1], true
}

// Format renders a numbered listing for terminals.
func (c *Catalog) Format() string {
	var b strings.Builder
	n := 1
	for _, cat := range c.Categories {
		fmt.Fprintf(&b, "%s\n", cat.Name)
		for _, s := range cat.Samples {
			fmt.Fprintf(&b, "  %2d. %s\n", n, s.Label)
			n++
		}
	}
	return b.String()
}
