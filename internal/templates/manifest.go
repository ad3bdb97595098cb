// Package templates loads per-page generation graphs and binds job
// parameters into their named slots.
package templates

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	wire "storybook/internal/contracts/render"
)

// ManifestFile is the per-book manifest name inside a template tree.
const ManifestFile = "book.yaml"

// CollagePage is the template key of the combined second-stage render. It
// is stored next to the page templates but is never one of the book's pages.
const CollagePage = "collage"

// PageImageParam names the collage parameter carrying the n-th (1-based)
// page in reading order.
func PageImageParam(n int) string {
	return fmt.Sprintf("page_image_%d", n)
}

// Slot names the node input a parameter is written to.
type Slot struct {
	Node  string `yaml:"node" json:"node"`
	Input string `yaml:"input" json:"input"`
}

// Manifest describes one book: its pages in reading order (cover first),
// the template file per gender and page, and the parameter slots. The
// collage template, when present, is listed under CollagePage per gender
// and binds CollageSlots instead of Slots.
type Manifest struct {
	Book         string                       `yaml:"book" json:"book"`
	Pages        []string                     `yaml:"pages" json:"pages"`
	Templates    map[string]map[string]string `yaml:"templates" json:"templates,omitempty"`
	Slots        map[string]Slot              `yaml:"slots" json:"slots,omitempty"`
	CollageSlots map[string]Slot              `yaml:"collage_slots" json:"collage_slots,omitempty"`
}

// DefaultSlots is the slot table used when a manifest declares none.
func DefaultSlots() map[string]Slot {
	return map[string]Slot{
		"subject_image_1": {Node: "12", Input: "image"},
		"subject_image_2": {Node: "13", Input: "image"},
		"subject_image_3": {Node: "14", Input: "image"},
		"display_name":    {Node: "46", Input: "value"},
		"job_id":          {Node: "50", Input: "strings"},
		"seed":            {Node: "1", Input: "seed"},
	}
}

// DefaultCollageSlots binds ten pages and the job id into the stock
// combined template.
func DefaultCollageSlots() map[string]Slot {
	slots := map[string]Slot{"job_id": {Node: "41", Input: "strings"}}
	for i, node := range []string{"9", "10", "13", "14", "17", "19", "21", "23", "25", "27"} {
		slots[PageImageParam(i+1)] = Slot{Node: node, Input: "image"}
	}
	return slots
}

// ParseManifestYAML decodes and normalizes a book manifest.
func ParseManifestYAML(data []byte) (*Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("templates: manifest is empty")
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("templates: decode manifest: %w", err)
	}
	return m.normalized()
}

func (m Manifest) normalized() (*Manifest, error) {
	m.Book = strings.TrimSpace(m.Book)
	seen := make(map[string]bool, len(m.Pages))
	pages := make([]string, 0, len(m.Pages))
	for _, p := range m.Pages {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if seen[p] {
			return nil, fmt.Errorf("templates: page %q listed twice", p)
		}
		seen[p] = true
		pages = append(pages, p)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("templates: manifest lists no pages")
	}
	if seen[CollagePage] {
		return nil, fmt.Errorf("templates: %q is reserved for the collage", CollagePage)
	}
	m.Pages = pages
	if len(m.Slots) == 0 {
		m.Slots = DefaultSlots()
	}
	if len(m.CollageSlots) == 0 {
		m.CollageSlots = DefaultCollageSlots()
	}
	return &m, nil
}

// SlotsFor returns the slot table bound into pageKey's template.
func (m *Manifest) SlotsFor(pageKey string) map[string]Slot {
	if pageKey == CollagePage {
		return m.CollageSlots
	}
	return m.Slots
}

// HasPage reports whether key is one of the book's pages.
func (m *Manifest) HasPage(key string) bool {
	for _, p := range m.Pages {
		if p == key {
			return true
		}
	}
	return false
}

// ParseGraph decodes a template definition. A definition is either a graph
// object or a one-element list wrapping it.
func ParseGraph(data []byte) (wire.Graph, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("templates: definition is empty")
	}
	if data[0] == '[' {
		var list []wire.Graph
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("templates: decode definition: %w", err)
		}
		if len(list) != 1 {
			return nil, fmt.Errorf("templates: definition list must hold one graph, got %d", len(list))
		}
		return nonEmpty(list[0])
	}
	var g wire.Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("templates: decode definition: %w", err)
	}
	return nonEmpty(g)
}

func nonEmpty(g wire.Graph) (wire.Graph, error) {
	if len(g) == 0 {
		return nil, fmt.Errorf("templates: definition has no nodes")
	}
	for id, n := range g {
		if n == nil {
			return nil, fmt.Errorf("templates: node %q is null", id)
		}
	}
	return g, nil
}
