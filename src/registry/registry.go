package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

// DefaultPath is the registry file read when no path is configured.
const DefaultPath = "agent_registry_EXEC.json"

// ModulePrefix is the only module namespace the loader will resolve.
const ModulePrefix = "agents."

var (
	// ErrUnrecognizedShape is returned when the top-level document is neither
	// a category mapping nor a flat descriptor list.
	ErrUnrecognizedShape = errors.New("registry: unrecognized document shape")
	// ErrUnsafeModule rejects module paths outside the agents namespace.
	ErrUnsafeModule = errors.New("registry: unsafe module path")
)

// Status controls whether the bulk loader picks a descriptor up.
type Status string

const (
	StatusActive   Status = "active"
	StatusBeta     Status = "beta"
	StatusInactive Status = "inactive"
)

// Loadable reports whether the bulk loader constructs agents in this status.
func (s Status) Loadable() bool {
	return s == StatusActive || s == StatusBeta
}

// Interface describes how an agent is driven once loaded.
type Interface string

const (
	InterfaceService Interface = "service"
	InterfaceCLI     Interface = "cli"
	InterfaceUI      Interface = "ui"
)

// Shape records which of the accepted layouts a document was read from.
type Shape int

const (
	// ShapeCategories is {"category": [descriptor, ...]}.
	ShapeCategories Shape = iota
	// ShapeNested is {"category": {"subcategory": [descriptor, ...]}}.
	ShapeNested
	// ShapeFlat is [descriptor, ...].
	ShapeFlat
)

func (s Shape) String() string {
	switch s {
	case ShapeNested:
		return "nested"
	case ShapeFlat:
		return "flat"
	default:
		return "categories"
	}
}

// Descriptor is one agent entry of the registry.
type Descriptor struct {
	Name        string    `json:"name"`
	Category    string    `json:"category,omitempty"`
	Subcategory string    `json:"subcategory,omitempty"`
	Status      Status    `json:"status"`
	Module      string    `json:"module"`
	Class       string    `json:"class"`
	Interface   Interface `json:"interface,omitempty"`
	Desc        string    `json:"desc,omitempty"`
}

// Key identifies the factory a descriptor resolves to.
func (d Descriptor) Key() string {
	return d.Module + ":" + d.Class
}

func (d *Descriptor) normalize() {
	d.Name = strings.TrimSpace(d.Name)
	d.Category = strings.TrimSpace(d.Category)
	d.Subcategory = strings.TrimSpace(d.Subcategory)
	d.Module = strings.TrimSpace(d.Module)
	d.Class = strings.TrimSpace(d.Class)
	d.Status = Status(strings.ToLower(strings.TrimSpace(string(d.Status))))
	d.Interface = Interface(strings.ToLower(strings.TrimSpace(string(d.Interface))))
	if d.Interface == "" {
		d.Interface = InterfaceCLI
	}
}

// ValidateModule applies the import-injection guard to a module path.
func ValidateModule(module string) error {
	if !strings.HasPrefix(module, ModulePrefix) {
		return fmt.Errorf("%w: %q must start with %q", ErrUnsafeModule, module, ModulePrefix)
	}
	if strings.Contains(module, "__") {
		return fmt.Errorf("%w: %q contains \"__\"", ErrUnsafeModule, module)
	}
	return nil
}

// Document is a parsed registry. Agents are ordered by category name and keep
// file order within a category.
type Document struct {
	Shape  Shape
	Agents []Descriptor
	// Invalid holds per-entry decode errors; those entries are dropped.
	Invalid []error
}

// NewDocument returns an empty category-shaped document.
func NewDocument() *Document {
	return &Document{Shape: ShapeCategories}
}

// ReadFile parses the registry stored at path.
func ReadFile(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes any accepted registry layout.
func Parse(raw []byte) (*Document, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrUnrecognizedShape)
	}

	doc := &Document{}
	switch trimmed[0] {
	case '[':
		doc.Shape = ShapeFlat
		var entries []json.RawMessage
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, fmt.Errorf("registry: decode list: %w", err)
		}
		doc.appendEntries(entries, "", "")
	case '{':
		doc.Shape = ShapeCategories
		var categories map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &categories); err != nil {
			return nil, fmt.Errorf("registry: decode mapping: %w", err)
		}
		for _, category := range sortedKeys(categories) {
			if err := doc.appendCategory(category, categories[category]); err != nil {
				return nil, err
			}
		}
	default:
		return nil, ErrUnrecognizedShape
	}
	return doc, nil
}

func (d *Document) appendCategory(category string, raw json.RawMessage) error {
	value := bytes.TrimSpace(raw)
	if len(value) == 0 {
		return fmt.Errorf("%w: category %q is empty", ErrUnrecognizedShape, category)
	}
	switch value[0] {
	case '[':
		var entries []json.RawMessage
		if err := json.Unmarshal(value, &entries); err != nil {
			return fmt.Errorf("registry: decode category %q: %w", category, err)
		}
		d.appendEntries(entries, category, "")
	case '{':
		d.Shape = ShapeNested
		var subs map[string][]json.RawMessage
		if err := json.Unmarshal(value, &subs); err != nil {
			return fmt.Errorf("%w: category %q: %v", ErrUnrecognizedShape, category, err)
		}
		for _, sub := range sortedKeys(subs) {
			d.appendEntries(subs[sub], category, sub)
		}
	default:
		return fmt.Errorf("%w: category %q is not a list or mapping", ErrUnrecognizedShape, category)
	}
	return nil
}

func (d *Document) appendEntries(entries []json.RawMessage, category, subcategory string) {
	for idx, entry := range entries {
		var desc Descriptor
		if err := json.Unmarshal(entry, &desc); err != nil {
			d.Invalid = append(d.Invalid, fmt.Errorf("registry: entry %d of %q: %w", idx, category, err))
			continue
		}
		if category != "" {
			desc.Category = category
		}
		if subcategory != "" {
			desc.Subcategory = subcategory
		}
		desc.normalize()
		d.Agents = append(d.Agents, desc)
	}
}

// Marshal encodes the document in the shape it was read from.
func (d *Document) Marshal() ([]byte, error) {
	var out any
	if d.Shape == ShapeFlat {
		list := make([]Descriptor, len(d.Agents))
		copy(list, d.Agents)
		out = list
	} else {
		tree := map[string]any{}
		for _, desc := range d.Agents {
			category := desc.Category
			if category == "" {
				category = "uncategorized"
			}
			if desc.Subcategory != "" {
				subs, _ := tree[category].(map[string][]Descriptor)
				if subs == nil {
					subs = map[string][]Descriptor{}
					if list, ok := tree[category].([]Descriptor); ok {
						subs["general"] = list
					}
					tree[category] = subs
				}
				subs[desc.Subcategory] = append(subs[desc.Subcategory], desc)
				continue
			}
			switch existing := tree[category].(type) {
			case map[string][]Descriptor:
				existing["general"] = append(existing["general"], desc)
			case []Descriptor:
				tree[category] = append(existing, desc)
			default:
				tree[category] = []Descriptor{desc}
			}
		}
		out = tree
	}
	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("registry: encode: %w", err)
	}
	return append(raw, '\n'), nil
}

// Find returns the first descriptor with the given name.
func (d *Document) Find(name string) (Descriptor, bool) {
	for _, desc := range d.Agents {
		if desc.Name == name {
			return desc, true
		}
	}
	return Descriptor{}, false
}

// Upsert replaces the descriptor with the same category and name, or appends
// it. It reports whether an existing entry was replaced.
func (d *Document) Upsert(desc Descriptor) bool {
	desc.normalize()
	for i, existing := range d.Agents {
		if existing.Category == desc.Category && existing.Name == desc.Name {
			d.Agents[i] = desc
			return true
		}
	}
	d.Agents = append(d.Agents, desc)
	return false
}

// Remove deletes the named descriptor from a category.
func (d *Document) Remove(category, name string) bool {
	for i, existing := range d.Agents {
		if existing.Category == category && existing.Name == name {
			d.Agents = append(d.Agents[:i], d.Agents[i+1:]...)
			return true
		}
	}
	return false
}

// Categories lists the distinct categories in file order.
func (d *Document) Categories() []string {
	seen := map[string]bool{}
	out := []string{}
	for _, desc := range d.Agents {
		if !seen[desc.Category] {
			seen[desc.Category] = true
			out = append(out, desc.Category)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
