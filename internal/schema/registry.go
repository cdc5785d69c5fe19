package schema

import (
	"fmt"
	"os"
	"sort"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/dess-bridge/dess-bridge-pro/internal/models"
)

// DecodeRule selects how a raw value becomes a measurement value
type DecodeRule string

const (
	// DecodeFloat parses the raw value as a number and applies scale and
	// offset. The zero value of DecodeRule behaves the same.
	DecodeFloat DecodeRule = "float"
	// DecodeClampPositive keeps positive values and floors negatives to
	// zero (charging current on sign-combined fields).
	DecodeClampPositive DecodeRule = "clamp_positive"
	// DecodeAbsNegative emits the magnitude of negative values and zero
	// for positives (discharge current on sign-combined fields).
	DecodeAbsNegative DecodeRule = "abs_negative"
	// DecodeText keeps the raw value as text, optionally normalized
	// through the enum map.
	DecodeText DecodeRule = "text"
)

// FieldLayout represents one descriptor entry: which raw keys may carry the
// value, what it means, and how to decode it
type FieldLayout struct {
	// Name is the stable measurement name consumers key off.
	Name string      `yaml:"name"`
	Kind models.Kind `yaml:"kind"`
	Unit string      `yaml:"unit,omitempty"`
	// Keys are candidate raw keys in priority order; the first one present
	// in the payload wins. Matching is case-insensitive.
	Keys   []string   `yaml:"keys"`
	Scale  float64    `yaml:"scale,omitempty"`
	Offset float64    `yaml:"offset,omitempty"`
	Decode DecodeRule `yaml:"decode,omitempty"`
	// Enum normalizes raw text values for DecodeText fields. Lookup is
	// case-insensitive on the raw side.
	Enum map[string]string `yaml:"enum,omitempty"`
	// Required marks fields whose absence downgrades the batch to
	// incomplete instead of being silently skipped.
	Required bool `yaml:"required,omitempty"`
}

// Descriptor represents the field layout for one devcode
type Descriptor struct {
	Devcode int `yaml:"devcode"`
	// Version tracks the descriptor revision so payload-shape drift is
	// reported as a mismatch rather than silently misread.
	Version int           `yaml:"version"`
	Fields  []FieldLayout `yaml:"fields"`
	// Passthrough is set only on the fallback descriptor for unknown
	// devcodes.
	Passthrough bool `yaml:"-"`
}

// Registry maps devcodes to field-layout descriptors. Lookup is pure: no
// I/O, no mutation after construction.
type Registry struct {
	descriptors map[int]*Descriptor
}

// NewRegistry creates a registry with the built-in devcode tables
func NewRegistry() *Registry {
	r := &Registry{descriptors: make(map[int]*Descriptor)}
	for _, d := range builtinDescriptors() {
		r.descriptors[d.Devcode] = d
	}
	return r
}

// LoadOverlay merges descriptors from a YAML file, replacing built-in
// entries with the same devcode. New hardware support is a data change.
func (r *Registry) LoadOverlay(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read overlay file: %w", err)
	}

	var overlay struct {
		Descriptors []*Descriptor `yaml:"descriptors"`
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("unmarshal overlay: %w", err)
	}

	for _, d := range overlay.Descriptors {
		if d.Devcode == 0 {
			return fmt.Errorf("overlay descriptor missing devcode")
		}
		if d.Version == 0 {
			d.Version = 1
		}
		r.descriptors[d.Devcode] = d
		log.Info().
			Int("devcode", d.Devcode).
			Int("version", d.Version).
			Int("fields", len(d.Fields)).
			Msg("Schema descriptor loaded from overlay")
	}

	return nil
}

// Lookup returns the descriptor for a devcode. Unknown devcodes get a
// passthrough descriptor so new hardware degrades instead of failing.
func (r *Registry) Lookup(devcode int) *Descriptor {
	if d, ok := r.descriptors[devcode]; ok {
		return d
	}
	return &Descriptor{Devcode: devcode, Passthrough: true}
}

// Known reports whether a devcode has a real descriptor
func (r *Registry) Known(devcode int) bool {
	_, ok := r.descriptors[devcode]
	return ok
}

// Devcodes returns all registered devcodes
func (r *Registry) Devcodes() []int {
	codes := make([]int, 0, len(r.descriptors))
	for code := range r.descriptors {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	return codes
}
