// Package telegraf models the subset of a Telegraf configuration file that
// this tool owns: [[inputs.opcua]] and [[inputs.opcua_listener]] blocks and
// their node lists. Everything else in the file is carried through as opaque
// text and never reinterpreted.
package telegraf

import (
	"fmt"
	"sort"
	"strings"
)

// Plugin types whose input blocks this tool owns and rewrites.
const (
	PluginOPCUA         = "opcua"
	PluginOPCUAListener = "opcua_listener"
)

// OwnedPlugin reports whether an inputs plugin type is managed by this tool.
func OwnedPlugin(name string) bool {
	return name == PluginOPCUA || name == PluginOPCUAListener
}

// ValueKind tags the kind of value a monitored node produces.
type ValueKind string

const (
	KindNumeric    ValueKind = "numeric"
	KindBoolean    ValueKind = "boolean"
	KindString     ValueKind = "string"
	KindEnumerated ValueKind = "enumerated"
)

// MetricEntry is one monitored node inside an owned input block. The four
// identifier fields follow the node configuration understood by the Telegraf
// OPC UA plugins; the value kind travels as a per-node tag.
type MetricEntry struct {
	Name           string
	Namespace      string
	IdentifierType string // s, i, g or b
	Identifier     string
	Kind           ValueKind
	Tags           [][]string

	// BrowsePath holds the browse names from the walk root down to and
	// including this node. Used to qualify colliding field names. Never
	// serialized.
	BrowsePath []string
}

// Key returns the canonical node identity used for set operations between
// discovery passes, e.g. "ns=2;i=1001".
func (e MetricEntry) Key() string {
	return fmt.Sprintf("ns=%s;%s=%s", e.Namespace, e.IdentifierType, e.Identifier)
}

// QualifiedName returns the browse-path qualified field name.
func (e MetricEntry) QualifiedName() string {
	if len(e.BrowsePath) == 0 {
		return e.Name
	}
	return strings.Join(e.BrowsePath, ".")
}

// OwnedSection is one [[inputs.<plugin>]] block generated or updated by this
// tool. Body carries every key of the block except "nodes" so connection
// settings written by hand survive a rewrite.
type OwnedSection struct {
	Plugin   string
	Endpoint string
	Body     map[string]interface{}
	Entries  []MetricEntry
}

// OpaqueSection is a raw chunk of the configuration file that this tool does
// not own. It is preserved byte for byte.
type OpaqueSection struct {
	Raw []byte
}

// Section is the tagged union of the two block types. Exactly one field is
// non-nil.
type Section struct {
	Owned  *OwnedSection
	Opaque *OpaqueSection
}

// ConfigModel is the in-memory form of one configuration file: an ordered
// list of sections. Opaque sections keep their relative order.
type ConfigModel struct {
	Sections []Section
}

// OwnedByEndpoint returns all owned sections configured for the endpoint, in
// file order.
func (m *ConfigModel) OwnedByEndpoint(endpoint string) []*OwnedSection {
	var out []*OwnedSection
	for _, s := range m.Sections {
		if s.Owned != nil && s.Owned.Endpoint == endpoint {
			out = append(out, s.Owned)
		}
	}
	return out
}

// Endpoints returns the unique endpoint URLs of all owned sections, in file
// order.
func (m *ConfigModel) Endpoints() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range m.Sections {
		if s.Owned == nil || s.Owned.Endpoint == "" {
			continue
		}
		if !seen[s.Owned.Endpoint] {
			seen[s.Owned.Endpoint] = true
			out = append(out, s.Owned.Endpoint)
		}
	}
	return out
}

// Clone returns a copy that is safe to mutate through Merge. Entry slices are
// copied; section bodies are shared because merging never rewrites them.
func (m *ConfigModel) Clone() *ConfigModel {
	next := &ConfigModel{Sections: make([]Section, len(m.Sections))}
	for i, s := range m.Sections {
		if s.Opaque != nil {
			next.Sections[i] = Section{Opaque: s.Opaque}
			continue
		}
		owned := *s.Owned
		owned.Entries = append([]MetricEntry(nil), s.Owned.Entries...)
		next.Sections[i] = Section{Owned: &owned}
	}
	return next
}

// Adopt folds the monitored entries of a previously written model into m.
// m keeps its own section structure and entry order; entries that only exist
// in prev are appended in canonical key order. Owned sections of prev whose
// endpoint is listed in keepEndpoints but missing from m entirely are carried
// over, so sections created for explicitly configured endpoints survive even
// though the input file never mentions them.
func (m *ConfigModel) Adopt(prev *ConfigModel, keepEndpoints []string) {
	for _, s := range m.Sections {
		if s.Owned == nil {
			continue
		}
		for _, p := range prev.OwnedByEndpoint(s.Owned.Endpoint) {
			if p.Plugin != s.Owned.Plugin {
				continue
			}
			s.Owned.Entries = unionEntries(s.Owned.Entries, p.Entries)
		}
	}

	keep := make(map[string]bool, len(keepEndpoints))
	for _, ep := range keepEndpoints {
		keep[ep] = true
	}
	for _, s := range prev.Sections {
		if s.Owned == nil || !keep[s.Owned.Endpoint] {
			continue
		}
		if m.findOwned(s.Owned.Plugin, s.Owned.Endpoint) != nil {
			continue
		}
		owned := *s.Owned
		owned.Entries = append([]MetricEntry(nil), s.Owned.Entries...)
		m.Sections = append(m.Sections, Section{Owned: &owned})
	}
}

func (m *ConfigModel) findOwned(plugin, endpoint string) *OwnedSection {
	for _, s := range m.Sections {
		if s.Owned != nil && s.Owned.Plugin == plugin && s.Owned.Endpoint == endpoint {
			return s.Owned
		}
	}
	return nil
}

// unionEntries keeps base order and appends extra entries not present in
// base, sorted by key so the result does not depend on map iteration.
func unionEntries(base, extra []MetricEntry) []MetricEntry {
	have := make(map[string]bool, len(base))
	for _, e := range base {
		have[e.Key()] = true
	}
	var added []MetricEntry
	for _, e := range extra {
		if !have[e.Key()] {
			have[e.Key()] = true
			added = append(added, e)
		}
	}
	sort.Slice(added, func(i, j int) bool { return added[i].Key() < added[j].Key() })
	return append(base, added...)
}
