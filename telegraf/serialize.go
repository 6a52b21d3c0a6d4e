package telegraf

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// ParseError reports a configuration file that exists but is not well-formed
// TOML. It is fatal: the tool must never silently overwrite a file it cannot
// parse.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Load reads a configuration file into a ConfigModel. A missing file yields
// an empty model; a malformed file yields a *ParseError.
func Load(path string) (*ConfigModel, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &ConfigModel{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	model, err := Parse(data)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return model, nil
}

// tableHeader matches a top-level TOML table or array-of-tables header and
// captures its dotted key path.
var tableHeader = regexp.MustCompile(`^\s*\[\[?\s*([^]\s]+)\s*\]\]?\s*(?:#.*)?$`)

// Parse splits the file into owned and opaque sections. The whole document
// is checked for well-formedness first, because opaque chunks are carried as
// raw bytes and never individually validated.
func Parse(data []byte) (*ConfigModel, error) {
	var doc map[string]interface{}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	model := &ConfigModel{}
	var opaque bytes.Buffer
	var owned bytes.Buffer
	ownedPath := ""

	flushOpaque := func() {
		if opaque.Len() > 0 {
			raw := append([]byte(nil), opaque.Bytes()...)
			model.Sections = append(model.Sections, Section{Opaque: &OpaqueSection{Raw: raw}})
			opaque.Reset()
		}
	}
	flushOwned := func() error {
		if ownedPath == "" {
			return nil
		}
		sec, err := parseOwned(owned.Bytes(), strings.TrimPrefix(ownedPath, "inputs."))
		if err != nil {
			return err
		}
		model.Sections = append(model.Sections, Section{Owned: sec})
		owned.Reset()
		ownedPath = ""
		return nil
	}

	for _, line := range bytes.SplitAfter(data, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		m := tableHeader.FindSubmatch(line)
		if m == nil {
			if ownedPath != "" {
				owned.Write(line)
			} else {
				opaque.Write(line)
			}
			continue
		}
		path := string(m[1])
		if ownedPath != "" && strings.HasPrefix(path, ownedPath+".") {
			// sub-table of the current owned block
			owned.Write(line)
			continue
		}
		if err := flushOwned(); err != nil {
			return nil, err
		}
		if path == "inputs."+PluginOPCUA || path == "inputs."+PluginOPCUAListener {
			flushOpaque()
			ownedPath = path
			owned.Write(line)
			continue
		}
		opaque.Write(line)
	}
	if err := flushOwned(); err != nil {
		return nil, err
	}
	flushOpaque()
	return model, nil
}

func parseOwned(raw []byte, plugin string) (*OwnedSection, error) {
	var doc struct {
		Inputs map[string][]map[string]interface{} `toml:"inputs"`
	}
	if err := toml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	blocks := doc.Inputs[plugin]
	if len(blocks) != 1 {
		return nil, errors.Errorf("expected one inputs.%s block, got %d", plugin, len(blocks))
	}
	body := blocks[0]

	sec := &OwnedSection{Plugin: plugin, Body: body}
	if ep, ok := body["endpoint"].(string); ok {
		sec.Endpoint = ep
	}
	if nodes, ok := body["nodes"].([]interface{}); ok {
		for _, n := range nodes {
			node, ok := n.(map[string]interface{})
			if !ok {
				continue
			}
			sec.Entries = append(sec.Entries, entryFromNode(node))
		}
	}
	delete(body, "nodes")
	return sec, nil
}

func entryFromNode(node map[string]interface{}) MetricEntry {
	e := MetricEntry{
		Name:           stringOf(node["name"]),
		Namespace:      stringOf(node["namespace"]),
		IdentifierType: stringOf(node["identifier_type"]),
		Identifier:     stringOf(node["identifier"]),
	}
	if tags, ok := node["tags"].([]interface{}); ok {
		for _, t := range tags {
			pair, ok := t.([]interface{})
			if !ok || len(pair) != 2 {
				continue
			}
			k, v := stringOf(pair[0]), stringOf(pair[1])
			e.Tags = append(e.Tags, []string{k, v})
			if k == "kind" {
				e.Kind = ValueKind(v)
			}
		}
	}
	return e
}

func stringOf(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Render serializes the model. Opaque sections are emitted verbatim; owned
// sections are re-encoded, with entries in their model order and body keys
// sorted by the encoder, so rendering is deterministic.
func Render(m *ConfigModel) ([]byte, error) {
	var buf bytes.Buffer
	for _, s := range m.Sections {
		if s.Opaque != nil {
			buf.Write(s.Opaque.Raw)
			continue
		}
		out, err := renderOwned(s.Owned)
		if err != nil {
			return nil, err
		}
		buf.Write(out)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func renderOwned(sec *OwnedSection) ([]byte, error) {
	body := make(map[string]interface{}, len(sec.Body)+2)
	for k, v := range sec.Body {
		body[k] = v
	}
	if sec.Endpoint != "" {
		body["endpoint"] = sec.Endpoint
	}
	nodes := make([]map[string]interface{}, 0, len(sec.Entries))
	for _, e := range sec.Entries {
		nodes = append(nodes, nodeOf(e))
	}
	body["nodes"] = nodes

	doc := map[string]interface{}{
		"inputs": map[string]interface{}{
			sec.Plugin: []map[string]interface{}{body},
		},
	}
	out, err := toml.Marshal(doc)
	if err != nil {
		return nil, errors.Wrapf(err, "render inputs.%s section", sec.Plugin)
	}
	// The encoder prefixes the block with a bare [inputs] parent header.
	// Sections render independently, so repeating that header once per
	// block would redefine the inputs table and corrupt the document.
	out = bytes.TrimPrefix(out, []byte("[inputs]\n"))
	return out, nil
}

func nodeOf(e MetricEntry) map[string]interface{} {
	node := map[string]interface{}{
		"name":            e.Name,
		"namespace":       e.Namespace,
		"identifier_type": e.IdentifierType,
		"identifier":      e.Identifier,
	}
	tags := e.Tags
	if e.Kind != "" && !hasTag(tags, "kind") {
		tags = append([][]string{{"kind", string(e.Kind)}}, tags...)
	}
	if len(tags) > 0 {
		node["tags"] = tags
	}
	return node
}

func hasTag(tags [][]string, key string) bool {
	for _, t := range tags {
		if len(t) == 2 && t[0] == key {
			return true
		}
	}
	return false
}

// Save renders the model and atomically replaces path with the result. When
// the rendered bytes equal the file's current content the write is skipped
// entirely, leaving the modification time untouched so downstream file
// watchers see no spurious reload signal. The returned bool reports whether
// a write happened.
func Save(m *ConfigModel, path string) (bool, error) {
	rendered, err := Render(m)
	if err != nil {
		return false, err
	}
	current, err := os.ReadFile(path)
	if err == nil && bytes.Equal(current, rendered) {
		return false, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return false, errors.Wrapf(err, "read %s", path)
	}
	if err := WriteFileAtomic(path, rendered); err != nil {
		return false, err
	}
	return true, nil
}

// WriteFileAtomic writes data to a temporary file in the target directory and
// renames it into place, so a concurrently reading consumer never observes a
// partial file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return errors.Wrapf(err, "create temp file in %s", dir)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "write %s", tmp.Name())
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "sync %s", tmp.Name())
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close %s", tmp.Name())
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return errors.Wrapf(err, "chmod %s", tmp.Name())
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "rename %s to %s", tmp.Name(), path)
	}
	return nil
}
