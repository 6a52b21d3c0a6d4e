package telegraf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const foreignOnly = `# Global Agent Configuration
[agent]
  interval = "10s"
  flush_interval = "10s"

[[outputs.influxdb_v2]]
  urls = ["http://127.0.0.1:8086"]
  token = "secret"

[[processors.converter]]
  [processors.converter.fields]
    integer = ["count"]
`

const mixed = `[agent]
  interval = "10s"

# discovered by hand
[[inputs.opcua]]
  endpoint = "opc.tcp://plant:4840"
  security_policy = "None"
  nodes = [
    {name = "Temperature", namespace = "2", identifier_type = "i", identifier = "1001"},
  ]

[[outputs.file]]
  files = ["stdout"]
`

func TestLoadMissingFileYieldsEmptyModel(t *testing.T) {
	model, err := Load(filepath.Join(t.TempDir(), "does-not-exist.conf"))
	require.NoError(t, err)
	assert.Empty(t, model.Sections)
}

func TestLoadMalformedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telegraf.conf")
	require.NoError(t, os.WriteFile(path, []byte("[[inputs.opcua]\nbroken"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, path, pe.Path)
}

func TestForeignSectionsRoundTripByteIdentical(t *testing.T) {
	model, err := Parse([]byte(foreignOnly))
	require.NoError(t, err)
	for _, s := range model.Sections {
		require.NotNil(t, s.Opaque)
	}

	out, err := Render(model)
	require.NoError(t, err)
	assert.Equal(t, foreignOnly, string(out))
}

func TestParseOwnedSection(t *testing.T) {
	model, err := Parse([]byte(mixed))
	require.NoError(t, err)

	secs := model.OwnedByEndpoint("opc.tcp://plant:4840")
	require.Len(t, secs, 1)
	sec := secs[0]
	assert.Equal(t, PluginOPCUA, sec.Plugin)
	assert.Equal(t, "None", sec.Body["security_policy"])
	require.Len(t, sec.Entries, 1)
	assert.Equal(t, "Temperature", sec.Entries[0].Name)
	assert.Equal(t, "ns=2;i=1001", sec.Entries[0].Key())

	// comment ahead of the owned block belongs to the preceding opaque chunk
	require.NotNil(t, model.Sections[0].Opaque)
	assert.Contains(t, string(model.Sections[0].Opaque.Raw), "# discovered by hand")
}

func TestParseOwnedSectionWithNodeTables(t *testing.T) {
	src := `[[inputs.opcua_listener]]
endpoint = "opc.tcp://plant:4840"

[[inputs.opcua_listener.nodes]]
name = "Running"
namespace = "2"
identifier_type = "i"
identifier = "1002"
tags = [["kind", "boolean"]]
`
	model, err := Parse([]byte(src))
	require.NoError(t, err)

	secs := model.OwnedByEndpoint("opc.tcp://plant:4840")
	require.Len(t, secs, 1)
	assert.Equal(t, PluginOPCUAListener, secs[0].Plugin)
	require.Len(t, secs[0].Entries, 1)
	assert.Equal(t, KindBoolean, secs[0].Entries[0].Kind)
}

func TestRenderIsStableAcrossRoundTrips(t *testing.T) {
	model, err := Parse([]byte(mixed))
	require.NoError(t, err)
	first, err := Render(model)
	require.NoError(t, err)

	again, err := Parse(first)
	require.NoError(t, err)
	second, err := Render(again)
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
}

func TestRenderTwoOwnedSectionsStaysParsable(t *testing.T) {
	src := `[agent]
  interval = "10s"

[[inputs.opcua]]
  endpoint = "opc.tcp://plant:4840"
  nodes = [
    {name = "Temperature", namespace = "2", identifier_type = "i", identifier = "1001"},
  ]

[[inputs.opcua]]
  endpoint = "opc.tcp://mill:4840"
  nodes = [
    {name = "Pressure", namespace = "3", identifier_type = "i", identifier = "7"},
  ]

[[inputs.opcua_listener]]
  endpoint = "opc.tcp://plant:4840"
  nodes = []
`
	model, err := Parse([]byte(src))
	require.NoError(t, err)

	first, err := Render(model)
	require.NoError(t, err)

	again, err := Parse(first)
	require.NoError(t, err)
	assert.Len(t, again.OwnedByEndpoint("opc.tcp://plant:4840"), 2)
	assert.Len(t, again.OwnedByEndpoint("opc.tcp://mill:4840"), 1)

	second, err := Render(again)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestRenderPreservesHandWrittenInputsHeader(t *testing.T) {
	src := `[inputs]

[[inputs.opcua]]
endpoint = "opc.tcp://plant:4840"
nodes = []
`
	model, err := Parse([]byte(src))
	require.NoError(t, err)

	first, err := Render(model)
	require.NoError(t, err)
	assert.Contains(t, string(first), "[inputs]\n")

	again, err := Parse(first)
	require.NoError(t, err)
	second, err := Render(again)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestSaveIsAtomicAndSkipsUnchangedWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "telegraf.conf")

	model, err := Parse([]byte(mixed))
	require.NoError(t, err)

	wrote, err := Save(model, path)
	require.NoError(t, err)
	assert.True(t, wrote)

	before, err := os.Stat(path)
	require.NoError(t, err)

	wrote, err = Save(model, path)
	require.NoError(t, err)
	assert.False(t, wrote, "second save of unchanged model must not write")

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())

	// no temp files may survive
	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
}
