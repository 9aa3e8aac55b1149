package params

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "params.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeFile(t, `[
		{"pid": 224, "name": "DIMMER_LEVEL", "description": "Output level 0-255"},
		{"pid": 96, "name": "LAMP_HOURS"}
	]`)

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())

	d, ok := s.Lookup(224)
	require.True(t, ok)
	assert.Equal(t, "DIMMER_LEVEL", d.Name)

	_, ok = s.Lookup(999)
	assert.False(t, ok)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadBadJSON(t *testing.T) {
	path := writeFile(t, `{not json`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestAnnotate(t *testing.T) {
	path := writeFile(t, `[{"pid": 224, "name": "DIMMER_LEVEL"}]`)
	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DIMMER_LEVEL", s.Annotate([]byte{0x00, 0xE0, 0x7F}))
	assert.Equal(t, "", s.Annotate([]byte{0x00, 0x01}))
	assert.Equal(t, "", s.Annotate([]byte{0x00}))
	assert.Equal(t, "", Empty().Annotate([]byte{0x00, 0xE0}))
}
