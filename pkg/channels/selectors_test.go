package channels

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSelectorsComplete(t *testing.T) {
	s := DefaultSelectors()
	assert.Empty(t, s.Missing())
	assert.NotEmpty(t, s.Version)
}

func TestLoadSelectorsEmptyPath(t *testing.T) {
	s, err := LoadSelectors("")
	require.NoError(t, err)
	assert.Equal(t, DefaultSelectors(), s)
}

func TestLoadSelectorsMergesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "selectors.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: "2026.2"
header:
  - //header//span[@data-testid="chat-title"]
send_button:
  - //button[@aria-label="Send"]
  - //span[@data-icon="send"]
`), 0o600))

	s, err := LoadSelectors(path)
	require.NoError(t, err)

	def := DefaultSelectors()
	assert.Equal(t, "2026.2", s.Version)
	assert.Equal(t, []string{`//header//span[@data-testid="chat-title"]`}, s.Header)
	assert.Len(t, s.SendButton, 2)
	assert.Equal(t, def.ChatRows, s.ChatRows)
	assert.Equal(t, def.QRCode, s.QRCode)
}

func TestLoadSelectorsErrors(t *testing.T) {
	_, err := LoadSelectors(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("header: [unclosed"), 0o600))
	_, err = LoadSelectors(path)
	assert.ErrorContains(t, err, "YAML parse error")
}

func TestMissingListsEmptyEntries(t *testing.T) {
	s := DefaultSelectors()
	s.Input = nil
	s.Attach = nil
	assert.Equal(t, []string{"input", "attach"}, s.Missing())
}
