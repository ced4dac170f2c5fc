package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigInitGeneratesTemplate(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "run.yaml")
	c := &ConfigInit{Command: "run", Format: "yaml", Output: dest}
	require.NoError(t, c.Run())

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Contains(t, string(data), "oversample")
	assert.Contains(t, string(data), "framePeriod")
}

func TestConfigInitRefusesOverwrite(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "run.json")
	require.NoError(t, os.WriteFile(dest, []byte("{}"), 0o644))

	c := &ConfigInit{Command: "run", Format: "json", Output: dest}
	assert.Error(t, c.Run())

	c.Force = true
	assert.NoError(t, c.Run())
}

func TestConfigInitSkipsPositionalArguments(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "decode.json")
	c := &ConfigInit{Command: "decode", Format: "json", Output: dest}
	require.NoError(t, c.Run())

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "input", "arg fields stay out of config files")
	assert.Contains(t, string(data), "output")
}
