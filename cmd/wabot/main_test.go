package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	require.NoError(t, root.Execute())
	return out.String()
}

func TestVersionCommand(t *testing.T) {
	assert.Equal(t, "wabot dev\n", run(t, "version"))
}

func TestClassifyCommand(t *testing.T) {
	out := run(t, "classify", "weather", "in", "Paris")
	assert.Contains(t, out, "weather")
	assert.Contains(t, out, `"Paris"`)
	assert.Contains(t, out, "capability")

	out = run(t, "classify", "flip a coin")
	assert.Contains(t, out, "flip_coin")
	assert.Contains(t, out, "instant")

	assert.Contains(t, run(t, "classify", "qwzx plokm"), "unrecognized")
}

func TestClassifyRequiresText(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"classify"})
	assert.Error(t, root.Execute())
}

func TestIntentsCommand(t *testing.T) {
	out := run(t, "intents")
	assert.Contains(t, out, "rules,")
	assert.Contains(t, out, "flip_coin")
	assert.Contains(t, out, "remove_background")
	assert.Contains(t, out, "[file]")
}

func TestGatewayRejectsMissingConfig(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"gateway", "--config", t.TempDir() + "/missing.yaml"})
	assert.Error(t, root.Execute())
}
