package utils

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderTable(t *testing.T) {
	out := RenderTable([]string{"NAME", "FACES"}, [][]string{{"alice", "2"}, {"bob"}}, 2)

	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "bob")
	assert.Less(t, strings.Index(out, "alice"), strings.Index(out, "bob"))

	assert.Empty(t, RenderTable(nil, nil))
}

func TestIsTerminalOnRegularFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "tty")
	require.NoError(t, err)
	defer f.Close()

	assert.False(t, IsTerminal(f))
}

func TestSafeCommandCapturesStderr(t *testing.T) {
	cmd := NewSafeCommand(context.Background(), "sh", "-c", "echo boom 1>&2; exit 3")
	err := cmd.Run()

	require.Error(t, err)
	assert.Contains(t, cmd.Stderr.String(), "boom")
}
