package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveConfigPath(t *testing.T) {
	p, err := resolveConfigPath([]string{"test.yaml"}, "")
	require.NoError(t, err)
	assert.Equal(t, "test.yaml", p)

	p, err = resolveConfigPath(nil, "flagged.yaml")
	require.NoError(t, err)
	assert.Equal(t, "flagged.yaml", p)

	// The positional argument wins over the flag.
	p, err = resolveConfigPath([]string{"pos.yaml"}, "flagged.yaml")
	require.NoError(t, err)
	assert.Equal(t, "pos.yaml", p)

	_, err = resolveConfigPath(nil, "")
	assert.Error(t, err)
}

func TestRunCommandAcceptsPositionalConfig(t *testing.T) {
	cmd := newRunCommand()
	assert.NoError(t, cmd.Args(cmd, []string{"test.yaml"}))
	assert.NoError(t, cmd.Args(cmd, nil))
	assert.Error(t, cmd.Args(cmd, []string{"a.yaml", "b.yaml"}))
}
