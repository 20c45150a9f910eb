package process

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_EmptyCommand(t *testing.T) {
	_, err := Run(context.Background(), Params{})
	assert.ErrorIs(t, err, ErrEmptyCommand)
}

func TestCapture(t *testing.T) {
	c := newCapture(5)
	n, err := c.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	_, _ = c.Write([]byte("defg"))
	assert.Equal(t, "abcde", c.String())
	assert.True(t, c.truncated())

	sealed := newCapture(10)
	_, _ = sealed.Write([]byte("kept"))
	sealed.seal()
	n, err = sealed.Write([]byte("late"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "kept", sealed.String())
	assert.False(t, sealed.truncated())
}

func TestMergeEnv(t *testing.T) {
	env := mergeEnv([]string{"A=1", "B=2", "PATH=/bin"}, map[string]string{"B": "3", "C": "4"})
	assert.Equal(t, []string{"A=1", "PATH=/bin", "B=3", "C=4"}, env)
	base := []string{"X=1"}
	assert.Equal(t, base, mergeEnv(base, nil))
}

func TestOutput_Combined(t *testing.T) {
	assert.Equal(t, "out", Output{Stdout: "out"}.Combined())
	assert.Equal(t, "err", Output{Stderr: "err"}.Combined())
	assert.Equal(t, "out\nerr", Output{Stdout: "out", Stderr: "err"}.Combined())
	assert.True(t, strings.HasPrefix(Output{Stdout: "a", Stderr: "b"}.Combined(), "a"))
}
