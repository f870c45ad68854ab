package pathutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize_EquivalentForms(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	want := filepath.Clean(filepath.Join(home, "x"))

	forms := []string{
		"~/x",
		"~/x/",
		"~/x/y/..",
		filepath.Join(home, "x"),
	}

	for _, f := range forms {
		got, err := Canonicalize(f)
		require.NoError(t, err, f)
		assert.Equal(t, want, got, "canonicalize(%q)", f)
	}
}

func TestCanonicalize_TrailingSlashStripped(t *testing.T) {
	got, err := Canonicalize("/tmp/proj/")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/proj", got)
}

func TestClientKey_DistinctPerKindAndPath(t *testing.T) {
	a := ClientKey("claude-code", "/home/u/proj")
	b := ClientKey("gemini", "/home/u/proj")
	c := ClientKey("claude-code", "/home/u/other")
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, a, ClientKey("claude-code", "/home/u/proj"))
}
