package registry

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_LoadDefaultsRegistersAllThreeKinds(t *testing.T) {
	r := New("", "")
	r.LoadDefaults()

	for _, kind := range []Kind{KindGemini, KindClaudeCode, KindCodex} {
		cfg, ok := r.Get(kind)
		require.True(t, ok, "expected %s to be registered", kind)
		assert.NotEmpty(t, cfg.Executable)
	}
}

func TestRegistry_ResolveEnv_PrefixedOverridesBareName(t *testing.T) {
	r := New("", "AGENTSUP_")
	r.Register(&KindConfig{ID: KindGemini, RequiredEnv: []string{"GEMINI_API_KEY"}})

	t.Setenv("GEMINI_API_KEY", "bare-value")
	t.Setenv("AGENTSUP_GEMINI_API_KEY", "prefixed-value")

	resolved, err := r.ResolveEnv(KindGemini)
	require.NoError(t, err)
	assert.Equal(t, "prefixed-value", resolved["GEMINI_API_KEY"])
}

func TestRegistry_ResolveEnv_FallsBackToBareName(t *testing.T) {
	r := New("", "AGENTSUP_")
	r.Register(&KindConfig{ID: KindGemini, RequiredEnv: []string{"GEMINI_API_KEY"}})

	os.Unsetenv("AGENTSUP_GEMINI_API_KEY")
	t.Setenv("GEMINI_API_KEY", "bare-value")

	resolved, err := r.ResolveEnv(KindGemini)
	require.NoError(t, err)
	assert.Equal(t, "bare-value", resolved["GEMINI_API_KEY"])
}

func TestRegistry_ResolveEnv_ReportsAllMissingVars(t *testing.T) {
	r := New("", "")
	r.Register(&KindConfig{ID: KindCodex, RequiredEnv: []string{"MISSING_ONE", "MISSING_TWO"}})

	os.Unsetenv("MISSING_ONE")
	os.Unsetenv("MISSING_TWO")

	_, err := r.ResolveEnv(KindCodex)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MISSING_ONE")
	assert.Contains(t, err.Error(), "MISSING_TWO")
}

func TestRegistry_ResolveEnv_UnknownKind(t *testing.T) {
	r := New("", "")
	_, err := r.ResolveEnv(Kind("unknown"))
	assert.Error(t, err)
}
