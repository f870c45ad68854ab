// Package registry holds the per-AgentKind launch configuration: which
// executable to run, its argv template, and the environment variables
// its credentials must be resolved from.
package registry

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Kind is one of the three agent kinds this supervisor launches. The
// ACP protocol surface is identical across kinds; only the child
// executable and its argv differ.
type Kind string

const (
	KindGemini     Kind = "gemini"
	KindClaudeCode Kind = "claude-code"
	KindCodex      Kind = "codex"
)

// KindConfig describes how to launch one AgentKind.
type KindConfig struct {
	ID          Kind
	Executable  string   // looked up by the launcher; BinDir only reaches the child's PATH (see ResolvePath)
	Args        []string // argv appended after the executable; ACP mode flags live here
	RequiredEnv []string // env var names that must resolve before spawn, e.g. API keys
}

// Registry holds the known KindConfigs, keyed by Kind.
type Registry struct {
	mu      sync.RWMutex
	configs map[Kind]*KindConfig
	binDir  string
	envPrefix string
}

// New creates an empty Registry. binDir, if non-empty, is prepended to
// the PATH handed to spawned children (see ResolvePath); it does not
// change where the exec launcher looks up the executable itself, which
// is the supervisor's own PATH. envPrefix mirrors the teacher's
// prefixed-credential lookup idiom.
func New(binDir, envPrefix string) *Registry {
	return &Registry{
		configs:   make(map[Kind]*KindConfig),
		binDir:    binDir,
		envPrefix: envPrefix,
	}
}

// LoadDefaults registers the three built-in agent kinds with their
// conventional ACP launch invocations.
func (r *Registry) LoadDefaults() {
	r.Register(&KindConfig{
		ID:          KindGemini,
		Executable:  "gemini",
		Args:        []string{"--acp"},
		RequiredEnv: []string{"GEMINI_API_KEY"},
	})
	r.Register(&KindConfig{
		ID:          KindClaudeCode,
		Executable:  "claude-code-acp",
		Args:        nil,
		RequiredEnv: []string{"ANTHROPIC_API_KEY"},
	})
	r.Register(&KindConfig{
		ID:          KindCodex,
		Executable:  "codex",
		Args:        []string{"acp"},
		RequiredEnv: []string{"OPENAI_API_KEY"},
	})
}

// Register adds or replaces the config for one kind.
func (r *Registry) Register(cfg *KindConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[cfg.ID] = cfg
}

// Get returns the config for kind, if registered.
func (r *Registry) Get(kind Kind) (*KindConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[kind]
	return cfg, ok
}

// List returns every registered kind.
func (r *Registry) List() []*KindConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*KindConfig, 0, len(r.configs))
	for _, cfg := range r.configs {
		out = append(out, cfg)
	}
	return out
}

// ResolveEnv resolves kind's RequiredEnv against the process
// environment, trying the prefixed name first (so the supervisor's own
// env namespace can override a credential) and falling back to the bare
// name, per the env-lookup-with-prefix idiom. Returns an error naming
// every variable that could not be resolved, rather than failing on the
// first miss, so a spawn failure report is complete.
func (r *Registry) ResolveEnv(kind Kind) (map[string]string, error) {
	cfg, ok := r.Get(kind)
	if !ok {
		return nil, fmt.Errorf("unknown agent kind: %s", kind)
	}

	resolved := make(map[string]string, len(cfg.RequiredEnv))
	var missing []string
	for _, key := range cfg.RequiredEnv {
		if r.envPrefix != "" {
			if value := os.Getenv(r.envPrefix + key); value != "" {
				resolved[key] = value
				continue
			}
		}
		if value := os.Getenv(key); value != "" {
			resolved[key] = value
			continue
		}
		missing = append(missing, key)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables for %s: %s", kind, strings.Join(missing, ", "))
	}
	return resolved, nil
}

// ResolvePath returns the PATH value to use when spawning, with binDir
// prepended if configured.
func (r *Registry) ResolvePath() string {
	path := os.Getenv("PATH")
	if r.binDir == "" {
		return path
	}
	return r.binDir + string(os.PathListSeparator) + path
}
