package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "simloom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestInitialize_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Initialize(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 120*time.Second, cfg.LLM.Timeout)
	assert.EqualValues(t, 3, cfg.LLM.MaxRetries)
	assert.Equal(t, 8, cfg.LLM.MaxConcurrent)
	assert.Equal(t, 2, cfg.Agent.MaxRepeat)
	assert.Equal(t, 5, cfg.Agent.MaxConsecutiveLLMErrors)
	assert.Equal(t, 5, cfg.Simulator.MaxStepsPerTurn)
	assert.Equal(t, 10000, cfg.Tree.NodeLogCap)
	assert.EqualValues(t, 1024, cfg.Experiment.PerRunBudget)
	assert.Empty(t, cfg.Database.URL)
	assert.Empty(t, cfg.Providers)
}

func TestInitialize_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
llm:
  default_provider: main
  timeout: 30s
  max_retries: 5
llm_providers:
  main:
    type: openai
    api_key: sk-test
    model: gpt-4o-mini
agent:
  max_repeat: 4
tree:
  node_log_cap: 500
`)
	cfg, err := Initialize(path)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.LLM.Timeout)
	assert.EqualValues(t, 5, cfg.LLM.MaxRetries)
	assert.Equal(t, "main", cfg.LLM.DefaultProvider)
	assert.Equal(t, 4, cfg.Agent.MaxRepeat)
	assert.Equal(t, 500, cfg.Tree.NodeLogCap)

	// Untouched sections keep their defaults.
	assert.Equal(t, 8, cfg.LLM.MaxConcurrent)
	assert.Equal(t, 5, cfg.Simulator.MaxStepsPerTurn)

	p, ok := cfg.Providers["main"]
	require.True(t, ok)
	assert.Equal(t, "gpt-4o-mini", p.Model)
}

func TestInitialize_EnvExpansion(t *testing.T) {
	t.Setenv("SIMLOOM_TEST_KEY", "sk-from-env")
	path := writeConfig(t, `
llm_providers:
  main:
    type: openai-compatible
    base_url: http://localhost:8080/v1
    api_key: "{{.SIMLOOM_TEST_KEY}}"
    model: local-model
`)
	cfg, err := Initialize(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", cfg.Providers["main"].APIKey)
}

func TestInitialize_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing model",
			content: `
llm_providers:
  main:
    type: openai
`,
			wantErr: "model is required",
		},
		{
			name: "unknown provider type",
			content: `
llm_providers:
  main:
    type: anthropic
    model: m
`,
			wantErr: "unknown type",
		},
		{
			name: "undefined default provider",
			content: `
llm:
  default_provider: ghost
`,
			wantErr: "not defined",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Initialize(writeConfig(t, tc.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestInitialize_BadYAML(t *testing.T) {
	_, err := Initialize(writeConfig(t, "llm: ["))
	require.Error(t, err)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("SIMLOOM_EXPAND_A", "alpha")

	out := ExpandEnv([]byte("key: {{.SIMLOOM_EXPAND_A}}"))
	assert.Equal(t, "key: alpha", string(out))

	// Missing variables expand to empty, not an error.
	out = ExpandEnv([]byte("key: {{.SIMLOOM_NEVER_SET_XYZ}}"))
	assert.Equal(t, "key: ", string(out))

	// Plain dollars and broken template syntax pass through unchanged.
	assert.Equal(t, "pass: a$b$c", string(ExpandEnv([]byte("pass: a$b$c"))))
	assert.Equal(t, "bad: {{", string(ExpandEnv([]byte("bad: {{"))))
}
