package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Einzieg/AI-meeting/pkg/models"
)

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestInitializeEmptyDirUsesDefaults(t *testing.T) {
	cfg, err := Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.False(t, cfg.Database.Enabled)
	assert.Equal(t, "DATABASE_URL", cfg.Database.DSNEnv)
	assert.Len(t, cfg.Meeting.Template.Agents, 3)
	assert.True(t, cfg.Meeting.Template.Facilitator.IsEnabled())

	// Built-in providers are present.
	for _, id := range []string{"openai", "anthropic", "gemini", "deepseek"} {
		p, ok := cfg.Provider(id)
		require.True(t, ok, "provider %s", id)
		assert.NotEmpty(t, p.BaseURL)
	}
}

func TestInitializeMergesUserValuesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "meetings.yaml", `
app:
  log_level: debug
  log_format: text
meeting:
  demo_topic: "Plan the offsite"
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, "text", cfg.App.LogFormat)
	assert.Equal(t, "Plan the offsite", cfg.Meeting.DemoTopic)
	// Untouched defaults survive the merge.
	assert.Equal(t, 30, cfg.App.ShutdownGraceSeconds)
	assert.Len(t, cfg.Meeting.Template.Agents, 3)
}

func TestInitializeUserProvidersOverrideBuiltins(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "providers.yaml", `
providers:
  openai:
    base_url: https://proxy.internal/v1
    api_key_env: PROXY_KEY
  local:
    base_url: http://localhost:8000/v1
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	openai, ok := cfg.Provider("openai")
	require.True(t, ok)
	assert.Equal(t, "https://proxy.internal/v1", openai.BaseURL)
	assert.Equal(t, "PROXY_KEY", openai.APIKeyEnv)

	local, ok := cfg.Provider("local")
	require.True(t, ok)
	assert.Equal(t, "http://localhost:8000/v1", local.BaseURL)

	// Builtins not overridden remain.
	_, ok = cfg.Provider("anthropic")
	assert.True(t, ok)
}

func TestInitializeRejectsProviderWithoutBaseURL(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "providers.yaml", `
providers:
  broken:
    api_key_env: SOME_KEY
`)
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_url")
}

func TestInitializeRejectsInvalidTemplate(t *testing.T) {
	dir := t.TempDir()
	// Two agents is below the minimum.
	writeConfig(t, dir, "meetings.yaml", `
meeting:
  template:
    agents:
      - id: a1
        provider: mock
        model: mock-default
        enabled: true
      - id: a2
        provider: mock
        model: mock-default
        enabled: true
`)
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "meeting template")
}

func TestInitializeInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "meetings.yaml", "app: [unclosed")
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)

	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "meetings.yaml", le.File)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestExpandEnvTemplateSyntax(t *testing.T) {
	t.Setenv("MEETING_TEST_TOPIC", "from-env")

	out := ExpandEnv([]byte("demo_topic: {{.MEETING_TEST_TOPIC}}"))
	assert.Equal(t, "demo_topic: from-env", string(out))

	// Missing variables expand to empty.
	out = ExpandEnv([]byte("key: {{.MEETING_TEST_UNSET_VAR}}"))
	assert.Equal(t, "key: ", string(out))

	// Plain dollar signs pass through untouched.
	out = ExpandEnv([]byte("prompt: costs $5 per run"))
	assert.Equal(t, "prompt: costs $5 per run", string(out))

	// Unparseable template syntax passes through for YAML to report.
	raw := []byte("key: {{.broken")
	assert.Equal(t, raw, ExpandEnv(raw))
}

func TestTemplateStaysSparseAfterValidation(t *testing.T) {
	cfg, err := Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)

	// The stored template must not have defaults baked in; per-meeting
	// overlays merge over it before ApplyDefaults runs.
	assert.Equal(t, models.DiscussionMode(""), cfg.Meeting.Template.Discussion.Mode)
	assert.Nil(t, cfg.Meeting.Template.Threshold.AvgScoreThreshold)
}

func TestInitializeExplicitFalseAndZeroOverrideDefaults(t *testing.T) {
	dir := t.TempDir()
	// enabled: false and min_rounds: 0 are deliberate settings; the
	// merge and later defaulting must not flip them back.
	writeConfig(t, dir, "meetings.yaml", `
meeting:
  template:
    facilitator:
      enabled: false
    threshold:
      min_rounds: 0
      max_rounds: 3
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	template := cfg.Meeting.Template
	template.ApplyDefaults()
	assert.False(t, template.Facilitator.IsEnabled())
	assert.Equal(t, 0, template.Threshold.MinRoundsValue())
	assert.Equal(t, 3, template.Threshold.MaxRounds)
}

func TestProviderAPIKeyResolution(t *testing.T) {
	t.Setenv("MEETING_TEST_API_KEY", "sk-123")
	p := &ProviderConfig{APIKeyEnv: "MEETING_TEST_API_KEY"}
	assert.Equal(t, "sk-123", p.APIKey())
	assert.Empty(t, (&ProviderConfig{}).APIKey())
}
