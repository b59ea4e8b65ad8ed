package config

import "github.com/Einzieg/AI-meeting/pkg/models"

func boolp(v bool) *bool { return &v }

// BuiltinProviders are the chat-completions backends known out of the
// box. User-defined providers in providers.yaml override entries with
// the same id. The mock provider is part of the gateway itself and
// needs no entry here.
func BuiltinProviders() map[string]*ProviderConfig {
	return map[string]*ProviderConfig{
		"openai": {
			BaseURL:   "https://api.openai.com/v1",
			APIKeyEnv: "OPENAI_API_KEY",
		},
		"anthropic": {
			BaseURL:   "https://api.anthropic.com/v1",
			APIKeyEnv: "ANTHROPIC_API_KEY",
			ExtraHeaders: map[string]string{
				"anthropic-version": "2023-06-01",
			},
		},
		"gemini": {
			BaseURL:   "https://generativelanguage.googleapis.com/v1beta/openai",
			APIKeyEnv: "GEMINI_API_KEY",
		},
		"deepseek": {
			BaseURL:   "https://api.deepseek.com",
			APIKeyEnv: "DEEPSEEK_API_KEY",
		},
	}
}

// DefaultAppConfig returns the process-level defaults.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		LogLevel:             "info",
		LogFormat:            "json",
		ShutdownGraceSeconds: 30,
	}
}

// DefaultDatabaseConfig runs on the in-memory store unless enabled.
func DefaultDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		Enabled:      false,
		DSNEnv:       "DATABASE_URL",
		MaxOpenConns: 10,
		MaxIdleConns: 5,
	}
}

// DefaultMeetingDefaults is the built-in meeting template: three mock
// agents with distinct dispositions, suitable for the demo mode and as
// the base every user template merges over.
func DefaultMeetingDefaults() *MeetingDefaults {
	return &MeetingDefaults{
		DemoTopic: "Decide the rollout plan for the next release",
		Template: models.MeetingConfig{
			Agents: []models.AgentConfig{
				{
					ID:           "analyst",
					DisplayName:  "Analyst",
					Provider:     "mock",
					Model:        "mock-default",
					SystemPrompt: "You are a careful analyst. Weigh evidence and surface unstated assumptions.",
					Temperature:  0.7,
					Enabled:      true,
				},
				{
					ID:           "advocate",
					DisplayName:  "Advocate",
					Provider:     "mock",
					Model:        "mock-optimist",
					SystemPrompt: "You push for action. Find the fastest viable path and argue for it.",
					Temperature:  0.9,
					Enabled:      true,
				},
				{
					ID:           "skeptic",
					DisplayName:  "Skeptic",
					Provider:     "mock",
					Model:        "mock-dissenter",
					SystemPrompt: "You look for failure modes. Challenge proposals and demand mitigations.",
					Temperature:  0.8,
					Enabled:      true,
				},
			},
			Facilitator: models.FacilitatorConfig{Enabled: boolp(true)},
			Discussion:  models.DiscussionConfig{RollingSummaryEnabled: true},
		},
	}
}
