package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// meetingsYAML is the meetings.yaml file structure.
type meetingsYAML struct {
	App      *AppConfig       `yaml:"app"`
	Database *DatabaseConfig  `yaml:"database"`
	Meeting  *MeetingDefaults `yaml:"meeting"`
}

// providersYAML is the providers.yaml file structure.
type providersYAML struct {
	Providers map[string]*ProviderConfig `yaml:"providers"`
}

// Initialize loads, merges, validates, and returns ready-to-use
// configuration:
//
//  1. Read meetings.yaml and providers.yaml from configDir
//  2. Expand environment variables ({{.VAR}} template syntax)
//  3. Merge user values over built-in defaults
//  4. Validate the meeting template
//
// Both files are optional; a missing file means pure defaults.
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("initializing configuration")

	loader := &configLoader{configDir: configDir}

	var meetings meetingsYAML
	if err := loader.loadYAML("meetings.yaml", &meetings); err != nil {
		return nil, NewLoadError("meetings.yaml", err)
	}
	var providers providersYAML
	if err := loader.loadYAML("providers.yaml", &providers); err != nil {
		return nil, NewLoadError("providers.yaml", err)
	}

	app := DefaultAppConfig()
	if meetings.App != nil {
		if err := mergo.Merge(app, meetings.App, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging app config: %w", err)
		}
	}
	db := DefaultDatabaseConfig()
	if meetings.Database != nil {
		if err := mergo.Merge(db, meetings.Database, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging database config: %w", err)
		}
	}
	meeting := DefaultMeetingDefaults()
	if meetings.Meeting != nil {
		// WithoutDereference keeps presence-aware pointer fields intact:
		// a user's explicit `enabled: false` or `min_rounds: 0` is a
		// non-nil pointer and must override the builtin, not be treated
		// as an empty value.
		if err := mergo.Merge(meeting, meetings.Meeting, mergo.WithOverride, mergo.WithoutDereference); err != nil {
			return nil, fmt.Errorf("merging meeting defaults: %w", err)
		}
	}

	merged := BuiltinProviders()
	for id, p := range providers.Providers {
		merged[id] = p
	}

	cfg := &Config{
		configDir: configDir,
		App:       app,
		Database:  db,
		Meeting:   meeting,
		Providers: merged,
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("configuration initialized",
		"providers", stats.Providers,
		"template_agents", stats.TemplateAgents)
	return cfg, nil
}

// validate checks the parts a bad file could break. The meeting
// template is validated with defaults applied on a copy; the stored
// template itself stays sparse so per-meeting overrides merge cleanly.
func validate(cfg *Config) error {
	for id, p := range cfg.Providers {
		if p.BaseURL == "" {
			return fmt.Errorf("provider %s: base_url must not be empty", id)
		}
	}
	template := cfg.Meeting.Template
	template.ApplyDefaults()
	if err := template.Validate(); err != nil {
		return fmt.Errorf("meeting template: %w", err)
	}
	return nil
}

type configLoader struct {
	configDir string
}

// loadYAML reads one file, expands environment variables, and parses
// it. A missing file is not an error; the target keeps its zero value.
func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	data = ExpandEnv(data)
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return nil
}
