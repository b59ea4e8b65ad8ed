// Package config loads the process configuration: application settings
// from meetings.yaml, provider backends from providers.yaml, with
// environment expansion and built-in defaults merged underneath.
package config

// Config is the umbrella object returned by Initialize and used by the
// composition root.
type Config struct {
	configDir string

	App       *AppConfig
	Database  *DatabaseConfig
	Meeting   *MeetingDefaults
	Providers map[string]*ProviderConfig
}

// Stats summarizes the loaded configuration for startup logging.
type Stats struct {
	Providers      int
	TemplateAgents int
}

func (c *Config) Stats() Stats {
	s := Stats{Providers: len(c.Providers)}
	if c.Meeting != nil {
		s.TemplateAgents = len(c.Meeting.Template.Agents)
	}
	return s
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Provider retrieves a provider backend by id.
func (c *Config) Provider(id string) (*ProviderConfig, bool) {
	p, ok := c.Providers[id]
	return p, ok
}
