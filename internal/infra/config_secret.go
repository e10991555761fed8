package infra

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SecretConfig is a credentials-only yaml kept outside the main config,
// keyed by exchange name.
type SecretConfig struct {
	Exchanges map[string]Credentials `yaml:"exchanges"`
}

// LoadSecretConfig loads API keys from a separate yaml file.
// It returns error if file is missing (Fail Fast).
func LoadSecretConfig(path string) (*SecretConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret config: %w", err)
	}

	var cfg SecretConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse secret config: %w", err)
	}

	return &cfg, nil
}

// Apply copies secrets into cfg for exchanges that have no credentials yet.
// Environment overrides still win because they are applied again afterwards.
func (s *SecretConfig) Apply(cfg *Config) {
	for i := range cfg.Exchanges {
		ex := &cfg.Exchanges[i]
		creds, ok := s.Exchanges[ex.Name]
		if !ok || ex.Credentials.Configured() {
			continue
		}
		ex.Credentials = creds
	}
	overrideWithEnv(cfg)
}
