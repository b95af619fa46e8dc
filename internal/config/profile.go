package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServiceProfile carries per-service defaults keyed by service type.
//
//	services:
//	  openai:
//	    model: gpt-4o-mini
//	    timeout: 8s
//	    timeout_text: "..."
//	    headers:
//	      Authorization: Bearer sk-...
type ServiceProfile struct {
	Services map[string]ServiceEntry `yaml:"services"`
}

// ServiceEntry holds the overrides for one service type.
type ServiceEntry struct {
	Model           string            `yaml:"model"`
	Timeout         time.Duration     `yaml:"timeout"`
	Headers         map[string]string `yaml:"headers"`
	TimeoutText     string            `yaml:"timeout_text"`
	UnavailableText string            `yaml:"unavailable_text"`
	EmptyReplyText  string            `yaml:"empty_reply_text"`
}

// LoadServiceProfile loads a service profile from a YAML file.
func LoadServiceProfile(path string) (ServiceProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ServiceProfile{}, fmt.Errorf("failed to read service profile %s: %w", path, err)
	}

	var profile ServiceProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return ServiceProfile{}, fmt.Errorf("failed to parse service profile %s: %w", path, err)
	}
	return profile, nil
}
