package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// ParseConfigValue parses a JSON value that is either a plain string or an
// environment reference {"$env": "VAR_NAME"}. References are resolved
// immediately; an unset variable is an error.
func ParseConfigValue(raw json.RawMessage) (string, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str, nil
	}

	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("config value must be string or reference object")
	}

	envVar, ok := ref["$env"]
	if !ok {
		return "", fmt.Errorf("unknown reference type in config value")
	}
	value := os.Getenv(envVar)
	if value == "" {
		return "", fmt.Errorf("environment variable %s not set", envVar)
	}
	// Strip surrounding quotes if present (only matching pairs)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return value, nil
}

// UnmarshalJSON resolves the env reference in clientSecret
func (s *Settings) UnmarshalJSON(data []byte) error {
	type plain Settings
	var raw struct {
		plain
		ClientSecret json.RawMessage `json:"clientSecret,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Settings(raw.plain)
	if len(raw.ClientSecret) > 0 {
		v, err := ParseConfigValue(raw.ClientSecret)
		if err != nil {
			return fmt.Errorf("parsing clientSecret: %w", err)
		}
		s.ClientSecret = Secret(v)
	}
	return nil
}

// UnmarshalJSON resolves the env reference in sealingKey
func (c *StorageConfig) UnmarshalJSON(data []byte) error {
	type plain StorageConfig
	var raw struct {
		plain
		SealingKey json.RawMessage `json:"sealingKey,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = StorageConfig(raw.plain)
	if len(raw.SealingKey) > 0 {
		v, err := ParseConfigValue(raw.SealingKey)
		if err != nil {
			return fmt.Errorf("parsing sealingKey: %w", err)
		}
		c.SealingKey = Secret(v)
	}
	return nil
}

// UnmarshalJSON resolves the env reference in a provider client secret
func (c *ProviderClient) UnmarshalJSON(data []byte) error {
	type plain ProviderClient
	var raw struct {
		plain
		Secret json.RawMessage `json:"secret,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = ProviderClient(raw.plain)
	if len(raw.Secret) > 0 {
		v, err := ParseConfigValue(raw.Secret)
		if err != nil {
			return fmt.Errorf("parsing secret: %w", err)
		}
		c.Secret = Secret(v)
	}
	return nil
}
