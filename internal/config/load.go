package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"

	"github.com/dgellow/authsession/internal/log"
)

// Load loads and processes the config with immediate env var resolution
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates config file content
func Parse(data []byte) (Config, error) {
	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	version, ok := rawConfig["version"].(string)
	if !ok {
		return Config{}, fmt.Errorf("config version is required")
	}
	if version != Version {
		return Config{}, fmt.Errorf("unsupported config version: %s", version)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(config *Config) error {
	if err := validateURL("client.issuer", config.Client.Issuer, config.Client.Metadata == nil); err != nil {
		return err
	}
	if config.Client.ClientID == "" {
		return &ValidationError{Path: "client.clientId", Message: "clientId is required"}
	}
	if err := validateURL("client.redirectUri", config.Client.RedirectURI, false); err != nil {
		return err
	}

	switch config.Storage.Requests {
	case "", StorageMemory, StorageSQLite, StorageRedis, StorageFirestore:
	default:
		return &ValidationError{Path: "storage.requests", Message: fmt.Sprintf("unknown storage %q", config.Storage.Requests)}
	}
	switch config.Storage.Sessions {
	case "", StorageMemory, StorageSQLite, StorageRedis, StorageFirestore:
	default:
		return &ValidationError{Path: "storage.sessions", Message: fmt.Sprintf("unknown storage %q", config.Storage.Sessions)}
	}
	usesRedis := config.Storage.Requests == StorageRedis || config.Storage.Sessions == StorageRedis
	if usesRedis && config.Storage.RedisURL == "" {
		return &ValidationError{Path: "storage.redisUrl", Message: "redisUrl is required when using redis storage"}
	}
	usesFirestore := config.Storage.Requests == StorageFirestore || config.Storage.Sessions == StorageFirestore
	if usesFirestore && config.Storage.FirestoreProject == "" {
		return &ValidationError{Path: "storage.firestoreProject", Message: "firestoreProject is required when using firestore storage"}
	}
	if k := config.Storage.SealingKey; k != "" && len(k) < 16 {
		return &ValidationError{Path: "storage.sealingKey", Message: fmt.Sprintf("sealingKey must be at least 16 characters (got %d)", len(k))}
	}

	switch config.Coordination.Medium {
	case "", MediumNone, MediumFile:
	case MediumRedis:
		if config.Coordination.RedisURL == "" {
			return &ValidationError{Path: "coordination.redisUrl", Message: "redisUrl is required for the redis medium"}
		}
	default:
		return &ValidationError{Path: "coordination.medium", Message: fmt.Sprintf("unknown medium %q", config.Coordination.Medium)}
	}

	if p := config.Provider; p != nil {
		if err := validateProvider(p); err != nil {
			return err
		}
	}

	if config.Client.RenewBefore != nil && *config.Client.RenewBefore > 0 && config.Client.AutomaticSilentRenew != nil && !*config.Client.AutomaticSilentRenew {
		log.LogWarn("renewBefore is set but automaticSilentRenew is disabled")
	}
	return nil
}

func validateProvider(p *ProviderConfig) error {
	if p.Addr == "" {
		return &ValidationError{Path: "provider.addr", Message: "addr is required"}
	}
	if err := validateURL("provider.issuer", p.Issuer, true); err != nil {
		return err
	}
	if p.User.Subject == "" {
		return &ValidationError{Path: "provider.user.subject", Message: "subject is required"}
	}
	if len(p.Clients) == 0 {
		return &ValidationError{Path: "provider.clients", Message: "at least one client is required"}
	}
	for i, c := range p.Clients {
		path := fmt.Sprintf("provider.clients[%d]", i)
		if c.ID == "" {
			return &ValidationError{Path: path + ".id", Message: "id is required"}
		}
		if len(c.RedirectURIs) == 0 {
			return &ValidationError{Path: path + ".redirectUris", Message: "at least one redirect URI is required"}
		}
	}
	return nil
}

func validateURL(path, value string, required bool) error {
	if value == "" {
		if required {
			return &ValidationError{Path: path, Message: "is required"}
		}
		return nil
	}
	u, err := url.Parse(value)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &ValidationError{Path: path, Message: fmt.Sprintf("%q is not an absolute URL", value)}
	}
	return nil
}
