package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

var bashStyleRegex = regexp.MustCompile(`\$\{?([A-Z_][A-Z0-9_]*)\}?`)

// ValidateFile validates a config file structure without requiring env vars
func ValidateFile(path string) (*ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ValidateBytes(data), nil
}

// ValidateBytes validates config content without resolving env references
func ValidateBytes(data []byte) *ValidationResult {
	result := &ValidationResult{}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Message: fmt.Sprintf("invalid JSON: %v", err),
		})
		return result
	}

	checkBashStyleSyntax(rawConfig, "", result)

	version, ok := rawConfig["version"].(string)
	if !ok {
		result.Errors = append(result.Errors, ValidationError{
			Path:    "version",
			Message: fmt.Sprintf("version field is required. Hint: Add \"version\": %q", Version),
		})
	} else if version != Version {
		result.Errors = append(result.Errors, ValidationError{
			Path:    "version",
			Message: fmt.Sprintf("unsupported version '%s' - use '%s'", version, Version),
		})
	}

	client, ok := rawConfig["client"].(map[string]any)
	if !ok {
		result.Errors = append(result.Errors, ValidationError{
			Path:    "client",
			Message: "client section is required",
		})
	} else {
		validateClientStructure(client, result)
	}

	if storage, ok := rawConfig["storage"].(map[string]any); ok {
		if key, exists := storage["sealingKey"]; exists {
			if err := validateEnvVarReference(key, "sealingKey", "storage.sealingKey"); err != nil {
				result.Errors = append(result.Errors, *err)
			}
		}
		if req, _ := storage["requests"].(string); req == string(StorageMemory) {
			result.Warnings = append(result.Warnings, ValidationError{
				Path:    "storage.requests",
				Message: "memory request storage does not survive restarts; a redirect arriving after a restart will fail correlation",
			})
		}
	}

	if provider, ok := rawConfig["provider"].(map[string]any); ok {
		if _, ok := provider["issuer"].(string); !ok {
			result.Errors = append(result.Errors, ValidationError{
				Path:    "provider.issuer",
				Message: "issuer is required",
			})
		}
		if user, _ := provider["user"].(map[string]any); user == nil || user["subject"] == nil {
			result.Errors = append(result.Errors, ValidationError{
				Path:    "provider.user.subject",
				Message: "the signed-in user needs a subject",
			})
		}
		if clients, ok := provider["clients"].([]any); ok {
			for i, c := range clients {
				cm, ok := c.(map[string]any)
				if !ok {
					continue
				}
				if secret, exists := cm["secret"]; exists {
					path := fmt.Sprintf("provider.clients[%d].secret", i)
					if err := validateEnvVarReference(secret, "secret", path); err != nil {
						result.Errors = append(result.Errors, *err)
					}
				}
			}
		}
	}

	return result
}

func validateClientStructure(client map[string]any, result *ValidationResult) {
	if _, ok := client["clientId"].(string); !ok {
		result.Errors = append(result.Errors, ValidationError{
			Path:    "client.clientId",
			Message: "clientId is required",
		})
	}
	_, hasIssuer := client["issuer"].(string)
	_, hasMetadata := client["metadata"].(map[string]any)
	if !hasIssuer && !hasMetadata {
		result.Errors = append(result.Errors, ValidationError{
			Path:    "client.issuer",
			Message: "issuer is required unless metadata lists the provider endpoints",
		})
	}
	if secret, exists := client["clientSecret"]; exists {
		if err := validateEnvVarReference(secret, "clientSecret", "client.clientSecret"); err != nil {
			result.Errors = append(result.Errors, *err)
		}
	}

	for _, field := range []string{"renewBefore", "clockSkew", "interactionTimeout", "requestMaxAge", "renewLockTtl", "monitorInterval"} {
		v, exists := client[field]
		if !exists {
			continue
		}
		s, ok := v.(string)
		if _, err := time.ParseDuration(s); !ok || err != nil {
			result.Errors = append(result.Errors, ValidationError{
				Path:    "client." + field,
				Message: fmt.Sprintf("must be a duration string like \"60s\", got %v", v),
			})
		}
	}

	if rt, ok := client["responseType"].(string); ok {
		for _, part := range strings.Fields(rt) {
			if part != "code" && part != "id_token" && part != "token" {
				result.Errors = append(result.Errors, ValidationError{
					Path:    "client.responseType",
					Message: fmt.Sprintf("unsupported response type %q", part),
				})
			}
		}
	}

	if renew, ok := client["automaticSilentRenew"].(bool); ok && renew {
		if useRefresh, ok := client["useRefreshToken"].(bool); ok && !useRefresh {
			result.Warnings = append(result.Warnings, ValidationError{
				Path:    "client.useRefreshToken",
				Message: "automatic renewal without refresh tokens relies on the provider session and a headless silent request",
			})
		}
	}
}

// validateEnvVarReference validates that a field uses proper env var reference format
func validateEnvVarReference(value any, fieldName, path string) *ValidationError {
	switch v := value.(type) {
	case string:
		if matches := bashStyleRegex.FindStringSubmatch(v); len(matches) > 1 {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", v, matches[1]),
			}
		}
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must use environment variable reference {\"$env\": \"YOUR_ENV_VAR\"} instead of plain text. Hint: This keeps secrets out of config files", fieldName),
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; !hasEnv {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("%s must use {\"$env\": \"YOUR_ENV_VAR\"} format", fieldName),
			}
		}
		return nil
	default:
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must be an environment variable reference {\"$env\": \"YOUR_ENV_VAR\"}, not %T", fieldName, value),
		}
	}
}

// checkBashStyleSyntax recursively checks for bash-style env var syntax
func checkBashStyleSyntax(value any, path string, result *ValidationResult) {
	switch v := value.(type) {
	case string:
		for _, match := range bashStyleRegex.FindAllString(v, -1) {
			varName := strings.Trim(match, "${}")
			result.Warnings = append(result.Warnings, ValidationError{
				Path:    path,
				Message: fmt.Sprintf("found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", match, varName),
			})
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; hasEnv {
			return
		}
		for key, val := range v {
			newPath := key
			if path != "" {
				newPath = path + "." + key
			}
			checkBashStyleSyntax(val, newPath, result)
		}
	case []any:
		for i, item := range v {
			checkBashStyleSyntax(item, fmt.Sprintf("%s[%d]", path, i), result)
		}
	}
}
