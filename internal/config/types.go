package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the only config file version accepted
const Version = "authsession/v1"

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// Duration is a time.Duration written as a Go duration string ("90s", "5m")
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\"")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration %q cannot be negative", s)
	}
	*d = Duration(parsed)
	return nil
}

// Bool returns a pointer to b, for the tri-state fields of Settings
func Bool(b bool) *bool { return &b }

// Dur returns a pointer to d, for the durations of Settings where zero is a
// meaningful value
func Dur(d time.Duration) *Duration {
	v := Duration(d)
	return &v
}

// Settings is one layer of engine options. Every field is optional; unset
// fields fall through to the next layer during Resolve. Booleans are
// pointers so that an explicit false overrides a lower layer's true.
type Settings struct {
	Issuer                string            `json:"issuer,omitempty"`
	ClientID              string            `json:"clientId,omitempty"`
	ClientSecret          Secret            `json:"clientSecret,omitempty"`
	RedirectURI           string            `json:"redirectUri,omitempty"`
	PostLogoutRedirectURI string            `json:"postLogoutRedirectUri,omitempty"`
	ResponseType          string            `json:"responseType,omitempty"`
	Scope                 string            `json:"scope,omitempty"`
	Audience              string            `json:"audience,omitempty"`
	Prompt                string            `json:"prompt,omitempty"`
	ExtraParams           map[string]string `json:"extraParams,omitempty"`

	// Metadata supplies provider endpoints directly and skips discovery
	Metadata map[string]string `json:"metadata,omitempty"`

	UseRefreshToken      *bool `json:"useRefreshToken,omitempty"`
	AutomaticSilentRenew *bool `json:"automaticSilentRenew,omitempty"`
	LoadUserInfo         *bool `json:"loadUserInfo,omitempty"`
	MonitorSession       *bool `json:"monitorSession,omitempty"`
	SkipSilentLogin      *bool `json:"skipSilentLogin,omitempty"`
	// InInteraction marks an instance running inside an interaction channel;
	// such instances never start a silent login of their own.
	InInteraction *bool `json:"-"`

	// RenewBefore and ClockSkew accept an explicit zero, so they are
	// pointers like the booleans. The remaining durations treat zero as unset.
	RenewBefore        *Duration `json:"renewBefore,omitempty"`
	ClockSkew          *Duration `json:"clockSkew,omitempty"`
	InteractionTimeout Duration  `json:"interactionTimeout,omitempty"`
	RequestMaxAge      Duration  `json:"requestMaxAge,omitempty"`
	RenewLockTTL       Duration  `json:"renewLockTtl,omitempty"`
	MonitorInterval    Duration  `json:"monitorInterval,omitempty"`
}

// StorageKind selects a store backend
type StorageKind string

const (
	StorageMemory    StorageKind = "memory"
	StorageSQLite    StorageKind = "sqlite"
	StorageRedis     StorageKind = "redis"
	StorageFirestore StorageKind = "firestore"
)

// StorageConfig selects the request and session stores
type StorageConfig struct {
	Requests StorageKind `json:"requests,omitempty"`
	Sessions StorageKind `json:"sessions,omitempty"`

	SQLitePath          string `json:"sqlitePath,omitempty"`
	RedisURL            string `json:"redisUrl,omitempty"`
	FirestoreProject    string `json:"firestoreProject,omitempty"`
	FirestoreDatabase   string `json:"firestoreDatabase,omitempty"`
	FirestoreCollection string `json:"firestoreCollection,omitempty"`

	// SealingKey encrypts records at rest when set
	SealingKey Secret `json:"sealingKey,omitempty"`

	CleanupInterval Duration `json:"cleanupInterval,omitempty"`
}

// MediumKind selects the coordination medium
type MediumKind string

const (
	MediumNone  MediumKind = "none"
	MediumFile  MediumKind = "file"
	MediumRedis MediumKind = "redis"
)

// CoordinationConfig selects how instances coordinate renewal and events
type CoordinationConfig struct {
	Medium    MediumKind `json:"medium,omitempty"`
	Dir       string     `json:"dir,omitempty"`
	RedisURL  string     `json:"redisUrl,omitempty"`
	Namespace string     `json:"namespace,omitempty"`
}

// ProviderClient registers a client with the development provider
type ProviderClient struct {
	ID           string   `json:"id"`
	Secret       Secret   `json:"secret,omitempty"`
	RedirectURIs []string `json:"redirectUris"`
	// PostLogoutRedirectURIs are the allowed end-session return targets
	PostLogoutRedirectURIs []string `json:"postLogoutRedirectUris,omitempty"`
}

// ProviderUser is the identity the development provider signs in
type ProviderUser struct {
	Subject string `json:"subject"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
}

// ProviderConfig configures the development OpenID provider
type ProviderConfig struct {
	Addr            string           `json:"addr"`
	Issuer          string           `json:"issuer"`
	Clients         []ProviderClient `json:"clients"`
	User            ProviderUser     `json:"user"`
	AccessTokenTTL  Duration         `json:"accessTokenTtl,omitempty"`
	RefreshTokenTTL Duration         `json:"refreshTokenTtl,omitempty"`
}

// Config is the config file shape with resolved values
type Config struct {
	Version      string             `json:"version"`
	Client       Settings           `json:"client"`
	Storage      StorageConfig      `json:"storage,omitempty"`
	Coordination CoordinationConfig `json:"coordination,omitempty"`
	Provider     *ProviderConfig    `json:"provider,omitempty"`
}
