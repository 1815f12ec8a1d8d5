package config

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"dario.cat/mergo"
)

// Defaults is the lowest option layer.
func Defaults() Settings {
	return Settings{
		ResponseType:         "code",
		Scope:                "openid",
		UseRefreshToken:      Bool(true),
		AutomaticSilentRenew: Bool(true),
		LoadUserInfo:         Bool(false),
		MonitorSession:       Bool(false),
		SkipSilentLogin:      Bool(false),
		InInteraction:        Bool(false),
		RenewBefore:          Dur(60 * time.Second),
		ClockSkew:            Dur(60 * time.Second),
		InteractionTimeout:   Duration(60 * time.Second),
		RequestMaxAge:        Duration(24 * time.Hour),
		RenewLockTTL:         Duration(30 * time.Second),
		MonitorInterval:      Duration(5 * time.Second),
	}
}

// Resolved is the option set one operation runs with. It is produced by
// Resolve and never modified afterwards.
type Resolved struct {
	Issuer                string
	ClientID              string
	ClientSecret          Secret
	RedirectURI           string
	PostLogoutRedirectURI string
	ResponseType          string
	Scope                 string
	Audience              string
	Prompt                string
	ExtraParams           map[string]string
	Metadata              map[string]string

	UseRefreshToken      bool
	AutomaticSilentRenew bool
	LoadUserInfo         bool
	MonitorSession       bool
	SkipSilentLogin      bool
	InInteraction        bool

	RenewBefore        time.Duration
	ClockSkew          time.Duration
	InteractionTimeout time.Duration
	RequestMaxAge      time.Duration
	RenewLockTTL       time.Duration
	MonitorInterval    time.Duration
}

// Resolve merges option layers with precedence per-call > instance >
// defaults. A field set in a higher layer replaces the lower value; maps
// are merged key by key.
func Resolve(defaults, instance, call Settings) (Resolved, error) {
	merged := Settings{}
	for _, layer := range []Settings{defaults, instance, call} {
		layer = cloneSettings(layer)
		if err := mergo.Merge(&merged, layer, mergo.WithOverride, mergo.WithoutDereference); err != nil {
			return Resolved{}, fmt.Errorf("merging options: %w", err)
		}
	}

	deref := func(b *bool) bool { return b != nil && *b }
	derefDuration := func(d *Duration) time.Duration {
		if d == nil {
			return 0
		}
		return time.Duration(*d)
	}
	return Resolved{
		Issuer:                strings.TrimSuffix(merged.Issuer, "/"),
		ClientID:              merged.ClientID,
		ClientSecret:          merged.ClientSecret,
		RedirectURI:           merged.RedirectURI,
		PostLogoutRedirectURI: merged.PostLogoutRedirectURI,
		ResponseType:          merged.ResponseType,
		Scope:                 merged.Scope,
		Audience:              merged.Audience,
		Prompt:                merged.Prompt,
		ExtraParams:           merged.ExtraParams,
		Metadata:              merged.Metadata,
		UseRefreshToken:       deref(merged.UseRefreshToken),
		AutomaticSilentRenew:  deref(merged.AutomaticSilentRenew),
		LoadUserInfo:          deref(merged.LoadUserInfo),
		MonitorSession:        deref(merged.MonitorSession),
		SkipSilentLogin:       deref(merged.SkipSilentLogin),
		InInteraction:         deref(merged.InInteraction),
		RenewBefore:           derefDuration(merged.RenewBefore),
		ClockSkew:             derefDuration(merged.ClockSkew),
		InteractionTimeout:    time.Duration(merged.InteractionTimeout),
		RequestMaxAge:         time.Duration(merged.RequestMaxAge),
		RenewLockTTL:          time.Duration(merged.RenewLockTTL),
		MonitorInterval:       time.Duration(merged.MonitorInterval),
	}, nil
}

// cloneSettings copies the reference-typed fields so a merge never aliases
// a caller's maps or pointers.
func cloneSettings(s Settings) Settings {
	s.ExtraParams = maps.Clone(s.ExtraParams)
	s.Metadata = maps.Clone(s.Metadata)
	for _, p := range []**bool{&s.UseRefreshToken, &s.AutomaticSilentRenew, &s.LoadUserInfo, &s.MonitorSession, &s.SkipSilentLogin, &s.InInteraction} {
		if *p != nil {
			v := **p
			*p = &v
		}
	}
	for _, p := range []**Duration{&s.RenewBefore, &s.ClockSkew} {
		if *p != nil {
			v := **p
			*p = &v
		}
	}
	return s
}

// HasResponseType reports whether the response type includes part
func (r Resolved) HasResponseType(part string) bool {
	for _, p := range strings.Fields(r.ResponseType) {
		if p == part {
			return true
		}
	}
	return false
}

// HasScope reports whether the scope includes s
func (r Resolved) HasScope(s string) bool {
	for _, p := range strings.Fields(r.Scope) {
		if p == s {
			return true
		}
	}
	return false
}

// Validate checks the options every operation needs.
func (r Resolved) Validate() error {
	if r.ClientID == "" {
		return &ValidationError{Path: "clientId", Message: "clientId is required"}
	}
	if r.Issuer == "" && len(r.Metadata) == 0 {
		return &ValidationError{Path: "issuer", Message: "issuer is required unless metadata is supplied"}
	}
	if err := validateURL("issuer", r.Issuer, false); err != nil {
		return err
	}
	if r.ResponseType == "" {
		return &ValidationError{Path: "responseType", Message: "responseType is required"}
	}
	return nil
}
