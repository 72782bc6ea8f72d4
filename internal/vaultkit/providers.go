package vaultkit

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// AuthStyle selects how client credentials travel on a refresh request.
type AuthStyle string

const (
	// AuthStyleFormBody sends client_id/client_secret as form fields alongside
	// grant_type and refresh_token.
	AuthStyleFormBody AuthStyle = "form_body"
	// AuthStyleBasicHeader sends client credentials as a Basic Authorization
	// header; the form body carries only grant_type and refresh_token.
	AuthStyleBasicHeader AuthStyle = "basic_auth_header"
)

// ProviderSpec is the static per-provider refresh configuration.
type ProviderSpec struct {
	Name          string
	TokenEndpoint string
	AuthStyle     AuthStyle
	ClientID      string
	ClientSecret  string
}

// ProviderCredentials pairs a client id and secret loaded from process
// configuration. Secrets are never hardcoded and never logged.
type ProviderCredentials struct {
	ClientID     string
	ClientSecret string
}

type builtinProvider struct {
	name          string
	tokenEndpoint string
	authStyle     AuthStyle
}

// Token endpoints and auth styles are protocol facts, fixed at compile time.
// Spotify wants Basic auth; Google, GitHub, Discord, and Slack take credentials
// in the form body. GitHub and Slack tokens typically never expire, so their
// connections simply carry a NULL expiry and skip refresh entirely.
var builtinProviders = []builtinProvider{
	{name: "spotify", tokenEndpoint: "https://accounts.spotify.com/api/token", authStyle: AuthStyleBasicHeader},
	{name: "google_gmail", tokenEndpoint: "https://oauth2.googleapis.com/token", authStyle: AuthStyleFormBody},
	{name: "google_youtube", tokenEndpoint: "https://oauth2.googleapis.com/token", authStyle: AuthStyleFormBody},
	{name: "google_calendar", tokenEndpoint: "https://oauth2.googleapis.com/token", authStyle: AuthStyleFormBody},
	{name: "github", tokenEndpoint: "https://github.com/login/oauth/access_token", authStyle: AuthStyleFormBody},
	{name: "discord", tokenEndpoint: "https://discord.com/api/oauth2/token", authStyle: AuthStyleFormBody},
	{name: "slack", tokenEndpoint: "https://slack.com/api/oauth.v2.access", authStyle: AuthStyleFormBody},
}

// BuiltinProviderNames returns the names of all compiled-in providers. The
// server uses this to know which credential pairs to look for in configuration.
func BuiltinProviderNames() []string {
	names := make([]string, 0, len(builtinProviders))
	for _, builtin := range builtinProviders {
		names = append(names, builtin.name)
	}
	return names
}

// ProviderRegistry maps provider names to their refresh configuration. It is
// built once at startup and never mutated afterwards.
type ProviderRegistry struct {
	specs map[string]ProviderSpec
}

// NewProviderRegistry combines the builtin provider table with the credentials
// present in configuration. Providers without credentials are left out and
// logged; asking for them later fails with ErrUnknownProvider rather than
// producing unauthenticated refresh calls.
func NewProviderRegistry(credentials map[string]ProviderCredentials, logger *zap.Logger) *ProviderRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	specs := make(map[string]ProviderSpec, len(builtinProviders))
	for _, builtin := range builtinProviders {
		creds, ok := credentials[builtin.name]
		if !ok || creds.ClientID == "" || creds.ClientSecret == "" {
			logger.Info("provider not configured, skipping",
				zap.String("code", "providers.missing_credentials"),
				zap.String("provider", builtin.name))
			continue
		}
		specs[builtin.name] = ProviderSpec{
			Name:          builtin.name,
			TokenEndpoint: builtin.tokenEndpoint,
			AuthStyle:     builtin.authStyle,
			ClientID:      creds.ClientID,
			ClientSecret:  creds.ClientSecret,
		}
	}
	return &ProviderRegistry{specs: specs}
}

// NewProviderRegistryFromSpecs builds a registry from explicit specs. Tests use
// this to point providers at local fake token endpoints.
func NewProviderRegistryFromSpecs(specs ...ProviderSpec) *ProviderRegistry {
	registry := &ProviderRegistry{specs: make(map[string]ProviderSpec, len(specs))}
	for _, spec := range specs {
		registry.specs[spec.Name] = spec
	}
	return registry
}

// Lookup returns the spec for a provider name. A connection referencing an
// unknown provider is configuration drift and surfaces as an explicit error.
func (registry *ProviderRegistry) Lookup(provider string) (ProviderSpec, error) {
	spec, ok := registry.specs[provider]
	if !ok {
		return ProviderSpec{}, fmt.Errorf("providers.lookup.%s: %w", provider, ErrUnknownProvider)
	}
	return spec, nil
}

// Providers returns the configured provider names, sorted.
func (registry *ProviderRegistry) Providers() []string {
	names := make([]string, 0, len(registry.specs))
	for name := range registry.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
