// Package provider is the static catalog of identity and integration
// providers the service can connect to.
package provider

import (
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/atoms-tech/connect/internal/config"
)

// Provider describes one supported provider: its OAuth endpoints, default
// scopes, and display metadata.
type Provider struct {
	Key         string
	DisplayName string
	Endpoint    oauth2.Endpoint
	Scopes      []string
}

// UnsupportedProviderError is returned for provider keys not in the
// catalog. It is raised before any network call.
type UnsupportedProviderError struct {
	Key string
}

func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("unsupported provider %q", e.Key)
}

var catalog = map[string]Provider{
	"google": {
		Key:         "google",
		DisplayName: "Google",
		Endpoint:    endpoints.Google,
		Scopes:      []string{"openid", "email", "profile"},
	},
	"github": {
		Key:         "github",
		DisplayName: "GitHub",
		Endpoint:    endpoints.GitHub,
		Scopes:      []string{"read:user", "repo"},
	},
	"slack": {
		Key:         "slack",
		DisplayName: "Slack",
		Endpoint:    endpoints.Slack,
		Scopes:      []string{"channels:read", "chat:write"},
	},
	"jira": {
		Key:         "jira",
		DisplayName: "Jira",
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://auth.atlassian.com/authorize",
			TokenURL: "https://auth.atlassian.com/oauth/token",
		},
		Scopes: []string{"read:jira-work", "write:jira-work", "offline_access"},
	},
	"notion": {
		Key:         "notion",
		DisplayName: "Notion",
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://api.notion.com/v1/oauth/authorize",
			TokenURL: "https://api.notion.com/v1/oauth/token",
		},
		Scopes: nil, // Notion grants are workspace-wide
	},
}

// Registry resolves provider keys to ready-to-use oauth2 configurations.
type Registry struct {
	baseURL   string
	clients   map[string]config.OAuthClient
	overrides map[string]oauth2.Endpoint
}

func NewRegistry(baseURL string, clients map[string]config.OAuthClient) *Registry {
	return &Registry{
		baseURL:   baseURL,
		clients:   clients,
		overrides: make(map[string]oauth2.Endpoint),
	}
}

// SetEndpoint replaces the catalog endpoint for key. Used for self-hosted
// provider deployments (GitHub Enterprise, Jira Data Center).
func (r *Registry) SetEndpoint(key string, ep oauth2.Endpoint) {
	r.overrides[key] = ep
}

// Lookup returns catalog metadata for key.
func (r *Registry) Lookup(key string) (Provider, error) {
	p, ok := catalog[key]
	if !ok {
		return Provider{}, &UnsupportedProviderError{Key: key}
	}
	if ep, ok := r.overrides[key]; ok {
		p.Endpoint = ep
	}
	return p, nil
}

// Config builds the oauth2.Config for key, wiring in the registered client
// credentials and this service's callback URL.
func (r *Registry) Config(key string) (*oauth2.Config, error) {
	p, err := r.Lookup(key)
	if err != nil {
		return nil, err
	}
	client := r.clients[key]
	return &oauth2.Config{
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		Endpoint:     p.Endpoint,
		RedirectURL:  fmt.Sprintf("%s/api/oauth/%s/callback", r.baseURL, key),
		Scopes:       p.Scopes,
	}, nil
}

// List returns the catalog in no particular order.
func (r *Registry) List() []Provider {
	out := make([]Provider, 0, len(catalog))
	for _, p := range catalog {
		out = append(out, p)
	}
	return out
}
