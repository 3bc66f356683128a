// Package chat orchestrates one conversational turn: extract mentions,
// attach canvas exports, call the configured provider, and relay the
// streamed response.
package chat

import (
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"canvaschat/core"
	"canvaschat/db"
)

// ProviderConfig is the fully resolved endpoint for one chat turn. An
// empty BaseURL means the hosted default endpoint.
type ProviderConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	// Source records which layer won resolution: "request", "saved",
	// "env", or "default". Logged for debugging, never sent anywhere.
	Source string
}

// Override carries per-request provider fields, typically from the
// x-provider-base-url, x-provider-api-key, and x-provider-model headers.
type Override struct {
	BaseURL string
	APIKey  string
	Model   string
}

func (o Override) defined() bool {
	return o.BaseURL != "" || o.APIKey != "" || o.Model != ""
}

func savedDefined(s db.ProviderSettings) bool {
	return s.BaseURL != "" || s.APIKey != "" || s.Model != ""
}

// ResolveProvider picks the provider for a turn. Layers are considered as
// a whole, highest precedence first: the request override, the user's
// saved settings when custom mode is enabled, the environment-configured
// provider, and finally the hosted default. Any non-empty field defines a
// layer; a chosen layer with no model falls back to the default model.
func ResolveProvider(override Override, saved db.ProviderSettings, cfg *core.Config) ProviderConfig {
	var resolved ProviderConfig
	switch {
	case override.defined():
		resolved = ProviderConfig{
			BaseURL: override.BaseURL,
			APIKey:  override.APIKey,
			Model:   override.Model,
			Source:  "request",
		}
	case saved.UseCustom && savedDefined(saved):
		resolved = ProviderConfig{
			BaseURL: saved.BaseURL,
			APIKey:  saved.APIKey,
			Model:   saved.Model,
			Source:  "saved",
		}
	case cfg.HasEnvProvider():
		resolved = ProviderConfig{
			BaseURL: cfg.ProviderBaseURL,
			APIKey:  cfg.ProviderAPIKey,
			Model:   cfg.ProviderModel,
			Source:  "env",
		}
	default:
		resolved = ProviderConfig{
			APIKey: cfg.OpenAIAPIKey,
			Model:  core.DefaultModel,
			Source: "default",
		}
	}

	if resolved.Model == "" {
		resolved.Model = core.DefaultModel
	}
	return resolved
}

// NewClient builds an OpenAI-compatible client for the resolved provider.
func NewClient(provider ProviderConfig, timeout time.Duration) *openai.Client {
	clientConfig := openai.DefaultConfig(provider.APIKey)
	if provider.BaseURL != "" {
		clientConfig.BaseURL = provider.BaseURL
	}
	if timeout > 0 {
		clientConfig.HTTPClient = &http.Client{Timeout: timeout}
	}
	return openai.NewClientWithConfig(clientConfig)
}
