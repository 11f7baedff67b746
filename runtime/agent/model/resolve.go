package model

import (
	"errors"
	"strings"
)

// Provider identifiers recognized in prefixed model names.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
)

type (
	// Resolver rewrites user-facing model names into a provider and a
	// provider-native model id. Resolution applies, in order: the server
	// override (when a server model and a local provider base URL are both
	// configured), the caller's choice or the server default, the alias
	// table, and finally provider-prefix defaulting.
	Resolver struct {
		serverModel  string
		localBaseURL string
		defaultModel string
		provider     string
		aliases      map[string]string
	}

	// ResolverOptions configures a Resolver.
	ResolverOptions struct {
		// ServerModel, when set together with LocalBaseURL, overrides every
		// caller-requested model name.
		ServerModel string
		// LocalBaseURL is the base URL of a local OpenAI-compatible
		// provider. Only meaningful alongside ServerModel.
		LocalBaseURL string
		// DefaultModel is used when the caller requests no model. Required.
		DefaultModel string
		// DefaultProvider routes names without a provider prefix.
		// Defaults to ProviderAnthropic.
		DefaultProvider string
		// Aliases maps short names to canonical, optionally prefixed names.
		// Merged over the built-in table; set an alias to "" to remove it.
		Aliases map[string]string
	}

	// Resolution is the outcome of resolving a model name.
	Resolution struct {
		// Provider is one of the Provider constants.
		Provider string
		// Model is the provider-native model id with the prefix stripped.
		Model string
		// BaseURL is non-empty when the server override routed the call to
		// a local provider.
		BaseURL string
	}
)

// defaultAliases maps the short names accepted in run options to canonical
// provider-prefixed names.
var defaultAliases = map[string]string{
	"sonnet":         "anthropic/claude-sonnet-4-20250514",
	"haiku":          "anthropic/claude-3-5-haiku-20241022",
	"gpt-4o":         "openai/gpt-4o",
	"gpt-4o-mini":    "openai/gpt-4o-mini",
	"bedrock-sonnet": "bedrock/anthropic.claude-sonnet-4-20250514-v1:0",
}

// NewResolver builds a Resolver from opts.
func NewResolver(opts ResolverOptions) (*Resolver, error) {
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	provider := opts.DefaultProvider
	if provider == "" {
		provider = ProviderAnthropic
	}
	aliases := make(map[string]string, len(defaultAliases)+len(opts.Aliases))
	for k, v := range defaultAliases {
		aliases[k] = v
	}
	for k, v := range opts.Aliases {
		if v == "" {
			delete(aliases, k)
			continue
		}
		aliases[k] = v
	}
	return &Resolver{
		serverModel:  opts.ServerModel,
		localBaseURL: opts.LocalBaseURL,
		defaultModel: opts.DefaultModel,
		provider:     provider,
		aliases:      aliases,
	}, nil
}

// Name renders the resolution as a canonical "provider/model" name. The
// control plane stores this form on run rows and broker jobs; a Mux splits it
// back apart when dispatching.
func (r Resolution) Name() string {
	return r.Provider + "/" + r.Model
}

// Resolve maps requested to a provider and model id. Empty requested falls
// back to the configured default.
func (r *Resolver) Resolve(requested string) Resolution {
	name := strings.TrimSpace(requested)
	overridden := r.serverModel != "" && r.localBaseURL != ""
	switch {
	case overridden:
		name = r.serverModel
	case name == "":
		name = r.defaultModel
	}
	if canonical, ok := r.aliases[name]; ok {
		name = canonical
	}
	provider, id := splitProvider(name, r.provider)
	res := Resolution{Provider: provider, Model: id}
	if overridden {
		res.BaseURL = r.localBaseURL
	}
	return res
}

// splitProvider extracts a recognized provider prefix from name, falling back
// to fallback when no prefix is present. Unrecognized prefixes are treated as
// part of the model id so names like "anthropic.claude-v2" pass through.
func splitProvider(name, fallback string) (provider, id string) {
	before, after, found := strings.Cut(name, "/")
	if found {
		switch before {
		case ProviderOpenAI, ProviderAnthropic, ProviderBedrock:
			return before, after
		}
	}
	return fallback, name
}
