package model

import (
	"context"
	"errors"
	"fmt"
)

// Mux is a Client that routes each request to a provider client according to
// the provider prefix of the request's model name. The control plane stores
// resolved names in "provider/model" form; the mux splits them, strips the
// prefix, and delegates to the client registered for that provider. Names
// without a recognized prefix go to the fallback provider.
type Mux struct {
	fallback string
	clients  map[string]Client
}

// NewMux builds a Mux over the given provider clients. fallback names the
// provider used for unprefixed model names and must have a client registered.
func NewMux(fallback string, clients map[string]Client) (*Mux, error) {
	if fallback == "" {
		return nil, errors.New("fallback provider is required")
	}
	if len(clients) == 0 {
		return nil, errors.New("at least one provider client is required")
	}
	if clients[fallback] == nil {
		return nil, fmt.Errorf("no client registered for fallback provider %q", fallback)
	}
	registered := make(map[string]Client, len(clients))
	for provider, c := range clients {
		if c == nil {
			continue
		}
		registered[provider] = c
	}
	return &Mux{fallback: fallback, clients: registered}, nil
}

// Complete dispatches the request to the provider client selected by the
// model name prefix. The delegate sees the provider-native model id without
// the prefix; the caller's request is not mutated.
func (m *Mux) Complete(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, errors.New("model: request is required")
	}
	provider, id := splitProvider(req.Model, m.fallback)
	c, ok := m.clients[provider]
	if !ok {
		return nil, fmt.Errorf("model: no client for provider %q", provider)
	}
	clone := *req
	clone.Model = id
	return c.Complete(ctx, &clone)
}
