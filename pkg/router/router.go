// Package router maps a requested model name to the provider endpoints that
// can serve it, in fallback order.
package router

import (
	"errors"
	"fmt"

	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/config"
)

// ErrNoProviders is returned when no provider is configured.
var ErrNoProviders = errors.New("no providers configured")

// Route is one provider and the model name to send it.
type Route struct {
	Provider config.ProviderConfig
	Model    string
}

// Router resolves model names against the configured providers and routes.
type Router struct {
	providers []config.ProviderConfig
	byName    map[string]config.ProviderConfig
	routes    map[string][]config.RouteTarget
}

// New indexes providers and routes once. A later route for the same model
// replaces an earlier one.
func New(providers []config.ProviderConfig, routes []config.RouteConfig) *Router {
	r := &Router{
		providers: providers,
		byName:    make(map[string]config.ProviderConfig, len(providers)),
		routes:    make(map[string][]config.RouteTarget, len(routes)),
	}
	for _, p := range providers {
		r.byName[p.Name] = p
	}
	for _, rt := range routes {
		r.routes[rt.Model] = rt.Targets
	}
	return r
}

// FromConfig builds a Router from the providers and router sections.
func FromConfig(cfg *config.Config) *Router {
	return New(cfg.Providers, cfg.Router.Routes)
}

// Resolve returns the fallback chain for model. Models without a route go to
// the first provider unchanged; targets naming unknown providers are skipped.
func (r *Router) Resolve(model string) ([]Route, error) {
	if len(r.providers) == 0 {
		return nil, ErrNoProviders
	}
	targets, ok := r.routes[model]
	if !ok {
		return []Route{{Provider: r.providers[0], Model: model}}, nil
	}

	var out []Route
	for _, t := range targets {
		p, ok := r.byName[t.Provider]
		if !ok {
			continue
		}
		m := t.Model
		if m == "" {
			m = model
		}
		out = append(out, Route{Provider: p, Model: m})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("route %q: all providers unknown", model)
	}
	return out, nil
}
