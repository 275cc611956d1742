package router

import (
	"errors"
	"testing"

	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/config"
)

var (
	openai   = config.ProviderConfig{Name: "openai", URL: "https://api.openai.com", APIKey: "sk-1"}
	together = config.ProviderConfig{Name: "together", URL: "https://api.together.xyz", APIKey: "tk-1"}
)

func TestResolveDefaultsToFirstProvider(t *testing.T) {
	r := New([]config.ProviderConfig{openai, together}, nil)
	routes, err := r.Resolve("gpt-4o-mini")
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 1 {
		t.Fatalf("expected 1 route, got %d", len(routes))
	}
	if routes[0].Provider.Name != "openai" || routes[0].Model != "gpt-4o-mini" {
		t.Errorf("unexpected route: %+v", routes[0])
	}
}

func TestResolveFallbackChain(t *testing.T) {
	r := FromConfig(&config.Config{
		Providers: []config.ProviderConfig{openai, together},
		Router: config.RouterConfig{Routes: []config.RouteConfig{{
			Model: "fast",
			Targets: []config.RouteTarget{
				{Provider: "openai", Model: "gpt-4o-mini"},
				{Provider: "together", Model: "llama-3.1-8b"},
			},
		}}},
	})
	routes, err := r.Resolve("fast")
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(routes))
	}
	if routes[0].Provider.Name != "openai" || routes[1].Model != "llama-3.1-8b" {
		t.Errorf("unexpected routes: %+v", routes)
	}
}

func TestResolveEmptyTargetModelUsesRequested(t *testing.T) {
	r := New([]config.ProviderConfig{openai}, []config.RouteConfig{{
		Model:   "text-embedding-3-small",
		Targets: []config.RouteTarget{{Provider: "openai"}},
	}})
	routes, err := r.Resolve("text-embedding-3-small")
	if err != nil {
		t.Fatal(err)
	}
	if routes[0].Model != "text-embedding-3-small" {
		t.Errorf("expected requested model, got %s", routes[0].Model)
	}
}

func TestResolveSkipsUnknownProvider(t *testing.T) {
	r := New([]config.ProviderConfig{openai}, []config.RouteConfig{{
		Model: "fast",
		Targets: []config.RouteTarget{
			{Provider: "unknown", Model: "x"},
			{Provider: "openai", Model: "gpt-4o-mini"},
		},
	}})
	routes, err := r.Resolve("fast")
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 1 || routes[0].Provider.Name != "openai" {
		t.Fatalf("unexpected routes: %+v", routes)
	}

	bad := New([]config.ProviderConfig{openai}, []config.RouteConfig{{
		Model:   "bad",
		Targets: []config.RouteTarget{{Provider: "unknown"}},
	}})
	if _, err := bad.Resolve("bad"); err == nil {
		t.Fatal("expected error for all unknown providers")
	}
}

func TestResolveNoProviders(t *testing.T) {
	_, err := New(nil, nil).Resolve("gpt-4o-mini")
	if !errors.Is(err, ErrNoProviders) {
		t.Fatalf("expected ErrNoProviders, got %v", err)
	}
}
