package mcpmgr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestConfigHelpersDirect(t *testing.T) {
	t.Parallel()

	stdio := &StdioServerConfig{
		BaseServerConfig: BaseServerConfig{Timeout: 5 * time.Second, Version: "1.2.3"},
		Command:          "weather-server",
		Args:             []string{"--stdio"},
		Env:              map[string]string{"A": "B"},
	}
	streamable := &HTTPServerConfig{
		BaseServerConfig: BaseServerConfig{Timeout: 10 * time.Second},
		Endpoint:         "https://example.test/mcp",
	}
	preferSSE := true
	legacy := &HTTPServerConfig{Endpoint: "https://example.test/events", PreferSSE: &preferSSE}
	custom := &CustomServerConfig{}

	if !IsStdio(stdio) || IsHTTP(stdio) {
		t.Fatalf("IsStdio/IsHTTP mismatch for stdio")
	}
	if !IsHTTP(streamable) || IsStdio(streamable) {
		t.Fatalf("IsHTTP/IsStdio mismatch for http")
	}
	if got, ok := AsStdio(stdio); !ok || got != stdio {
		t.Fatalf("AsStdio failed")
	}
	if _, ok := AsHTTP(stdio); ok {
		t.Fatalf("AsHTTP should reject stdio")
	}

	for cfg, want := range map[ServerConfig]ConfigTransport{
		stdio:      TransportStdio,
		streamable: TransportHTTP,
		legacy:     TransportSSE,
		custom:     TransportCustom,
	} {
		if got := TransportOf(cfg); got != want {
			t.Fatalf("TransportOf(%T) = %q, want %q", cfg, got, want)
		}
	}
	if TransportOf(nil) != "" {
		t.Fatalf("TransportOf(nil) should be empty")
	}
}

func TestParseTransport(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]ConfigTransport{
		"":                TransportHTTP,
		"HTTP":            TransportHTTP,
		"streamable-http": TransportHTTP,
		" sse ":           TransportSSE,
		"stdio":           TransportStdio,
	} {
		got, ok := ParseTransport(in)
		if !ok || got != want {
			t.Fatalf("ParseTransport(%q) = %q, %v", in, got, ok)
		}
	}
	if _, ok := ParseTransport("carrier-pigeon"); ok {
		t.Fatal("unknown transport accepted")
	}
}

func TestBuildHTTPPlanOrder(t *testing.T) {
	t.Parallel()

	plan, err := buildHTTPPlan("docs", &HTTPServerConfig{Endpoint: "https://example.test/mcp"})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan) != 2 || plan[0].kind != TransportHTTP || plan[1].kind != TransportSSE {
		t.Fatalf("unexpected plan %+v", plan)
	}

	plan, err = buildHTTPPlan("docs", &HTTPServerConfig{Endpoint: "https://example.test/sse"})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan) != 1 || plan[0].kind != TransportSSE {
		t.Fatalf("sse suffix should select sse only, got %+v", plan)
	}

	if _, err := buildHTTPPlan("docs", &HTTPServerConfig{}); err == nil {
		t.Fatal("missing endpoint must fail")
	}
	if _, err := buildStdioTransport("tools", &StdioServerConfig{}); err == nil {
		t.Fatal("missing command must fail")
	}
}

func TestHeaderDecoratorAppliesAuth(t *testing.T) {
	t.Parallel()

	got := make(chan http.Header, 3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Clone()
	}))
	defer srv.Close()

	cases := []struct {
		name string
		cfg  *HTTPServerConfig
		want string
	}{
		{
			name: "api key",
			cfg:  &HTTPServerConfig{APIKey: "k-123", Headers: http.Header{"X-Tenant": {"acme"}}},
			want: "Bearer k-123",
		},
		{
			name: "explicit header wins",
			cfg:  &HTTPServerConfig{APIKey: "k-123", Headers: http.Header{"Authorization": {"Basic Zm9v"}}},
			want: "Basic Zm9v",
		},
		{
			name: "provider",
			cfg: &HTTPServerConfig{APIKey: "ignored", AuthProvider: func(context.Context) (string, error) {
				return "Bearer dynamic", nil
			}},
			want: "Bearer dynamic",
		},
	}
	for _, tc := range cases {
		client := decorateHTTPClient(nil, requestHeaders(tc.cfg), tc.cfg.AuthProvider)
		resp, err := client.Get(srv.URL)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		resp.Body.Close()
		h := <-got
		if h.Get("Authorization") != tc.want {
			t.Fatalf("%s: Authorization = %q, want %q", tc.name, h.Get("Authorization"), tc.want)
		}
		if tc.name == "api key" && h.Get("X-Tenant") != "acme" {
			t.Fatalf("static header missing: %v", h)
		}
	}
}
