package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testToolServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/tools", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"tools": []map[string]any{
				{
					"name":        "weather",
					"description": "Look up the weather for a city",
					"parameters": map[string]any{
						"type":       "object",
						"properties": map[string]any{"city": map[string]any{"type": "string"}},
					},
				},
			},
		})
	})
	mux.HandleFunc("/execute", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Name != "weather" {
			json.NewEncoder(w).Encode(map[string]any{"error": "unknown tool"})
			return
		}
		city, _ := req.Arguments["city"].(string)
		json.NewEncoder(w).Encode(map[string]any{"output": "Sunny in " + city})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDiscoverHTTPServer(t *testing.T) {
	srv := testToolServer(t)

	discovered, errs := Discover(context.Background(), []ServerConfig{
		{Name: "weather-srv", Transport: "http", URL: srv.URL},
	})
	if len(errs) != 0 {
		t.Fatalf("Discover errors: %v", errs)
	}
	if len(discovered) != 1 {
		t.Fatalf("discovered %d tools, want 1", len(discovered))
	}

	tool := discovered[0]
	if tool.Name() != "weather" {
		t.Errorf("tool name = %q", tool.Name())
	}
	if ToolTier(tool) != TierHighRisk {
		t.Errorf("remote tools must be high risk, got tier %d", ToolTier(tool))
	}
	if tool.Parameters()["type"] != "object" {
		t.Errorf("parameters not carried over: %v", tool.Parameters())
	}
}

func TestRemoteToolExecute(t *testing.T) {
	srv := testToolServer(t)

	discovered, _ := Discover(context.Background(), []ServerConfig{
		{Name: "weather-srv", Transport: "http", URL: srv.URL},
	})
	if len(discovered) != 1 {
		t.Fatal("discovery failed")
	}

	out, err := discovered[0].Execute(context.Background(), map[string]any{"city": "Oslo"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "Sunny in Oslo" {
		t.Errorf("output = %q", out)
	}
}

func TestRemoteToolServerError(t *testing.T) {
	srv := testToolServer(t)

	discovered, _ := Discover(context.Background(), []ServerConfig{
		{Name: "weather-srv", Transport: "http", URL: srv.URL},
	})
	if len(discovered) != 1 {
		t.Fatal("discovery failed")
	}

	rt := discovered[0].(*RemoteTool)
	rt.spec.Name = "ghost" // force the server's error path

	out, err := rt.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("server errors must come back as results: %v", err)
	}
	if !strings.Contains(out, "unknown tool") {
		t.Errorf("output = %q", out)
	}
}

func TestDiscoverUnknownTransport(t *testing.T) {
	discovered, errs := Discover(context.Background(), []ServerConfig{
		{Name: "bad", Transport: "carrier-pigeon"},
	})
	if len(discovered) != 0 {
		t.Errorf("discovered %d tools from bad config", len(discovered))
	}
	if len(errs) != 1 {
		t.Fatalf("errs = %v", errs)
	}
}

func TestDiscoverUnreachableServerSkipped(t *testing.T) {
	good := testToolServer(t)

	discovered, errs := Discover(context.Background(), []ServerConfig{
		{Name: "down", Transport: "http", URL: "http://127.0.0.1:1"},
		{Name: "up", Transport: "http", URL: good.URL},
	})
	if len(errs) != 1 {
		t.Errorf("errs = %v", errs)
	}
	if len(discovered) != 1 {
		t.Errorf("good server tools = %d, want 1", len(discovered))
	}
}
