package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/linkmark/linkmark/pkg/annotate"
	"github.com/linkmark/linkmark/pkg/api"
	"github.com/linkmark/linkmark/pkg/config"
)

// newTestServer starts an httptest server around the API handler.
func newTestServer(t *testing.T, cfg *config.CrawlConfig, ann *annotate.Annotation) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(api.NewServer(cfg, ann).Handler())
	t.Cleanup(server.Close)
	return server
}

// postJSON sends a JSON body to the given URL.
func postJSON(t *testing.T, url string, payload interface{}) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

// decodeBody decodes a JSON response body into a generic map.
func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()

	var decoded map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return decoded
}

// TestDistanceEndpoint verifies the distance endpoint computes edit distance.
func TestDistanceEndpoint(t *testing.T) {
	server := newTestServer(t, config.DefaultConfig(), nil)

	resp := postJSON(t, server.URL+"/api/v1/distance", api.DistanceRequest{A: "kitten", B: "sitting"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	body := decodeBody(t, resp)
	if body["distance"] != float64(3) {
		t.Errorf("expected distance 3, got %v", body["distance"])
	}
}

// TestDistanceEndpointLimit verifies over-long sequences yield a 413.
func TestDistanceEndpointLimit(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxSequenceLen = 4
	server := newTestServer(t, cfg, nil)

	resp := postJSON(t, server.URL+"/api/v1/distance", api.DistanceRequest{A: "aaaaa", B: "b"})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", resp.StatusCode)
	}
}

// TestSimilarityEndpoint verifies the similarity ratio endpoint.
func TestSimilarityEndpoint(t *testing.T) {
	server := newTestServer(t, config.DefaultConfig(), nil)

	resp := postJSON(t, server.URL+"/api/v1/similarity", api.DistanceRequest{A: "gumbo", B: "gumbo"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	body := decodeBody(t, resp)
	if body["ratio"] != float64(1) {
		t.Errorf("expected ratio 1.0, got %v", body["ratio"])
	}
}

// TestMarkAndBest verifies marks flow into the best-link ranking.
func TestMarkAndBest(t *testing.T) {
	server := newTestServer(t, config.DefaultConfig(), nil)

	resp := postJSON(t, server.URL+"/api/v1/links/mark", api.MarkRequest{
		URL:    "https://example.org/news?p=2",
		Follow: true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mark: expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	best, err := http.Get(server.URL + "/api/v1/links/best?n=5")
	if err != nil {
		t.Fatalf("GET best: %v", err)
	}
	body := decodeBody(t, best)

	links, ok := body["links"].([]interface{})
	if !ok || len(links) == 0 {
		t.Fatalf("expected ranked links, got %v", body["links"])
	}

	top, ok := links[0].(map[string]interface{})
	if !ok || top["url"] != "https://example.org/news?p=2" {
		t.Errorf("expected marked link at rank 1, got %v", links[0])
	}
}

// TestNearEndpoint verifies fuzzy lookup over the current link set.
func TestNearEndpoint(t *testing.T) {
	ann := annotate.New(annotate.Options{})
	ann.Load([]string{
		"https://example.org/item?id=1",
		"https://example.org/item?id=2",
		"https://example.org/user?id=alice",
	})
	server := newTestServer(t, config.DefaultConfig(), ann)

	resp, err := http.Get(server.URL + "/api/v1/links/near?q=" +
		"https%3A%2F%2Fexample.org%2Fitem%3Fid%3D3&fuzziness=1")
	if err != nil {
		t.Fatalf("GET near: %v", err)
	}
	body := decodeBody(t, resp)

	if body["count"] != float64(2) {
		t.Errorf("expected 2 matches, got %v (%v)", body["count"], body["matches"])
	}
}

// TestNearEndpointRequiresQuery verifies the query parameter is mandatory.
func TestNearEndpointRequiresQuery(t *testing.T) {
	server := newTestServer(t, config.DefaultConfig(), nil)

	resp, err := http.Get(server.URL + "/api/v1/links/near")
	if err != nil {
		t.Fatalf("GET near: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

// TestAuthMiddleware verifies the API key requirement and the health exemption.
func TestAuthMiddleware(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.APIKey = "sesame"
	server := newTestServer(t, cfg, nil)

	// Without the key.
	resp, err := http.Get(server.URL + "/api/v1/links")
	if err != nil {
		t.Fatalf("GET links: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without key, got %d", resp.StatusCode)
	}

	// With the key.
	req, _ := http.NewRequest(http.MethodGet, server.URL+"/api/v1/links", nil)
	req.Header.Set("X-API-Key", "sesame")
	authed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET links with key: %v", err)
	}
	authed.Body.Close()
	if authed.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with key, got %d", authed.StatusCode)
	}

	// Health stays open.
	health, err := http.Get(server.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Errorf("expected 200 for health, got %d", health.StatusCode)
	}
}

// TestLinksLoadEndpoint verifies a page fetch feeds links into the annotation.
func TestLinksLoadEndpoint(t *testing.T) {
	content := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<a href="/one">1</a> <a href="/two">2</a>`))
	}))
	defer content.Close()

	server := newTestServer(t, config.DefaultConfig(), nil)

	resp := postJSON(t, server.URL+"/api/v1/links/load", api.LoadRequest{URL: content.URL})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("load: expected 200, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["links"] != float64(2) {
		t.Errorf("expected 2 links, got %v", body["links"])
	}

	listed, err := http.Get(server.URL + "/api/v1/links")
	if err != nil {
		t.Fatalf("GET links: %v", err)
	}
	listBody := decodeBody(t, listed)
	if listBody["count"] != float64(2) {
		t.Errorf("expected 2 known links, got %v", listBody["count"])
	}
}

// TestStatusEndpoint verifies the status payload carries version and counts.
func TestStatusEndpoint(t *testing.T) {
	server := newTestServer(t, config.DefaultConfig(), nil)

	resp, err := http.Get(server.URL + "/api/v1/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	body := decodeBody(t, resp)

	if body["version"] != config.Version {
		t.Errorf("expected version %q, got %v", config.Version, body["version"])
	}
	if body["links"] != float64(0) {
		t.Errorf("expected 0 links, got %v", body["links"])
	}
}
