package e2e

import (
	"net/http"
	"testing"

	"github.com/makeasinger/studio/internal/auth"
)

func TestPublicEndpoints(t *testing.T) {
	ta := setupApp(t)

	t.Run("root", func(t *testing.T) {
		resp, err := doRequest(ta.app, http.MethodGet, "/", "", nil)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		assertStatus(t, resp, http.StatusOK)
		if _, ok := parseJSON(t, resp)["timestamp"]; !ok {
			t.Error("expected timestamp in response")
		}
	})

	t.Run("health", func(t *testing.T) {
		resp, err := doRequest(ta.app, http.MethodGet, "/health", "", nil)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		assertStatus(t, resp, http.StatusOK)

		body := parseJSON(t, resp)
		services, ok := body["services"].(map[string]interface{})
		if body["status"] != "ok" || !ok {
			t.Fatalf("unexpected health body %v", body)
		}
		for _, name := range []string{"database", "local"} {
			if services[name] != true {
				t.Errorf("expected %s healthy, got %v", name, services[name])
			}
		}
	})
}

func TestAuthVerify(t *testing.T) {
	ta := setupApp(t)

	foreign, err := auth.NewHMACVerifier("another-secret").Issue(testUserID, "", 0)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"basic scheme", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"garbage token", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"signed with another secret", "Bearer " + foreign, http.StatusUnauthorized},
		{"valid", "Bearer " + generateToken(t), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.header != "" {
				headers["Authorization"] = tt.header
			}
			resp, err := doRequest(ta.app, http.MethodGet, "/auth/verify", "", headers)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			assertStatus(t, resp, tt.want)
			if tt.want != http.StatusOK {
				return
			}
			// Traefik copies these onto the forwarded request.
			if got := resp.Header.Get("X-User-Id"); got != testUserID {
				t.Errorf("expected X-User-Id %q, got %q", testUserID, got)
			}
			if resp.Header.Get("X-User-Email") == "" {
				t.Error("expected X-User-Email header")
			}
		})
	}
}

func TestAPI_RequiresToken(t *testing.T) {
	ta := setupApp(t)

	for _, path := range []string{"/api/songs", "/api/generate/status/x"} {
		resp, err := doRequest(ta.app, http.MethodGet, path, "", nil)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		assertStatus(t, resp, http.StatusUnauthorized)
	}
}

func TestUnknownRoute_UsesErrorEnvelope(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/nope", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)

	errObj, _ := parseJSON(t, resp)["error"].(map[string]interface{})
	if errObj["code"] != "NOT_FOUND" {
		t.Errorf("expected NOT_FOUND, got %v", errObj)
	}
}
