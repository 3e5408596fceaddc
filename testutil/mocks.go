package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// MockRepliveServer creates a test server that mocks Replive API responses.
// Handlers are keyed by RPC path (e.g. "/user.v1.UserService/RefreshAccessToken").
type MockRepliveServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockRepliveServer creates a new mock Replive API server.
func NewMockRepliveServer(t *testing.T) *MockRepliveServer {
	t.Helper()
	m := &MockRepliveServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// BaseURL returns the server root with a trailing slash, suitable for
// repliveapi.Client.BaseURL.
func (m *MockRepliveServer) BaseURL() string { return m.URL + "/" }

// MockRefreshResponse adds a handler for the refresh-token exchange endpoint.
func (m *MockRepliveServer) MockRefreshResponse(accessToken string, expiresAt time.Time) {
	m.Handlers["/user.v1.UserService/RefreshAccessToken"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"accessToken":           accessToken,
			"accessTokenExpireTime": expiresAt.UTC().Format(time.RFC3339Nano),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockRefreshRejected makes the exchange endpoint reject the refresh token.
func (m *MockRepliveServer) MockRefreshRejected() {
	m.Handlers["/user.v1.UserService/RefreshAccessToken"] = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid refresh token", http.StatusUnauthorized)
	}
}

// MockLiveStatus adds a handler for the per-channel status endpoint.
// A nil stream map means offline for every queried channel.
func (m *MockRepliveServer) MockLiveStatus(streams map[string]map[string]interface{}) {
	m.Handlers["/user.v1.LiveService/GetLiveStatus"] = func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID string `json:"userId"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck // test mock request
		w.Header().Set("Content-Type", "application/json")
		s, ok := streams[req.UserID]
		if !ok {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"live": false}) //nolint:errcheck // test mock response
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck // test mock response
			"live":     true,
			"liveInfo": s,
			"user":     map[string]string{"displayName": asString(s["displayName"])},
		})
	}
}

// MockCheckStreamingLive adds a handler for the followed-lives sweep endpoint.
func (m *MockRepliveServer) MockCheckStreamingLive(lives []map[string]interface{}, users map[string]string) {
	m.Handlers["/user.v1.LiveService/CheckStreamingLive"] = func(w http.ResponseWriter, r *http.Request) {
		userObjs := make(map[string]map[string]string, len(users))
		for id, name := range users {
			userObjs[id] = map[string]string{"displayName": name}
		}
		response := map[string]interface{}{
			"followingLives": lives,
			"users":          userObjs,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
