package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// MockTwitchServer creates a test server that mocks Twitch Helix API responses
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Client returns an *http.Client that rewrites every request, whatever host
// it names, to the mock server. Lets production code keep its real
// api.twitch.tv / id.twitch.tv URLs in tests.
func (m *MockTwitchServer) Client() *http.Client {
	return &http.Client{
		Transport: &rewriteTransport{
			Transport: http.DefaultTransport,
			host:      strings.TrimPrefix(m.URL, "http://"),
		},
	}
}

type rewriteTransport struct {
	Transport http.RoundTripper
	host      string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	req.URL.Host = t.host
	return t.Transport.RoundTrip(req)
}

// MockUserResponse adds a handler for /helix/users endpoint
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.Handlers["/helix/users"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data": []map[string]string{
				{"id": userID, "login": login},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockGlobalEmotes adds a handler for /helix/chat/emotes/global
func (m *MockTwitchServer) MockGlobalEmotes(emotes []map[string]interface{}) {
	m.Handlers["/helix/chat/emotes/global"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{"data": emotes}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockChannelEmotes adds a handler for /helix/chat/emotes
func (m *MockTwitchServer) MockChannelEmotes(emotes []map[string]interface{}) {
	m.Handlers["/helix/chat/emotes"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{"data": emotes}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockChatBadges adds handlers for the global and channel badge endpoints
func (m *MockTwitchServer) MockChatBadges(sets []map[string]interface{}) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{"data": sets}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
	m.Handlers["/helix/chat/badges/global"] = handler
	m.Handlers["/helix/chat/badges"] = handler
}

// MockOAuthTokenResponse adds a handler for OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}
