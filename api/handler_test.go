package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/hearthcore/handoff"
	"github.com/hupe1980/hearthcore/pipeline"
	"github.com/hupe1980/hearthcore/session"
	"github.com/hupe1980/hearthcore/store"
	"github.com/hupe1980/hearthcore/synapse"
	"github.com/hupe1980/hearthcore/vault"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	dir := t.TempDir()

	repo, err := store.NewSQLite(filepath.Join(dir, "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	v, err := vault.Open(filepath.Join(dir, "vault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })

	registry, err := synapse.NewRegistry(context.Background(), v)
	require.NoError(t, err)

	sessions := session.NewManager(repo)
	p := pipeline.New(v, sessions)
	coord := handoff.NewCoordinator(sessions, repo, func(o *handoff.Options) {
		o.Capabilities = registry
	})

	h := NewHandler(repo, sessions, v, registry, p, coord, nil)
	r := chi.NewRouter()
	h.RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

// TestConversationFlow walks the full command surface: session creation,
// turn taking, memory, query, handoff.
func TestConversationFlow(t *testing.T) {
	srv := newTestServer(t)

	// Alden opens a session with two agents.
	resp, sess := doJSON(t, http.MethodPost, srv.URL+"/v1/sessions", map[string]interface{}{
		"user_id":      "alden",
		"topic":        "garden planning",
		"participants": []string{"agent-a", "agent-b"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sessionID := sess["id"].(string)
	assert.Equal(t, "agent-a", sess["turn_holder"])

	base := srv.URL + "/v1/sessions/" + sessionID

	t.Run("busy turn request is queued", func(t *testing.T) {
		resp, dec := doJSON(t, http.MethodPost, base+"/turn/request", map[string]string{"agent_id": "agent-b"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "queued", dec["status"])
		assert.Equal(t, float64(1), dec["position"])
	})

	t.Run("store memory and propagate", func(t *testing.T) {
		resp, slice := doJSON(t, http.MethodPost, srv.URL+"/v1/memory", map[string]string{
			"session_id": sessionID,
			"agent_id":   "agent-a",
			"content":    "alden prefers heirloom tomatoes",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		sliceID := slice["id"].(string)

		// Storing the same content again returns the same slice.
		resp, dup := doJSON(t, http.MethodPost, srv.URL+"/v1/memory", map[string]string{
			"session_id": sessionID,
			"agent_id":   "agent-a",
			"content":    "alden prefers heirloom tomatoes",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, sliceID, dup["id"])

		resp, _ = doJSON(t, http.MethodPost, base+"/context", map[string]string{"slice_id": sliceID})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp, body := doJSON(t, http.MethodGet, srv.URL+"/v1/memory/"+sliceID, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "alden prefers heirloom tomatoes", body["content"])
	})

	t.Run("query uses stored context", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPost, base+"/query", map[string]string{
			"agent_id": "agent-a",
			"query":    "what tomatoes does alden prefer?",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		result := body["result"].(map[string]interface{})
		assert.Contains(t, result["reasoning"], "tomatoes")
		assert.NotEmpty(t, result["slice_id"])
	})

	t.Run("handoff transfers the turn", func(t *testing.T) {
		resp, ho := doJSON(t, http.MethodPost, base+"/handoffs", map[string]string{
			"source_agent_id": "agent-a",
			"target_agent_id": "agent-b",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, "completed", ho["status"])

		resp, got := doJSON(t, http.MethodGet, base+"/", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "agent-b", got["turn_holder"])
	})

	t.Run("close is terminal", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPost, base+"/close", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp, _ = doJSON(t, http.MethodPost, base+"/turn/request", map[string]string{"agent_id": "agent-a"})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})
}

func TestErrorStatusMapping(t *testing.T) {
	srv := newTestServer(t)

	t.Run("validation is 400", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/sessions", map[string]interface{}{
			"user_id":      "alden",
			"participants": []string{},
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("not found is 404", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodGet, srv.URL+"/v1/sessions/missing/", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("permission is 403", func(t *testing.T) {
		resp, sess := doJSON(t, http.MethodPost, srv.URL+"/v1/sessions", map[string]interface{}{
			"user_id":      "alice",
			"topic":        "t",
			"participants": []string{"agent-a", "agent-b"},
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		url := fmt.Sprintf("%s/v1/sessions/%s/turn/release", srv.URL, sess["id"])

		resp, _ = doJSON(t, http.MethodPost, url, map[string]string{"agent_id": "agent-b"})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("invalid manifest is 422", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/plugins", map[string]interface{}{
			"name":        "weather",
			"version":     "1.0.0",
			"entry":       "builtin:weather",
			"permissions": []string{"root_access"},
		})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})

	t.Run("unrecognized manifest field is 422", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/plugins", map[string]interface{}{
			"name":      "weather",
			"version":   "1.0.0",
			"entry":     "builtin:weather",
			"autostart": true,
		})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})
}

func TestVaultKeyEndpoints(t *testing.T) {
	srv := newTestServer(t)

	resp, keys := doJSON(t, http.MethodGet, srv.URL+"/v1/vault/keys/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	initial := keys["active_key_id"].(string)
	require.NotEmpty(t, initial)

	resp, rotated := doJSON(t, http.MethodPost, srv.URL+"/v1/vault/keys/rotate", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEqual(t, initial, rotated["id"])

	t.Run("rollback reinstates retired key", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/vault/keys/"+initial+"/rollback", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, initial, body["active_key_id"])
	})

	t.Run("revoked key cannot be reinstated", func(t *testing.T) {
		target := rotated["id"].(string)
		resp, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/vault/keys/"+target+"/revoke", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/vault/keys/"+target+"/rollback", nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}
