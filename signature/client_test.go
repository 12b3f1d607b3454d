package signature

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agreementflow/agreement"
)

// fakeSignAPI is a minimal in-memory signature service.
type fakeSignAPI struct {
	mu       sync.Mutex
	roles    []Role
	requests map[string]Request
	states   map[string]string
	sends    []string
	cancels  []string
	auth     []string
}

func newFakeSignAPI() (*fakeSignAPI, *httptest.Server) {
	api := &fakeSignAPI{requests: map[string]Request{}, states: map[string]string{}}
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			api.mu.Lock()
			api.auth = append(api.auth, req.Header.Get("Authorization"))
			api.mu.Unlock()
			next.ServeHTTP(w, req)
		})
	})
	r.Get("/roles", func(w http.ResponseWriter, req *http.Request) {
		api.mu.Lock()
		defer api.mu.Unlock()
		out := []Role{}
		for _, role := range api.roles {
			if role.Name == req.URL.Query().Get("name") {
				out = append(out, role)
			}
		}
		writeJSON(w, out)
	})
	r.Post("/roles", func(w http.ResponseWriter, req *http.Request) {
		var role Role
		_ = json.NewDecoder(req.Body).Decode(&role)
		api.mu.Lock()
		role.ID = "role-" + role.Name
		api.roles = append(api.roles, role)
		api.mu.Unlock()
		writeJSON(w, role)
	})
	r.Post("/templates", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, idResponse{ID: "tpl-1"})
	})
	r.Post("/requests", func(w http.ResponseWriter, req *http.Request) {
		var body Request
		_ = json.NewDecoder(req.Body).Decode(&body)
		api.mu.Lock()
		id := "sr-" + body.Reference
		api.requests[id] = body
		api.states[id] = "sent"
		api.mu.Unlock()
		writeJSON(w, idResponse{ID: id})
	})
	r.Get("/requests/{id}", func(w http.ResponseWriter, req *http.Request) {
		api.mu.Lock()
		defer api.mu.Unlock()
		state, ok := api.states[chi.URLParam(req, "id")]
		if !ok {
			http.NotFound(w, req)
			return
		}
		writeJSON(w, map[string]string{"state": state})
	})
	r.Post("/requests/{id}/send", func(w http.ResponseWriter, req *http.Request) {
		api.mu.Lock()
		defer api.mu.Unlock()
		api.sends = append(api.sends, chi.URLParam(req, "id"))
		w.WriteHeader(http.StatusNoContent)
	})
	r.Post("/requests/{id}/cancel", func(w http.ResponseWriter, req *http.Request) {
		api.mu.Lock()
		defer api.mu.Unlock()
		id := chi.URLParam(req, "id")
		if _, ok := api.states[id]; !ok {
			http.NotFound(w, req)
			return
		}
		api.states[id] = "canceled"
		api.cancels = append(api.cancels, id)
		w.WriteHeader(http.StatusNoContent)
	})
	return api, httptest.NewServer(r)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("content-type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestHTTPClient_DispatcherRoundTrip(t *testing.T) {
	api, srv := newFakeSignAPI()
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "sign-token", time.Second)
	d := NewDispatcher(client, nil)
	ctx := context.Background()

	ref, err := d.RequestSignatures(ctx, sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "sr-LA-LA00005", ref)

	api.mu.Lock()
	req := api.requests[ref]
	sends := append([]string(nil), api.sends...)
	roles := len(api.roles)
	api.mu.Unlock()

	require.Len(t, req.Signers, 2)
	assert.Equal(t, int64(100), req.Signers[0].PartnerID)
	assert.Equal(t, 1, req.Signers[0].SendOrder)
	assert.Equal(t, []string{ref}, sends)
	assert.Equal(t, 2, roles)

	status, err := d.Status(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, agreement.SignatureWaiting, status)

	api.mu.Lock()
	api.states[ref] = "signed"
	api.mu.Unlock()
	status, err = d.Status(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, agreement.SignatureCompleted, status)

	require.NoError(t, d.Remind(ctx, ref))
	api.mu.Lock()
	assert.Len(t, api.sends, 2)
	api.mu.Unlock()

	_, err = client.RequestState(ctx, "missing")
	require.ErrorIs(t, err, ErrRequestNotFound)

	require.NoError(t, d.Cancel(ctx, ref))
	status, err = d.Status(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, agreement.SignatureCancelled, status)
	require.ErrorIs(t, client.CancelRequest(ctx, "missing"), ErrRequestNotFound)
	require.NoError(t, d.Cancel(ctx, "missing"))

	api.mu.Lock()
	defer api.mu.Unlock()
	for _, header := range api.auth {
		assert.Equal(t, "Bearer sign-token", header)
	}
}
