package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPMailer_SendTemplate(t *testing.T) {
	var (
		got     Message
		authHdr string
		idemHdr string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		authHdr = r.Header.Get("Authorization")
		idemHdr = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	m := NewHTTPMailer(srv.URL, "mail-token", time.Second, nil)
	err := m.SendTemplate(context.Background(), "student_form_invite", 100, "ana@example.com", map[string]string{"access_url": "https://x"})
	require.NoError(t, err)

	assert.Equal(t, "student_form_invite", got.Template)
	assert.Equal(t, Recipient{PartnerID: 100, Email: "ana@example.com"}, got.To)
	assert.Equal(t, "https://x", got.Context["access_url"])
	assert.Equal(t, "Bearer mail-token", authHdr)
	assert.NotEmpty(t, idemHdr)
}

func TestHTTPMailer_IdempotencyKeyStable(t *testing.T) {
	var keys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	m := NewHTTPMailer(srv.URL, "", time.Second, nil)
	ctx := context.Background()
	vars := map[string]string{"access_url": "https://x", "name": "Ana"}
	require.NoError(t, m.SendTemplate(ctx, "student_form_invite", 100, "ana@example.com", vars))
	require.NoError(t, m.SendTemplate(ctx, "student_form_invite", 100, "ana@example.com", map[string]string{"name": "Ana", "access_url": "https://x"}))
	require.NoError(t, m.SendTemplate(ctx, "student_form_invite", 101, "ana@example.com", vars))
	require.NoError(t, m.SendTemplate(ctx, "portal_welcome", 100, "ana@example.com", vars))

	require.Len(t, keys, 4)
	assert.Equal(t, keys[0], keys[1], "a retried message reuses its key")
	assert.NotEqual(t, keys[0], keys[2])
	assert.NotEqual(t, keys[0], keys[3])
	assert.NotEqual(t, keys[2], keys[3])
}

func TestHTTPMailer_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown template", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	m := NewHTTPMailer(srv.URL, "", time.Second, nil)
	err := m.SendTemplate(context.Background(), "nope", 1, "a@example.com", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")

	require.ErrorIs(t, m.SendTemplate(context.Background(), "nope", 1, " ", nil), ErrNoRecipient)
}
