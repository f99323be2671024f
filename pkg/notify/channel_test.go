package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/pkg/wferrors"
)

func TestWebhookSendPostsPayload(t *testing.T) {
	var got webhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewWebhookChannel(server.URL)
	require.NoError(t, c.SendWithOptions("ops", "hello", []string{"yes", "no"}))
	assert.Equal(t, "ops", got.Recipient)
	assert.Equal(t, "hello", got.Text)
	assert.Equal(t, []string{"yes", "no"}, got.ReplyOptions)
}

func TestWebhookStatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusNotFound, false},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			err := NewWebhookChannel(server.URL).Send("ops", "hi")
			require.Error(t, err)
			assert.Equal(t, tt.retryable, wferrors.ShouldRetryNetwork(err))
		})
	}
}

func TestWebhookConnectionFailureIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	err := NewWebhookChannel(server.URL).Send("ops", "hi")
	require.Error(t, err)
	var cerr *wferrors.ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.True(t, wferrors.ShouldRetryNetwork(err))
}
