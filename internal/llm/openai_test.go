package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/pbt-orchestrator/internal/domain"
)

func TestOpenAIClient_Complete(t *testing.T) {
	var got struct {
		Model    string           `json:"model"`
		Messages []domain.Message `json:"messages"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	c, err := NewOpenAIClient(domain.BackendConfig{
		Name:       "test",
		Endpoint:   server.URL + "/v1",
		Model:      "tiny",
		Credential: "sk-test",
	})
	require.NoError(t, err)

	text, err := c.Complete(context.Background(), []domain.Message{
		{Role: domain.RoleSystem, Content: "be brief"},
		{Role: domain.RoleUser, Content: "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	assert.Equal(t, "tiny", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "hi", got.Messages[1].Content)
}

func TestOpenAIClient_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	defer server.Close()

	c, err := NewOpenAIClient(domain.BackendConfig{Name: "test", Endpoint: server.URL, Model: "tiny"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), []domain.Message{{Role: domain.RoleUser, Content: "hi"}})
	assert.Error(t, err)
}

func TestNewOpenAIClient_RequiresModel(t *testing.T) {
	_, err := NewOpenAIClient(domain.BackendConfig{Name: "x"})
	assert.Error(t, err)
}
