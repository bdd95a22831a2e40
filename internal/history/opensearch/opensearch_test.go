package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/nodekeeper/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var (
		body   []byte
		path   string
		method string
		ctype  string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		path = r.URL.Path
		ctype = r.Header.Get("Content-Type")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"_id":"1","result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL+"/", "test-index")
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err := sink.Send(context.Background(), history.Event{
		Type:       history.EventStart,
		OccurredAt: at,
		Node:       "reth",
		Version:    "v1.5.0",
		PID:        4242,
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "/test-index/_doc", path)
	assert.Equal(t, "application/json", ctype)

	var got history.Event
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, history.EventStart, got.Type)
	assert.Equal(t, "reth", got.Node)
	assert.Equal(t, 4242, got.PID)
	assert.True(t, got.OccurredAt.Equal(at))
}

func TestOpenSearchSink_SendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	err := New(server.URL, "idx").Send(context.Background(), history.Event{Type: history.EventStop})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestOpenSearchSink_DefaultIndex(t *testing.T) {
	s := New("http://localhost:9200", "")
	assert.Equal(t, "http://localhost:9200/"+DefaultIndex+"/_doc", s.URL())
	assert.Equal(t, "opensearch", s.Name())
}
