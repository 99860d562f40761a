package gateway

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

// fakeGateway implements just enough of the SQL gateway v1 surface.
type fakeGateway struct {
	mux      *http.ServeMux
	sessions map[string]bool
	// pages returned per fetch token for the single fake operation
	pages map[string]fetchPageJSON
}

type fetchPageJSON map[string]any

func newFakeGateway() *fakeGateway {
	g := &fakeGateway{
		mux:      http.NewServeMux(),
		sessions: map[string]bool{},
		pages:    map[string]fetchPageJSON{},
	}

	g.mux.HandleFunc("POST /v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			SessionName string            `json:"sessionName"`
			Properties  map[string]string `json:"properties"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		g.sessions["sh-1"] = true
		json.NewEncoder(w).Encode(map[string]string{"sessionHandle": "sh-1"})
	})
	g.mux.HandleFunc("GET /v1/sessions/{h}", func(w http.ResponseWriter, r *http.Request) {
		if !g.sessions[r.PathValue("h")] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"properties": map[string]string{}})
	})
	g.mux.HandleFunc("DELETE /v1/sessions/{h}", func(w http.ResponseWriter, r *http.Request) {
		if !g.sessions[r.PathValue("h")] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(g.sessions, r.PathValue("h"))
		json.NewEncoder(w).Encode(map[string]string{"status": "CLOSED"})
	})
	g.mux.HandleFunc("POST /v1/sessions/{h}/statements", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"operationHandle": "oh-1"})
	})
	g.mux.HandleFunc("GET /v1/sessions/{h}/operations/{oh}/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "FINISHED"})
	})
	g.mux.HandleFunc("POST /v1/sessions/{h}/operations/{oh}/cancel", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "CANCELED"})
	})
	g.mux.HandleFunc("GET /v1/sessions/{h}/operations/{oh}/result/{token}", func(w http.ResponseWriter, r *http.Request) {
		page, ok := g.pages[r.PathValue("token")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(page)
	})

	return g
}

func TestSessionLifecycle(t *testing.T) {
	g := newFakeGateway()
	srv := httptest.NewServer(g.mux)
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx := context.Background()

	sess, err := c.OpenSession(ctx, "session_flink_sql_abc", map[string]string{
		"execution.runtime-mode": "streaming",
	})
	require.NoError(t, err)
	assert.Equal(t, "sh-1", sess.Handle)
	assert.True(t, sess.Alive(ctx))

	require.NoError(t, sess.Close(ctx))
	assert.False(t, sess.Alive(ctx))

	// Closing an already-dead session is fine.
	require.NoError(t, sess.Close(ctx))
}

func TestExecuteAndStatus(t *testing.T) {
	g := newFakeGateway()
	srv := httptest.NewServer(g.mux)
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx := context.Background()

	sess, err := c.OpenSession(ctx, "s", nil)
	require.NoError(t, err)

	oh, err := sess.Execute(ctx, "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, "oh-1", oh)

	status, err := sess.OperationStatus(ctx, oh)
	require.NoError(t, err)
	assert.Equal(t, OpStatusFinished, status)

	require.NoError(t, sess.CancelOperation(ctx, oh))
}

func TestFetchResultsPaging(t *testing.T) {
	g := newFakeGateway()
	g.pages["0"] = fetchPageJSON{
		"resultType":    "PAYLOAD",
		"nextResultUri": "/v1/sessions/sh-1/operations/oh-1/result/1",
		"jobID":         "abc123",
		"isQueryResult": true,
		"results": map[string]any{
			"columns": []map[string]any{{"name": "id"}, {"name": "name"}},
			"data": []map[string]any{
				{"kind": "INSERT", "fields": []any{1, "a"}},
				{"kind": "INSERT", "fields": []any{2, "b"}},
			},
		},
	}
	g.pages["1"] = fetchPageJSON{
		"resultType": "EOS",
		"results":    map[string]any{"columns": []map[string]any{}, "data": []map[string]any{}},
	}

	srv := httptest.NewServer(g.mux)
	defer srv.Close()

	sess := NewClient(srv.URL).AttachSession("sh-1")

	res, err := sess.FetchResults(context.Background(), "oh-1", FetchOptions{
		PollInterval: time.Millisecond,
		MaxPoll:      time.Second,
		RowLimit:     100,
	})
	require.NoError(t, err)

	assert.Equal(t, "abc123", res.JobID)
	assert.True(t, res.IsQueryResult)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, map[string]any{"id": float64(1), "name": "a"}, res.Rows[0])
	require.Len(t, res.Columns, 2)
	assert.Equal(t, "id", res.Columns[0].Name)
}

func TestFetchResultsRowLimit(t *testing.T) {
	g := newFakeGateway()
	rows := make([]map[string]any, 10)
	for i := range rows {
		rows[i] = map[string]any{"kind": "INSERT", "fields": []any{i}}
	}
	g.pages["0"] = fetchPageJSON{
		"resultType":    "PAYLOAD",
		"nextResultUri": "/v1/sessions/sh-1/operations/oh-1/result/0",
		"results": map[string]any{
			"columns": []map[string]any{{"name": "n"}},
			"data":    rows,
		},
	}

	srv := httptest.NewServer(g.mux)
	defer srv.Close()

	sess := NewClient(srv.URL).AttachSession("sh-1")

	res, err := sess.FetchResults(context.Background(), "oh-1", FetchOptions{
		PollInterval: time.Millisecond,
		MaxPoll:      time.Second,
		RowLimit:     5,
	})
	require.NoError(t, err)
	assert.Len(t, res.Rows, 5)
}

func TestFetchResultsNotReadyThenEOS(t *testing.T) {
	g := newFakeGateway()
	g.pages["0"] = fetchPageJSON{
		"resultType":    "NOT_READY",
		"nextResultUri": "/v1/sessions/sh-1/operations/oh-1/result/1",
	}
	g.pages["1"] = fetchPageJSON{"resultType": "EOS"}

	srv := httptest.NewServer(g.mux)
	defer srv.Close()

	sess := NewClient(srv.URL).AttachSession("sh-1")

	res, err := sess.FetchResults(context.Background(), "oh-1", FetchOptions{
		PollInterval: time.Millisecond,
		MaxPoll:      time.Second,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
}

func TestNextToken(t *testing.T) {
	assert.Equal(t, "3", nextToken("/v1/sessions/x/operations/y/result/3"))
	assert.Equal(t, "7", nextToken("/v1/sessions/x/operations/y/result/7?rowFormat=JSON"))
	assert.Equal(t, "", nextToken(""))
}

func TestIsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	sess := NewClient(srv.URL).AttachSession("gone")
	err := sess.client.do(context.Background(), http.MethodGet, "/v1/sessions/gone", nil, nil)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}
