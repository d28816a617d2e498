package records

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/liamcoop/queuerules/filter"
	"github.com/liamcoop/queuerules/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHTTPStore(t *testing.T, handler http.Handler) *HTTPStore {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store, err := NewHTTPStore(HTTPConfig{
		BaseURL: srv.URL,
		Token:   "secret",
		Fields:  filter.DefaultFieldMap(),
	})
	require.NoError(t, err)
	return store
}

func TestHTTPStoreQueryPages(t *testing.T) {
	var queries []string
	mux := http.NewServeMux()
	mux.HandleFunc("/query", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		queries = append(queries, r.URL.Query().Get("q"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"done":           false,
			"nextRecordsUrl": "/query/next-1",
			"records": []map[string]any{
				{"id": "a1", "name": "First", "queue_status": "Calibration", "project_id": "p1",
					"last_status_change_at": "2026-10-01T10:00:00Z"},
			},
		})
	})
	mux.HandleFunc("/query/next-1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"done":    true,
			"records": []map[string]any{{"id": "a2", "queue_status": nil}},
		})
	})
	store := newHTTPStore(t, mux)

	pred, err := filter.Compile(queue.Calibration, filter.DefaultFieldMap(),
		filter.Dimension{Field: "project_id", Mode: filter.ModeInclude, Selected: []string{"p'1"}})
	require.NoError(t, err)

	first, err := store.Query(context.Background(), pred, "")
	require.NoError(t, err)
	require.Len(t, first.Records, 1)
	assert.Equal(t, "/query/next-1", first.NextCursor)
	assert.Equal(t, queue.Calibration, first.Records[0].CurrentStatus)
	require.NotNil(t, first.Records[0].LastStatusChangeAt)
	assert.Equal(t, 2026, first.Records[0].LastStatusChangeAt.Year())

	require.Len(t, queries, 1)
	assert.True(t, strings.Contains(queries[0], `WHERE queue_status = 'Calibration' AND project_id IN ('p\'1')`), queries[0])

	second, err := store.Query(context.Background(), pred, first.NextCursor)
	require.NoError(t, err)
	assert.Empty(t, second.NextCursor)
	assert.Equal(t, queue.None, second.Records[0].CurrentStatus)
}

func TestHTTPStoreQueryMatchNothingSkipsRequest(t *testing.T) {
	called := false
	store := newHTTPStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	page, err := store.Query(context.Background(), filter.MatchNone{IDField: "id"}, "")
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	assert.False(t, called)
}

func TestHTTPStoreQueryError(t *testing.T) {
	store := newHTTPStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`[{"message":"No such column 'bogus'","errorCode":"INVALID_FIELD"}]`))
	}))

	pred, err := filter.Compile(queue.Test, filter.DefaultFieldMap())
	require.NoError(t, err)

	_, err = store.Query(context.Background(), pred, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No such column")
}

func TestHTTPStoreUpdateStatuses(t *testing.T) {
	var got compositeRequest
	store := newHTTPStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/composite/records", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"id":"a","success":true,"errors":[]},
			{"id":"b","success":false,"errors":[{"message":"record locked"}]}
		]`))
	}))

	results, err := store.UpdateStatuses(context.Background(), []StatusUpdate{
		{ID: "a", Status: queue.None},
		{ID: "b", Status: queue.Production},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.Equal(t, "record locked", results[1].Error)

	require.Len(t, got.Records, 2)
	assert.Nil(t, got.Records[0]["queue_status"])
	assert.Equal(t, "Production", got.Records[1]["queue_status"])
}

func TestHTTPStorePing(t *testing.T) {
	store := newHTTPStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	assert.Error(t, store.Ping(context.Background()))
}

func TestNewHTTPStoreRequiresBaseURL(t *testing.T) {
	_, err := NewHTTPStore(HTTPConfig{Fields: filter.DefaultFieldMap()})
	assert.Error(t, err)
}
