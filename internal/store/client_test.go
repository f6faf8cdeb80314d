package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(&Config{
		BaseURL: srv.URL,
		APIKey:  "test-api-key",
		BaseID:  "appTEST",
		Timeout: 2 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestClient_ListAll_FollowsPagination(t *testing.T) {
	var calls int32
	c := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-api-key", r.Header.Get("Authorization"))
		require.Equal(t, "/appTEST/users", r.URL.Path)
		require.Equal(t, "100", r.URL.Query().Get("pageSize"))

		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			require.Empty(t, r.URL.Query().Get("offset"))
			w.Write([]byte(`{"records":[{"id":"rec1","fields":{"Name":"a"}},{"id":"rec2","fields":{"Name":"b"}}],"offset":"cursor1"}`))
			return
		}
		require.Equal(t, "cursor1", r.URL.Query().Get("offset"))
		w.Write([]byte(`{"records":[{"id":"rec3","fields":{"Name":"c"}}]}`))
	})

	records, err := c.ListAll(context.Background(), "users")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "rec1", records[0].ID)
	assert.Equal(t, "rec3", records[2].ID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClient_Query_EscapesFormula(t *testing.T) {
	c := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "AND({User}='u1',{Question}='q1')", r.URL.Query().Get("filterByFormula"))
		w.Write([]byte(`{"records":[{"id":"rec1","fields":{}}]}`))
	})

	records, err := c.Query(context.Background(), "user_results", "AND({User}='u1',{Question}='q1')")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestClient_Get(t *testing.T) {
	c := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/appTEST/questions/recQ1", r.URL.Path)
		w.Write([]byte(`{"id":"recQ1","createdTime":"2026-08-01T10:00:00Z","fields":{"Question":"What is 2+2?"}}`))
	})

	rec, err := c.Get(context.Background(), "questions", "recQ1")
	require.NoError(t, err)
	assert.Equal(t, "recQ1", rec.ID)
	assert.Equal(t, "What is 2+2?", rec.Fields["Question"])
	assert.Equal(t, 2026, rec.CreatedTime.Year())
}

func TestClient_Create_PostsFieldsEnvelope(t *testing.T) {
	c := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var envelope struct {
			Fields map[string]any `json:"fields"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&envelope))
		assert.Equal(t, "u1", envelope.Fields["User"])

		w.Write([]byte(`{"id":"recNew","fields":{"User":"u1"}}`))
	})

	rec, err := c.Create(context.Background(), "user_results", map[string]any{"User": "u1"})
	require.NoError(t, err)
	assert.Equal(t, "recNew", rec.ID)
}

func TestClient_Update_Patches(t *testing.T) {
	c := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		require.Equal(t, "/appTEST/user_results/rec1", r.URL.Path)
		w.Write([]byte(`{"id":"rec1","fields":{"Delivery Status":"Sent"}}`))
	})

	rec, err := c.Update(context.Background(), "user_results", "rec1", map[string]any{"Delivery Status": "Sent"})
	require.NoError(t, err)
	assert.Equal(t, "Sent", rec.Fields["Delivery Status"])
}

func TestClient_TypedErrorOnFailure(t *testing.T) {
	c := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":{"type":"UNKNOWN_FIELD_NAME"}}`))
	})

	_, err := c.Create(context.Background(), "user_results", map[string]any{"Nope": 1})
	require.Error(t, err)

	var storeErr *Error
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, 422, storeErr.Status)
	assert.False(t, storeErr.Retryable())
}

func TestClient_ReadRetriesOnServerError(t *testing.T) {
	var calls int32
	c := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"records":[{"id":"rec1","fields":{}}]}`))
	})

	records, err := c.ListAll(context.Background(), "users")
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClient_WritesNeverRetry(t *testing.T) {
	var calls int32
	c := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.Create(context.Background(), "user_results", map[string]any{"User": "u1"})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	var storeErr *Error
	require.ErrorAs(t, err, &storeErr)
	assert.True(t, storeErr.Retryable())
}

func TestError_Retryable(t *testing.T) {
	assert.True(t, (&Error{Status: 500}).Retryable())
	assert.True(t, (&Error{Status: 503}).Retryable())
	assert.True(t, (&Error{Status: 429}).Retryable())
	assert.False(t, (&Error{Status: 404}).Retryable())
	assert.False(t, (&Error{Status: 422}).Retryable())
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(nil)
	assert.Error(t, err)

	_, err = NewClient(&Config{BaseURL: "http://x"})
	assert.Error(t, err)

	c, err := NewClient(&Config{BaseURL: "http://x", BaseID: "app1"})
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, c.config.Timeout)
}
