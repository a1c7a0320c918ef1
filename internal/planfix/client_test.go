package planfix

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planpilot-ai/planpilot/internal/config"
	"github.com/planpilot-ai/planpilot/internal/entity"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.PlanfixConfig{
		BaseURL:     srv.URL,
		APIKey:      "test-key",
		Account:     "acme",
		PageSize:    2,
		PageTimeout: 5 * time.Second,
	})
}

func TestFetchPage_ParsesTasks(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tasks", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "acme", r.Header.Get("X-Account"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		w.Write([]byte(`{"tasks":[
			{"id":101,"title":"Fix login bug","status":{"name":"open"},"priority":"high",
			 "project":{"name":"Website"},"updatedAt":"2026-08-01T10:00:00Z"},
			{"id":"102","title":"Write docs","deleted":true}
		]}`))
	}))

	page, err := c.FetchPage(context.Background(), entity.KindTask, PageOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.True(t, page.HasMore, "full page means more may follow")

	r0 := page.Records[0]
	assert.Equal(t, "101", r0.ExternalID)
	assert.False(t, r0.Deleted)
	assert.Equal(t, []entity.Field{
		{Name: "title", Value: "Fix login bug"},
		{Name: "status", Value: "open"},
		{Name: "priority", Value: "high"},
		{Name: "project", Value: "Website"},
	}, r0.Fields)
	assert.Equal(t, time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC), r0.UpdatedAt)

	assert.Equal(t, "102", page.Records[1].ExternalID)
	assert.True(t, page.Records[1].Deleted)
}

func TestFetchPage_LastPage(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"projects":[{"id":1,"name":"Website"}]}`))
	}))

	page, err := c.FetchPage(context.Background(), entity.KindProject, PageOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Records, 1)
	assert.False(t, page.HasMore)
}

func TestFetchPage_UpdatedSinceFilter(t *testing.T) {
	since := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2026-07-01T00:00:00Z", r.URL.Query().Get("updatedSince"))
		w.Write([]byte(`{"users":[]}`))
	}))

	_, err := c.FetchPage(context.Background(), entity.KindUser, PageOptions{Limit: 2, UpdatedSince: &since})
	require.NoError(t, err)
}

func TestFetchPage_AuthError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.FetchPage(context.Background(), entity.KindTask, PageOptions{Limit: 2})
	require.Error(t, err)
	assert.Equal(t, Auth, KindOf(err))
}

func TestFetchPage_RateLimitedIsTransient(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := c.FetchPage(context.Background(), entity.KindTask, PageOptions{Limit: 2})
	require.Error(t, err)
	assert.Equal(t, Transient, KindOf(err))
}

func TestFetchPage_SchemaMismatch(t *testing.T) {
	cases := map[string]string{
		"wrong collection": `{"items":[{"id":1}]}`,
		"record sans id":   `{"tasks":[{"title":"no id"}]}`,
		"not json":         `<html>gateway</html>`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(body))
			}))
			_, err := c.FetchPage(context.Background(), entity.KindTask, PageOptions{Limit: 2})
			require.Error(t, err)
			assert.Equal(t, SchemaMismatch, KindOf(err))
		})
	}
}

func TestFetchPage_NetworkErrorIsTransient(t *testing.T) {
	c := NewClient(config.PlanfixConfig{
		BaseURL:     "http://127.0.0.1:1",
		PageTimeout: time.Second,
	})
	_, err := c.FetchPage(context.Background(), entity.KindTask, PageOptions{Limit: 2})
	require.Error(t, err)
	assert.Equal(t, Transient, KindOf(err))
}
