package web_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brackenhollow/convobridge/logstore"
	"github.com/brackenhollow/convobridge/queue"
	"github.com/brackenhollow/convobridge/store"
	"github.com/brackenhollow/convobridge/web"
)

func newTestServer(t *testing.T, logs *logstore.Store) (*httptest.Server, *store.Store, *queue.Queue) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "status.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	q := queue.New(context.Background())

	srv := web.New(":0", []web.PersonaHandle{
		{ID: "p1", BotDisplayName: "TestBot", Store: st, Queue: q},
	}, logs)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, st, q
}

func TestHandleStatusReportsPersonaCounts(t *testing.T) {
	ts, st, _ := newTestServer(t, nil)

	_, err := st.InsertMessage(context.Background(), store.Message{
		ChannelID: "c1", MessageID: "m1", AuthorID: "u1", Content: "hi",
	})
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Personas []struct {
			ID           string `json:"id"`
			MessageCount int64  `json:"message_count"`
		} `json:"personas"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Personas, 1)
	require.Equal(t, "p1", body.Personas[0].ID)
	require.Equal(t, int64(1), body.Personas[0].MessageCount)
}

func TestHandleStatusIncludesQueueDepths(t *testing.T) {
	ts, _, q := newTestServer(t, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	q.Enqueue(&queue.Job{ScopeKey: "c1", Run: func(ctx context.Context) { close(started); <-release }})
	q.Enqueue(&queue.Job{ScopeKey: "c1", Run: func(ctx context.Context) {}})
	defer close(release)
	<-started

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Personas []struct {
			QueueDepths map[string]int `json:"queue_depths"`
		} `json:"personas"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, 1, body.Personas[0].QueueDepths["c1"])
}

func TestHandleListLogsRequiresChannelID(t *testing.T) {
	logs := newTestLogStore(t)
	ts, _, _ := newTestServer(t, logs)

	resp, err := http.Get(ts.URL + "/api/logs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleListLogsDisabledWithoutStore(t *testing.T) {
	ts, _, _ := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/api/logs?channel_id=c1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func newTestLogStore(t *testing.T) *logstore.Store {
	t.Helper()
	logs, err := logstore.Open(filepath.Join(t.TempDir(), "logs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { logs.Close() })
	return logs
}
