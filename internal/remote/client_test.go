package remote_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raysh454/httpbridge/internal/binding"
	"github.com/raysh454/httpbridge/internal/engine"
	"github.com/raysh454/httpbridge/internal/model"
	"github.com/raysh454/httpbridge/internal/remote"
	"github.com/raysh454/httpbridge/internal/scope"
	"github.com/raysh454/httpbridge/internal/server"
	"github.com/raysh454/httpbridge/internal/testutil"
	"github.com/raysh454/httpbridge/internal/webclient"
)

func newRemote(t *testing.T, sc scope.Config) (*remote.Client, *server.Server) {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.Scope = sc
	s, err := server.NewServer(server.Config{
		Engine:      cfg,
		JournalPath: filepath.Join(t.TempDir(), "journal.db"),
		Logger:      &testutil.DummyLogger{},
	})
	require.NoError(t, err)
	ts := httptest.NewServer(s)

	wc, err := webclient.New(webclient.Config{Backend: webclient.BackendNetHTTP}, &testutil.DummyLogger{})
	require.NoError(t, err)
	c, err := remote.New(ts.URL+"/", wc, &testutil.DummyLogger{})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = c.Close()
		ts.Close()
		_ = s.Close()
	})
	return c, s
}

func TestNew_RejectsBadURLs(t *testing.T) {
	wc, err := webclient.New(webclient.Config{Backend: webclient.BackendNetHTTP}, nil)
	require.NoError(t, err)
	defer wc.Close()

	for _, raw := range []string{"", "ws://host", "localhost:8787", "http://"} {
		_, err := remote.New(raw, wc, nil)
		assert.Error(t, err, raw)
	}
	_, err = remote.New("http://127.0.0.1:8787", nil, nil)
	assert.Error(t, err)
}

func TestRemote_FetchThroughBinding(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Origin", r.Header.Get("Origin"))
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer upstream.Close()

	c, s := newRemote(t, scope.Config{Allow: []string{upstream.URL + "/**"}})
	bc := binding.New(c, nil)

	req := binding.NewRequest("GET", upstream.URL+"/api", nil)
	req.AddHeader("http_unsafe_header_origin", "https://app.example")
	resp, err := bc.Fetch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, upstream.URL+"/api", resp.URL)
	// Unsafe headers are off by default, so the origin never reaches the wire.
	assert.Empty(t, resp.Header("x-origin"))

	var v struct{ OK bool }
	require.NoError(t, resp.JSON(&v))
	assert.True(t, v.OK)
	assert.Zero(t, s.Engine().LiveHandles())
}

func TestRemote_ErrorsKeepTheirMessage(t *testing.T) {
	c, _ := newRemote(t, scope.Config{Allow: []string{"https://only.example/**"}})
	ctx := context.Background()

	_, err := c.Issue(ctx, &model.IssueRequest{Method: "GET", URL: "http://h/data.json"})
	require.Error(t, err)
	assert.Equal(t, "url not allowed on the configured scope: http://h/data.json", err.Error())

	_, err = c.Send(ctx, 5)
	require.Error(t, err)
	assert.Equal(t, "invalid or retired resource id: 5", err.Error())

	_, err = c.ReadBody(ctx, 5)
	assert.Error(t, err)
	assert.NoError(t, c.Cancel(ctx, 5))
}

func TestRemote_BinaryAndEmptyBodies(t *testing.T) {
	c, _ := newRemote(t, scope.Config{Disabled: true})
	ctx := context.Background()

	for raw, want := range map[string][]byte{
		"data:;base64,AAEC/w==": {0, 1, 2, 0xff},
		"data:,":                nil,
	} {
		rid, err := c.Issue(ctx, &model.IssueRequest{Method: "GET", URL: raw})
		require.NoError(t, err)
		resp, err := c.Send(ctx, rid)
		require.NoError(t, err)
		body, err := c.ReadBody(ctx, resp.BodyHandle)
		require.NoError(t, err)
		assert.Equal(t, want, body, raw)
	}
}

func TestRemote_ConfigureAndJournal(t *testing.T) {
	c, _ := newRemote(t, scope.Config{Disabled: true})
	ctx := context.Background()

	require.NoError(t, c.Configure(ctx, model.ClientOptions{MaxRedirections: model.Int(3)}))
	neg := int64(-1)
	assert.Error(t, c.Configure(ctx, model.ClientOptions{ConnectTimeout: &neg}))

	rid, err := c.Issue(ctx, &model.IssueRequest{Method: "GET", URL: "data:,x"})
	require.NoError(t, err)
	require.NoError(t, c.Cancel(ctx, rid))

	entries, err := c.Journal(ctx, 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, rid, entries[0].Handle)
	assert.Equal(t, model.OutcomeCanceled, entries[0].Outcome)
}

func TestRemote_CancelDuringIssueReleasesHandle(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.Scope = scope.Config{Disabled: true}
	s, err := server.NewServer(server.Config{Engine: cfg, Logger: &testutil.DummyLogger{}})
	require.NoError(t, err)
	defer s.Close()

	// Issue is answered only after the caller has given up.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/v1/requests" {
			time.Sleep(150 * time.Millisecond)
		}
		s.ServeHTTP(w, r)
	}))
	defer ts.Close()

	wc, err := webclient.New(webclient.Config{Backend: webclient.BackendNetHTTP}, &testutil.DummyLogger{})
	require.NoError(t, err)
	c, err := remote.New(ts.URL, wc, &testutil.DummyLogger{})
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = binding.New(c, nil).Get(ctx, "data:,late")
	assert.ErrorIs(t, err, binding.ErrCanceled)
	assert.Zero(t, s.Engine().LiveHandles())
}
