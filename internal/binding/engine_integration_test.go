package binding_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raysh454/httpbridge/internal/binding"
	"github.com/raysh454/httpbridge/internal/engine"
	"github.com/raysh454/httpbridge/internal/model"
	"github.com/raysh454/httpbridge/internal/scope"
	"github.com/raysh454/httpbridge/internal/testutil"
)

func realEngine(t *testing.T, allowUnsafe bool, allow ...string) *engine.Engine {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.AllowUnsafeHeaders = allowUnsafe
	cfg.Scope = scope.Config{Allow: allow}
	e, err := engine.New(cfg, &testutil.DummyLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestIntegration_FetchThroughEngine(t *testing.T) {
	var (
		mu     sync.Mutex
		origin string
		got    string
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		origin, got = r.Header.Get("Origin"), string(b)
		mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc"})
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"a":1}`)
	}))
	defer ts.Close()

	for _, allowUnsafe := range []bool{false, true} {
		e := realEngine(t, allowUnsafe, ts.URL+"/**")
		c := binding.New(e, &testutil.DummyLogger{})

		req := binding.NewRequest("POST", ts.URL+"/data.json", strings.NewReader("ping"))
		req.AddHeader(model.UnsafeHeaderPrefix+"origin", "https://app.example")
		resp, err := c.Fetch(context.Background(), req)
		require.NoError(t, err)

		assert.Equal(t, 200, resp.Status)
		assert.Equal(t, ts.URL+"/data.json", resp.URL)
		assert.Equal(t, "session=abc", resp.Header("set-cookie"))
		var v struct{ A int }
		require.NoError(t, resp.JSON(&v))
		assert.Equal(t, 1, v.A)
		assert.Zero(t, e.LiveHandles())

		mu.Lock()
		assert.Equal(t, "ping", got)
		if allowUnsafe {
			assert.Equal(t, "https://app.example", origin)
		} else {
			assert.Empty(t, origin)
		}
		mu.Unlock()
	}
}

func TestIntegration_ScopeDenied(t *testing.T) {
	e := realEngine(t, false, "https://only.example/**")
	c := binding.New(e, &testutil.DummyLogger{})

	_, err := c.Get(context.Background(), "http://h/data.json")
	assert.ErrorIs(t, err, scope.ErrNotAllowed)
	assert.EqualError(t, err, "url not allowed on the configured scope: http://h/data.json")
	assert.Zero(t, e.LiveHandles())
}

func TestIntegration_CancelReleasesEngineHandles(t *testing.T) {
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer ts.Close()
	defer close(release)

	e := realEngine(t, false, ts.URL+"/**")
	c := binding.New(e, &testutil.DummyLogger{})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, ts.URL+"/slow")
		errc <- err
	}()

	<-arrived
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, binding.ErrCanceled)
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not return after cancel")
	}
	require.Eventually(t, func() bool { return e.LiveHandles() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestIntegration_ConcurrentFetches(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.URL.Path)
	}))
	defer ts.Close()

	e := realEngine(t, false, ts.URL+"/**")
	c := binding.New(e, &testutil.DummyLogger{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := "/item/" + strings.Repeat("x", i+1)
			resp, err := c.Get(context.Background(), ts.URL+path)
			if assert.NoError(t, err) {
				assert.Equal(t, path, resp.Text())
			}
		}(i)
	}
	wg.Wait()
	assert.Zero(t, e.LiveHandles())
}
