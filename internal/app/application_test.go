package app_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/raysh454/httpbridge/internal/app"
	"github.com/raysh454/httpbridge/internal/config"
	"github.com/raysh454/httpbridge/internal/testutil"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.ScopeDisabled = true
	cfg.JournalPath = filepath.Join(t.TempDir(), "journal.db")
	return cfg
}

func TestNewApplication_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.ListenAddr = ""
	if _, err := app.NewApplication(cfg, &testutil.DummyLogger{}); err == nil {
		t.Fatal("expected error for empty listen address")
	}
}

func TestApplication_RunServesUntilCanceled(t *testing.T) {
	a, err := app.NewApplication(testConfig(t), &testutil.DummyLogger{})
	if err != nil {
		t.Fatalf("NewApplication: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx, ready) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-errc:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	var health struct{ Status string }
	_ = json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if health.Status != "ok" {
		t.Errorf("unexpected health status %q", health.Status)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestApplication_RunFailsOnBusyAddress(t *testing.T) {
	first, err := app.NewApplication(testConfig(t), &testutil.DummyLogger{})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- first.Run(ctx, ready) }()
	addr := <-ready

	cfg := testConfig(t)
	cfg.ListenAddr = addr
	second, err := app.NewApplication(cfg, &testutil.DummyLogger{})
	if err != nil {
		t.Fatal(err)
	}
	if err := second.Run(context.Background(), nil); err == nil {
		t.Fatal("expected listen error on busy address")
	}

	cancel()
	<-done
}

func TestApplication_ShutdownDrainsInFlightSend(t *testing.T) {
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		<-release
		w.WriteHeader(http.StatusTeapot)
	}))
	defer upstream.Close()

	logger := &testutil.DummyLogger{}
	a, err := app.NewApplication(testConfig(t), logger)
	if err != nil {
		t.Fatalf("NewApplication: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan string, 1)
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx, ready) }()
	base := "http://" + <-ready

	resp, err := http.Post(base+"/v1/requests", "application/json",
		strings.NewReader(`{"method":"GET","url":"`+upstream.URL+`","headers":[],"data":null}`))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	var issued struct{ RID uint32 }
	_ = json.NewDecoder(resp.Body).Decode(&issued)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || issued.RID == 0 {
		t.Fatalf("issue: status %d rid %d", resp.StatusCode, issued.RID)
	}

	type result struct {
		code   int
		status int
		err    error
	}
	sent := make(chan result, 1)
	go func() {
		resp, err := http.Post(base+"/v1/requests/"+strconv.FormatUint(uint64(issued.RID), 10)+"/send", "application/json", nil)
		if err != nil {
			sent <- result{err: err}
			return
		}
		defer resp.Body.Close()
		var fr struct{ Status int }
		_ = json.NewDecoder(resp.Body).Decode(&fr)
		sent <- result{code: resp.StatusCode, status: fr.Status}
	}()

	<-arrived
	deadline := time.Now().Add(5 * time.Second)
	for logger.DebugCount("http_request") < 2 {
		if time.Now().After(deadline) {
			t.Fatal("send never reached the server")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	time.Sleep(100 * time.Millisecond)
	close(release)

	select {
	case r := <-sent:
		if r.err != nil {
			t.Fatalf("send: %v", r.err)
		}
		if r.code != http.StatusOK || r.status != http.StatusTeapot {
			t.Errorf("send finished with %d, upstream status %d", r.code, r.status)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("send did not finish")
	}
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
