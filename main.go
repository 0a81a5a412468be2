package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/raysh454/httpbridge/internal/binding"
	"github.com/raysh454/httpbridge/internal/engine"
	"github.com/raysh454/httpbridge/internal/logging"
	"github.com/raysh454/httpbridge/internal/scope"
)

func setupHttpServer() *httptest.Server {
	mux := http.NewServeMux()

	// /start redirects to /data.json
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/data.json", http.StatusFound)
	})

	mux.HandleFunc("/data.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "demo"})
		fmt.Fprintf(w, `{"origin":%q,"agent":%q}`, r.Header.Get("Origin"), r.UserAgent())
	})

	return httptest.NewServer(mux)
}

func main() {
	server := setupHttpServer()
	defer server.Close()

	cfg := engine.DefaultConfig()
	cfg.Scope = scope.Config{Allow: []string{server.URL + "/**"}}
	cfg.AllowUnsafeHeaders = true
	eng, err := engine.New(cfg, logging.New(logging.Options{Level: "warn", Format: "console"}))
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer eng.Close()

	client := binding.New(eng, nil)
	req := binding.NewRequest("GET", server.URL+"/start", nil)
	req.AddHeader("http_unsafe_header_origin", "https://app.example")

	resp, err := client.Fetch(context.Background(), req)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Printf("status: %d %s\n", resp.Status, resp.StatusText)
	fmt.Printf("url:    %s\n", resp.URL)
	fmt.Printf("cookie: %s\n", resp.Header("set-cookie"))
	fmt.Printf("body:   %s\n", resp.Text())
}
