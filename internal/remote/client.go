// Package remote implements interfaces.Engine against an engine daemon's REST
// API. Error replies carry the engine's message, which is returned verbatim.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/raysh454/httpbridge/internal/logging"
	"github.com/raysh454/httpbridge/internal/model"
	"github.com/raysh454/httpbridge/internal/webclient"
)

// Client talks to one daemon.
type Client struct {
	base   string
	wc     webclient.WebClient
	logger logging.Logger
}

// New returns a Client for the daemon at baseURL, e.g. http://127.0.0.1:8787.
func New(baseURL string, wc webclient.WebClient, logger logging.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid engine url %q", baseURL)
	}
	if wc == nil {
		return nil, errors.New("webclient is nil")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Client{
		base:   u.String(),
		wc:     wc,
		logger: logger.With(logging.Field{Key: "component", Value: "remote"}),
	}, nil
}

type errorBody struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, in any) (*webclient.Response, error) {
	req := &webclient.Request{Method: method, URL: c.base + path, Headers: http.Header{}}
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		req.Body = raw
		req.Headers.Set("Content-Type", "application/json")
	}

	resp, err := c.wc.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var eb errorBody
		if json.Unmarshal(resp.Body, &eb) == nil && eb.Error != "" {
			return nil, errors.New(eb.Error)
		}
		return nil, fmt.Errorf("engine replied %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return resp, nil
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	resp, err := c.do(ctx, method, path, in)
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return nil
}

func handlePath(prefix string, rid model.Handle, suffix string) string {
	return prefix + strconv.FormatUint(uint64(rid), 10) + suffix
}

func (c *Client) Configure(ctx context.Context, opts model.ClientOptions) error {
	return c.call(ctx, http.MethodPost, "/v1/client/configure", opts, nil)
}

func (c *Client) Issue(ctx context.Context, req *model.IssueRequest) (model.Handle, error) {
	var out struct {
		RID model.Handle `json:"rid"`
	}
	if err := c.call(ctx, http.MethodPost, "/v1/requests", req, &out); err != nil {
		return 0, err
	}
	return out.RID, nil
}

func (c *Client) Cancel(ctx context.Context, rid model.Handle) error {
	return c.call(ctx, http.MethodPost, handlePath("/v1/requests/", rid, "/cancel"), nil, nil)
}

func (c *Client) Send(ctx context.Context, rid model.Handle) (*model.FetchResponse, error) {
	var out model.FetchResponse
	if err := c.call(ctx, http.MethodPost, handlePath("/v1/requests/", rid, "/send"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReadBody fetches the raw body bytes.
func (c *Client) ReadBody(ctx context.Context, rid model.Handle) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, handlePath("/v1/bodies/", rid, ""), nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Body) == 0 {
		return nil, nil
	}
	return resp.Body, nil
}

// Journal lists recent requests recorded by the daemon.
func (c *Client) Journal(ctx context.Context, limit int) ([]model.JournalEntry, error) {
	var out []model.JournalEntry
	path := "/v1/journal"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Close() error {
	return c.wc.Close()
}
