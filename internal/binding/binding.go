// Package binding turns a fetch-shaped call into the engine's request/reply
// protocol. It performs no networking of its own: every call is forwarded to
// an interfaces.Engine, which may live in-process or behind IPC.
package binding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/raysh454/httpbridge/internal/interfaces"
	"github.com/raysh454/httpbridge/internal/logging"
	"github.com/raysh454/httpbridge/internal/model"
)

// ErrCanceled is returned whenever the caller's context is found done at
// one of the fetch checkpoints. The engine never produces it.
var ErrCanceled = errors.New("request canceled")

// cancelTimeout bounds the best-effort cancel sent after the caller's
// context is already done.
const cancelTimeout = 5 * time.Second

// Request is an outgoing fetch.
type Request struct {
	Method  string
	URL     string
	Headers model.Headers
	// Body is read to the end before the request is issued. Nil or empty
	// means no body.
	Body    io.Reader
	Options *model.ClientOptions
}

// NewRequest returns a Request with no headers.
func NewRequest(method, url string, body io.Reader) *Request {
	return &Request{Method: method, URL: url, Body: body}
}

// AddHeader appends a header. Prefix the name with
// model.UnsafeHeaderPrefix to send a header the engine normally drops.
func (r *Request) AddHeader(name, value string) {
	r.Headers.Add(name, value)
}

// Response is a fully read reply. URL and Headers are exactly what the
// engine reported, including set-cookie and the post-redirect URL.
type Response struct {
	Status     int
	StatusText string
	URL        string
	Headers    model.Headers
	Body       []byte
}

// OK reports whether Status is 2xx.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Header returns the first value for name, case-insensitively.
func (r *Response) Header(name string) string {
	return r.Headers.Get(name)
}

func (r *Response) Text() string {
	return string(r.Body)
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	if len(r.Body) == 0 {
		return errors.New("response has no body")
	}
	return json.Unmarshal(r.Body, v)
}

// Client forwards fetches to an engine.
type Client struct {
	engine interfaces.Engine
	logger logging.Logger
}

// New returns a Client bound to engine.
func New(engine interfaces.Engine, logger logging.Logger) *Client {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Client{
		engine: engine,
		logger: logger.With(logging.Field{Key: "component", Value: "binding"}),
	}
}

// Configure sets the engine's default client options.
func (c *Client) Configure(ctx context.Context, opts model.ClientOptions) error {
	return c.engine.Configure(ctx, opts)
}

// Get fetches url with no headers and no body.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	return c.Fetch(ctx, NewRequest("GET", url, nil))
}

// Fetch runs one request through the engine: issue, status and headers,
// then body. A done ctx at any checkpoint yields ErrCanceled; once a handle
// exists, cancellation also reaches the engine.
func (c *Client) Fetch(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	if ctx.Err() != nil {
		return nil, ErrCanceled
	}

	body, err := readBody(req.Body)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	method := req.Method
	if method == "" {
		method = "GET"
	}

	// Issue never waits on the network, so it runs to completion even when
	// ctx is done; a remote engine may have allocated the handle already and
	// the check below must see it to cancel it.
	rid, err := c.engine.Issue(context.WithoutCancel(ctx), &model.IssueRequest{
		Method:  method,
		URL:     req.URL,
		Headers: translateHeaders(req.Headers),
		Body:    body,
		Options: req.Options,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCanceled
		}
		return nil, err
	}
	if ctx.Err() != nil {
		c.cancel(context.WithoutCancel(ctx), rid)
		return nil, ErrCanceled
	}

	stop := context.AfterFunc(ctx, func() {
		c.cancel(context.WithoutCancel(ctx), rid)
	})
	defer stop()

	if ctx.Err() != nil {
		return nil, ErrCanceled
	}
	fr, err := c.engine.Send(ctx, rid)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCanceled
		}
		return nil, err
	}

	if ctx.Err() != nil {
		return nil, ErrCanceled
	}
	data, err := c.engine.ReadBody(ctx, fr.BodyHandle)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCanceled
		}
		return nil, err
	}

	c.logger.Debug("fetch complete",
		logging.Field{Key: "rid", Value: uint32(rid)},
		logging.Field{Key: "status", Value: fr.Status},
		logging.Field{Key: "url", Value: fr.URL})

	resp := &Response{Status: fr.Status, StatusText: fr.StatusText, Body: data}
	resp.URL = fr.URL
	resp.Headers = fr.Headers
	return resp, nil
}

// cancel is best-effort: its failure is logged and otherwise ignored.
func (c *Client) cancel(ctx context.Context, rid model.Handle) {
	ctx, done := context.WithTimeout(ctx, cancelTimeout)
	defer done()
	if err := c.engine.Cancel(ctx, rid); err != nil {
		c.logger.Warn("cancel request", logging.Field{Key: "rid", Value: uint32(rid)}, logging.Err(err))
	}
}

// translateHeaders copies hs in order, stripping the unsafe header prefix.
func translateHeaders(hs model.Headers) model.Headers {
	out := make(model.Headers, 0, len(hs))
	prefix := model.UnsafeHeaderPrefix
	for _, h := range hs {
		name := h.Name()
		if len(name) > len(prefix) && strings.EqualFold(name[:len(prefix)], prefix) {
			name = name[len(prefix):]
		}
		out = append(out, model.Header{name, h.Value()})
	}
	return out
}

func readBody(r io.Reader) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}
