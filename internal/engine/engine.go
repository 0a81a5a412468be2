// Package engine is the native HTTP engine behind the binding. It owns every
// network connection and exposes a handle based request/reply protocol:
// Issue returns a request handle, Send waits for status and headers and
// returns a body handle, ReadBody drains the body and retires both handles,
// and Cancel retires a handle early.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/raysh454/httpbridge/internal/logging"
	"github.com/raysh454/httpbridge/internal/model"
	"github.com/raysh454/httpbridge/internal/scope"
)

// Recorder persists the life of every issued request. journal.Journal is
// the production implementation.
type Recorder interface {
	RecordIssued(ctx context.Context, entry model.JournalEntry) error
	RecordOutcome(ctx context.Context, id string, outcome model.Outcome, status int, errMsg string) error
}

// Option customizes an Engine at construction.
type Option func(*Engine)

// WithRecorder journals issued requests and their outcomes.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithRegisterer registers the engine metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.promReg = reg }
}

// WithBaseTransport sets the transport cloned for every client option set.
// Tests use it to trust an httptest TLS server.
func WithBaseTransport(tr *http.Transport) Option {
	return func(e *Engine) { e.baseTransport = tr }
}

// Engine performs HTTP requests on behalf of bindings. It is safe for
// concurrent use.
type Engine struct {
	cfg      Config
	logger   logging.Logger
	scope    *scope.Scope
	reg      *registry
	clients  *clientCache
	limiter  *rate.Limiter
	recorder Recorder
	metrics  *metrics

	promReg       prometheus.Registerer
	baseTransport *http.Transport

	mu       sync.RWMutex
	defaults model.ClientOptions

	closed atomic.Bool
}

// New validates cfg and starts the handle registry.
func New(cfg Config, logger logging.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	sc, err := scope.New(cfg.Scope)
	if err != nil {
		return nil, fmt.Errorf("engine scope: %w", err)
	}
	if err := cfg.Defaults.Validate(); err != nil {
		return nil, fmt.Errorf("engine default options: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		logger:   logger.With(logging.Field{Key: "component", Value: "engine"}),
		scope:    sc,
		defaults: cfg.Defaults,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.metrics = newMetrics(e.promReg)
	e.clients = newClientCache(e.baseTransport)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	e.reg = newRegistry(cfg.HandleTTL, e.expire)

	e.logger.Info("engine ready",
		logging.Field{Key: "handle_ttl", Value: cfg.HandleTTL},
		logging.Field{Key: "unsafe_headers", Value: cfg.AllowUnsafeHeaders})
	return e, nil
}

// requestResource is one issued request. The round trip runs in its own
// goroutine and publishes its result by closing done.
type requestResource struct {
	id       string
	method   string
	url      string
	issuedAt time.Time
	cancel   context.CancelFunc
	done     chan struct{}

	mu      sync.Mutex
	resp    *http.Response
	err     error
	status  int
	dropped bool

	sent       atomic.Bool
	bodyHandle atomic.Uint32
	finishOnce sync.Once
}

func (r *requestResource) complete(resp *http.Response, err error) {
	r.mu.Lock()
	r.resp, r.err = resp, err
	dropped := r.dropped
	r.mu.Unlock()
	close(r.done)
	if dropped && resp != nil {
		resp.Body.Close()
	}
}

func (r *requestResource) result() (*http.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resp, r.err
}

func (r *requestResource) setStatus(status int) {
	r.mu.Lock()
	r.status = status
	r.mu.Unlock()
}

func (r *requestResource) statusCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *requestResource) drop() {
	r.mu.Lock()
	if r.dropped {
		r.mu.Unlock()
		return
	}
	r.dropped = true
	resp := r.resp
	r.mu.Unlock()

	r.cancel()
	if resp != nil {
		resp.Body.Close()
	}
}

// bodyResource is the buffered response body of a request that has been sent.
type bodyResource struct {
	parent  model.Handle
	req     *requestResource
	body    io.ReadCloser
	reading atomic.Bool
	once    sync.Once
}

func (b *bodyResource) drop() {
	b.once.Do(func() { b.body.Close() })
}

// Configure replaces the default client options. Fields left unset fall
// back to the static configuration.
func (e *Engine) Configure(_ context.Context, opts model.ClientOptions) error {
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	merged := (&opts).Merge(e.cfg.Defaults)

	e.mu.Lock()
	e.defaults = merged
	e.mu.Unlock()

	e.logger.Info("client options configured",
		logging.Field{Key: "connect_timeout", Value: merged.ConnectTimeoutDuration()},
		logging.Field{Key: "proxy", Value: merged.Proxy != nil})
	return nil
}

func (e *Engine) currentDefaults() model.ClientOptions {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.defaults
}

// Issue validates req, registers it and starts the round trip in the
// background. It never waits for the network.
func (e *Engine) Issue(ctx context.Context, req *model.IssueRequest) (model.Handle, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	if req == nil {
		return 0, fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	u, err := url.Parse(req.URL)
	if err != nil || !u.IsAbs() {
		return 0, fmt.Errorf("%w: invalid url %q", ErrInvalidRequest, req.URL)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" && scheme != "data" {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
	if err := e.scope.Check(u); err != nil {
		e.logger.Warn("request denied by scope",
			logging.Field{Key: "method", Value: method},
			logging.Field{Key: "url", Value: req.URL})
		return 0, err
	}

	opts := req.Options.Merge(e.currentDefaults())
	if err := opts.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	reqCtx, cancel := context.WithCancel(context.Background())
	res := &requestResource{
		id:       uuid.NewString(),
		method:   method,
		url:      req.URL,
		issuedAt: time.Now().UTC(),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	var run func()
	if scheme == "data" {
		resp, err := dataResponse(req.URL)
		if err != nil {
			cancel()
			return 0, err
		}
		run = func() { res.complete(resp, nil) }
	} else {
		client, err := e.clients.client(opts)
		if err != nil {
			cancel()
			return 0, err
		}
		httpReq, err := e.buildRequest(reqCtx, method, u, req)
		if err != nil {
			cancel()
			return 0, err
		}
		run = func() { e.roundTrip(reqCtx, res, client, httpReq) }
	}

	h := e.reg.add(res)
	e.metrics.live.Inc()
	e.metrics.issued.WithLabelValues(scheme).Inc()
	e.recordIssued(context.WithoutCancel(ctx), h, res)

	e.logger.Debug("issued request",
		logging.Field{Key: "rid", Value: uint32(h)},
		logging.Field{Key: "method", Value: method},
		logging.Field{Key: "url", Value: req.URL})

	go run()
	return h, nil
}

func (e *Engine) buildRequest(ctx context.Context, method string, u *url.URL, req *model.IssueRequest) (*http.Request, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	dropped, err := applyRequestHeaders(httpReq, req.Headers, e.cfg.AllowUnsafeHeaders)
	if err != nil {
		return nil, err
	}
	if len(dropped) > 0 {
		e.logger.Debug("dropped restricted request headers",
			logging.Field{Key: "headers", Value: dropped},
			logging.Field{Key: "url", Value: req.URL})
	}
	if httpReq.Header.Get("User-Agent") == "" && e.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", e.cfg.UserAgent)
	}
	return httpReq, nil
}

func (e *Engine) roundTrip(ctx context.Context, res *requestResource, client *http.Client, req *http.Request) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			res.complete(nil, err)
			return
		}
	}
	resp, err := client.Do(req)
	res.complete(resp, err)
}

// Send waits for the status line and headers of rid and registers a body
// handle for the still unread body.
func (e *Engine) Send(ctx context.Context, rid model.Handle) (*model.FetchResponse, error) {
	res, _ := e.reg.get(rid)
	req, ok := res.(*requestResource)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownHandle, rid)
	}
	if !req.sent.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: %d", ErrAlreadySent, rid)
	}

	select {
	case <-req.done:
	case <-ctx.Done():
		req.sent.Store(false)
		return nil, ctx.Err()
	}

	resp, err := req.result()
	if err != nil {
		if _, removed := e.retire(rid); removed {
			e.finish(req, model.OutcomeFailed, err)
		}
		e.logger.Warn("request failed",
			logging.Field{Key: "rid", Value: uint32(rid)},
			logging.Field{Key: "url", Value: req.url},
			logging.Err(err))
		return nil, err
	}

	body := &bodyResource{parent: rid, req: req, body: resp.Body}
	bh := e.reg.add(body)
	e.metrics.live.Inc()
	req.bodyHandle.Store(uint32(bh))
	if _, live := e.reg.get(rid); !live {
		// Canceled while the body handle was being registered.
		e.retire(bh)
		return nil, fmt.Errorf("%w: %d", ErrUnknownHandle, rid)
	}
	req.setStatus(resp.StatusCode)

	finalURL := req.url
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	e.logger.Debug("response ready",
		logging.Field{Key: "rid", Value: uint32(rid)},
		logging.Field{Key: "body_rid", Value: uint32(bh)},
		logging.Field{Key: "status", Value: resp.StatusCode})

	return &model.FetchResponse{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		URL:        finalURL,
		Headers:    responseHeaders(resp.Header),
		BodyHandle: bh,
	}, nil
}

// ReadBody drains the body behind rid, then retires it together with its
// request handle. An empty body is returned as nil.
func (e *Engine) ReadBody(ctx context.Context, rid model.Handle) ([]byte, error) {
	res, _ := e.reg.get(rid)
	body, ok := res.(*bodyResource)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownHandle, rid)
	}
	if !body.reading.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: body %d is already being read", ErrAlreadySent, rid)
	}

	stop := context.AfterFunc(ctx, body.drop)
	data, err := e.readAll(body.body)
	stop()

	e.retire(rid)
	e.retire(body.parent)

	if ctxErr := ctx.Err(); ctxErr != nil {
		e.finish(body.req, model.OutcomeCanceled, ctxErr)
		return nil, ctxErr
	}
	if err != nil {
		e.finish(body.req, model.OutcomeFailed, err)
		return nil, err
	}
	e.finish(body.req, model.OutcomeCompleted, nil)

	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

func (e *Engine) readAll(r io.Reader) ([]byte, error) {
	if e.cfg.MaxBodyBytes <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, e.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > e.cfg.MaxBodyBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, e.cfg.MaxBodyBytes)
	}
	return data, nil
}

// Cancel aborts rid and retires it along with its paired handle. Unknown or
// already retired handles are acknowledged as a no-op.
func (e *Engine) Cancel(_ context.Context, rid model.Handle) error {
	res, ok := e.retire(rid)
	if !ok {
		e.logger.Debug("cancel for retired handle ignored", logging.Field{Key: "rid", Value: uint32(rid)})
		return nil
	}

	switch r := res.(type) {
	case *requestResource:
		if bh := model.Handle(r.bodyHandle.Load()); bh != 0 {
			e.retire(bh)
		}
		e.finish(r, model.OutcomeCanceled, nil)
	case *bodyResource:
		e.retire(r.parent)
		e.finish(r.req, model.OutcomeCanceled, nil)
	}

	e.logger.Debug("canceled request", logging.Field{Key: "rid", Value: uint32(rid)})
	return nil
}

// retire removes h and drops it. The boolean reports whether this call did
// the removal.
func (e *Engine) retire(h model.Handle) (resource, bool) {
	res, ok := e.reg.take(h)
	if !ok {
		return nil, false
	}
	res.drop()
	e.metrics.live.Dec()
	return res, true
}

func (e *Engine) expire(h model.Handle, res resource) {
	res.drop()
	e.metrics.live.Dec()
	if req, ok := res.(*requestResource); ok {
		e.finish(req, model.OutcomeExpired, nil)
	}
	e.logger.Debug("handle expired", logging.Field{Key: "rid", Value: uint32(h)})
}

func (e *Engine) recordIssued(ctx context.Context, h model.Handle, req *requestResource) {
	if e.recorder == nil {
		return
	}
	err := e.recorder.RecordIssued(ctx, model.JournalEntry{
		ID:       req.id,
		Handle:   h,
		Method:   req.method,
		URL:      req.url,
		Outcome:  model.OutcomePending,
		IssuedAt: req.issuedAt,
	})
	if err != nil {
		e.logger.Warn("journal issued request", logging.Err(err))
	}
}

// finish records how a request ended. Only the first call per request counts.
func (e *Engine) finish(req *requestResource, outcome model.Outcome, cause error) {
	req.finishOnce.Do(func() {
		e.metrics.finished(outcome)
		if e.recorder == nil {
			return
		}
		msg := ""
		if cause != nil {
			msg = cause.Error()
		}
		if err := e.recorder.RecordOutcome(context.Background(), req.id, outcome, req.statusCode(), msg); err != nil {
			e.logger.Warn("journal request outcome", logging.Err(err))
		}
	})
}

// LiveHandles returns the number of request and body handles in the registry.
func (e *Engine) LiveHandles() int {
	return e.reg.len()
}

// Close cancels every live handle and stops background work. Later calls
// to Issue fail with ErrClosed.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, h := range e.reg.handles() {
		res, ok := e.retire(h)
		if !ok {
			continue
		}
		switch r := res.(type) {
		case *requestResource:
			e.finish(r, model.OutcomeCanceled, ErrClosed)
		case *bodyResource:
			e.finish(r.req, model.OutcomeCanceled, ErrClosed)
		}
	}
	e.reg.stop()
	e.clients.closeIdle()
	e.logger.Info("engine closed")
	return nil
}
