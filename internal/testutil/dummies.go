// Package testutil provides shared test doubles for use across package tests.
// All dummies implement the corresponding interfaces from the production code,
// allowing injection into components under test without real I/O or side effects.
package testutil

import (
	"context"
	"sync"

	"github.com/raysh454/httpbridge/internal/logging"
	"github.com/raysh454/httpbridge/internal/model"
)

// ─── Logger ────────────────────────────────────────────────────────────

// DummyLogger implements logging.Logger with in-memory recording.
type DummyLogger struct {
	mu     sync.Mutex
	Errors []string
	Infos  []string
	Debugs []string
	Warns  []string
}

func (l *DummyLogger) Debug(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Debugs = append(l.Debugs, msg)
}

func (l *DummyLogger) Info(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Infos = append(l.Infos, msg)
}

func (l *DummyLogger) Warn(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Warns = append(l.Warns, msg)
}

func (l *DummyLogger) Error(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Errors = append(l.Errors, msg)
}

func (l *DummyLogger) With(_ ...logging.Field) logging.Logger { return l }

// WarnCount returns how many warnings were logged so far.
func (l *DummyLogger) WarnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Warns)
}

// DebugCount returns how many debug entries carried msg.
func (l *DummyLogger) DebugCount(msg string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, m := range l.Debugs {
		if m == msg {
			n++
		}
	}
	return n
}

// ─── Engine ────────────────────────────────────────────────────────────

// FakeEngine implements interfaces.Engine without any networking.
// Issue hands out handles 1, 2, 3, ...; Send answers with Response (200 OK
// by default) and a body handle one past the request handle; ReadBody
// returns Body. Every call is recorded in Calls.
type FakeEngine struct {
	// Errors returned by the matching call when set.
	ConfigureErr error
	IssueErr     error
	SendErr      error
	ReadErr      error

	// Response overrides the default Send reply. Its BodyHandle is used
	// as-is when non-zero.
	Response *model.FetchResponse
	Body     []byte

	// Hooks run inside the call, before it returns. Tests use them to
	// trip a cancellation at a precise step.
	OnIssue func(model.Handle)
	OnSend  func(model.Handle)

	mu         sync.Mutex
	next       model.Handle
	calls      []string
	issued     []*model.IssueRequest
	canceled   []model.Handle
	sent       []model.Handle
	read       []model.Handle
	configured []model.ClientOptions
}

func (f *FakeEngine) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *FakeEngine) Configure(_ context.Context, opts model.ClientOptions) error {
	f.record("configure")
	f.mu.Lock()
	f.configured = append(f.configured, opts)
	f.mu.Unlock()
	return f.ConfigureErr
}

func (f *FakeEngine) Issue(_ context.Context, req *model.IssueRequest) (model.Handle, error) {
	f.record("issue")
	if f.IssueErr != nil {
		return 0, f.IssueErr
	}
	f.mu.Lock()
	f.issued = append(f.issued, req)
	f.next++
	h := f.next
	f.mu.Unlock()
	if f.OnIssue != nil {
		f.OnIssue(h)
	}
	return h, nil
}

func (f *FakeEngine) Cancel(_ context.Context, rid model.Handle) error {
	f.record("cancel")
	f.mu.Lock()
	f.canceled = append(f.canceled, rid)
	f.mu.Unlock()
	return nil
}

func (f *FakeEngine) Send(_ context.Context, rid model.Handle) (*model.FetchResponse, error) {
	f.record("send")
	f.mu.Lock()
	f.sent = append(f.sent, rid)
	f.mu.Unlock()
	if f.OnSend != nil {
		f.OnSend(rid)
	}
	if f.SendErr != nil {
		return nil, f.SendErr
	}
	resp := model.FetchResponse{Status: 200, StatusText: "OK", Headers: model.Headers{}}
	if f.Response != nil {
		resp = *f.Response
	}
	if resp.BodyHandle == 0 {
		f.mu.Lock()
		f.next++
		resp.BodyHandle = f.next
		f.mu.Unlock()
	}
	return &resp, nil
}

func (f *FakeEngine) ReadBody(_ context.Context, rid model.Handle) ([]byte, error) {
	f.record("read_body")
	f.mu.Lock()
	f.read = append(f.read, rid)
	f.mu.Unlock()
	if f.ReadErr != nil {
		return nil, f.ReadErr
	}
	return f.Body, nil
}

// Calls returns the recorded call names in order.
func (f *FakeEngine) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Issued returns every request descriptor passed to Issue.
func (f *FakeEngine) Issued() []*model.IssueRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*model.IssueRequest(nil), f.issued...)
}

// Canceled returns every handle passed to Cancel.
func (f *FakeEngine) Canceled() []model.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Handle(nil), f.canceled...)
}

// Sent returns every handle passed to Send.
func (f *FakeEngine) Sent() []model.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Handle(nil), f.sent...)
}

// Read returns every handle passed to ReadBody.
func (f *FakeEngine) Read() []model.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Handle(nil), f.read...)
}

// Configured returns every option set passed to Configure.
func (f *FakeEngine) Configured() []model.ClientOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.ClientOptions(nil), f.configured...)
}
