package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"

	"github.com/raysh454/httpbridge/internal/engine"
	"github.com/raysh454/httpbridge/internal/interfaces"
	"github.com/raysh454/httpbridge/internal/logging"
	"github.com/raysh454/httpbridge/internal/model"
)

// Handler upgrades HTTP requests to IPC connections served by one engine.
// Handles a connection issued and never finished are canceled when it drops.
type Handler struct {
	engine   interfaces.Engine
	logger   logging.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewHandler returns a Handler serving engine.
func NewHandler(engine interfaces.Engine, logger logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Handler{
		engine: engine,
		logger: logger.With(logging.Field{Key: "component", Value: "ipc"}),
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrading to websocket", logging.Err(err))
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	sess := &session{
		id:      uuid.NewString(),
		engine:  h.engine,
		conn:    conn,
		live:    make(map[model.Handle]struct{}),
		parents: make(map[model.Handle]model.Handle),
	}
	sess.logger = h.logger.With(logging.Field{Key: "conn", Value: sess.id})
	sess.logger.Info("ipc connection opened", logging.Field{Key: "remote", Value: r.RemoteAddr})
	sess.serve()
}

// Close drops every open connection. Calling it again is a no-op until new
// connections arrive.
func (h *Handler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var result *multierror.Error
	for conn := range h.conns {
		if err := conn.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		delete(h.conns, conn)
	}
	return result.ErrorOrNil()
}

// session is one connection. Calls run concurrently; writes are serialized.
type session struct {
	id     string
	engine interfaces.Engine
	conn   *websocket.Conn
	logger logging.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	live    map[model.Handle]struct{}
	parents map[model.Handle]model.Handle
}

func (s *session) serve() {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	for {
		var call Call
		if err := s.conn.ReadJSON(&call); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("ipc read ended", logging.Err(err))
			}
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.reply(s.dispatch(ctx, call))
		}()
	}

	cancel()
	wg.Wait()
	s.cancelLive()
	s.logger.Info("ipc connection closed")
}

func (s *session) reply(rep Reply) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(rep); err != nil {
		s.logger.Debug("ipc write failed", logging.Field{Key: "id", Value: rep.ID}, logging.Err(err))
	}
}

func (s *session) dispatch(ctx context.Context, call Call) Reply {
	result, err := s.run(ctx, call)
	rep := Reply{ID: call.ID}
	if err != nil {
		rep.Error = err.Error()
		return rep
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			rep.Error = fmt.Sprintf("encode %s result: %v", call.Cmd, err)
			return rep
		}
		rep.Result = raw
	}
	return rep
}

func (s *session) run(ctx context.Context, call Call) (any, error) {
	switch call.Cmd {
	case CmdConfigure:
		var opts model.ClientOptions
		if err := decodeArgs(call, &opts); err != nil {
			return nil, err
		}
		return nil, s.engine.Configure(ctx, opts)

	case CmdFetch:
		var req model.IssueRequest
		if err := decodeArgs(call, &req); err != nil {
			return nil, err
		}
		rid, err := s.engine.Issue(ctx, &req)
		if err != nil {
			return nil, err
		}
		s.track(rid)
		return ridArgs{RID: rid}, nil

	case CmdCancel:
		var args ridArgs
		if err := decodeArgs(call, &args); err != nil {
			return nil, err
		}
		s.forget(args.RID)
		return nil, s.engine.Cancel(ctx, args.RID)

	case CmdSend:
		var args ridArgs
		if err := decodeArgs(call, &args); err != nil {
			return nil, err
		}
		resp, err := s.engine.Send(ctx, args.RID)
		if err != nil {
			if retired(err) {
				s.forget(args.RID)
			}
			return nil, err
		}
		s.mu.Lock()
		s.parents[resp.BodyHandle] = args.RID
		s.mu.Unlock()
		return resp, nil

	case CmdReadBody:
		var args ridArgs
		if err := decodeArgs(call, &args); err != nil {
			return nil, err
		}
		data, err := s.engine.ReadBody(ctx, args.RID)
		if err != nil {
			if retired(err) {
				s.forget(args.RID)
			}
			return nil, err
		}
		s.forget(args.RID)
		return bodyResult{Data: data}, nil
	}
	return nil, fmt.Errorf("unknown command %q", call.Cmd)
}

func decodeArgs(call Call, v any) error {
	if len(call.Args) == 0 {
		return fmt.Errorf("%s: missing args", call.Cmd)
	}
	if err := json.Unmarshal(call.Args, v); err != nil {
		return fmt.Errorf("%s: decode args: %w", call.Cmd, err)
	}
	return nil
}

func (s *session) track(rid model.Handle) {
	s.mu.Lock()
	s.live[rid] = struct{}{}
	s.mu.Unlock()
}

// forget stops tracking rid together with its request or body handle.
func (s *session) forget(rid model.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, rid)
	if parent, ok := s.parents[rid]; ok {
		delete(s.live, parent)
		delete(s.parents, rid)
	}
	for body, parent := range s.parents {
		if parent == rid {
			delete(s.parents, body)
		}
	}
}

// retired reports whether a failed Send or ReadBody left the handle gone
// from the engine. A canceled wait or a concurrent call keeps it alive.
func retired(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !errors.Is(err, engine.ErrAlreadySent)
}

func (s *session) cancelLive() {
	s.mu.Lock()
	handles := make([]model.Handle, 0, len(s.live))
	for rid := range s.live {
		handles = append(handles, rid)
	}
	s.live = make(map[model.Handle]struct{})
	s.mu.Unlock()

	for _, rid := range handles {
		if err := s.engine.Cancel(context.Background(), rid); err != nil {
			s.logger.Warn("cancel orphaned handle", logging.Field{Key: "rid", Value: uint32(rid)}, logging.Err(err))
		}
	}
	if len(handles) > 0 {
		s.logger.Info("canceled orphaned handles", logging.Field{Key: "count", Value: len(handles)})
	}
}
