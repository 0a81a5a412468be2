package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/raysh454/httpbridge/internal/logging"
	"github.com/raysh454/httpbridge/internal/model"
)

// Client is an interfaces.Engine backed by a remote engine over one
// WebSocket connection. It is safe for concurrent use.
type Client struct {
	conn   *websocket.Conn
	logger logging.Logger
	nextID atomic.Uint64

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan Reply
	closed  bool
	readErr error
	done    chan struct{}
}

// Dial connects to an IPC endpoint such as ws://127.0.0.1:8787/v1/ipc.
func Dial(ctx context.Context, url string, logger logging.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial ipc %s: %w", url, err)
	}
	conn.SetReadLimit(maxMessageBytes)

	c := &Client{
		conn:    conn,
		logger:  logger.With(logging.Field{Key: "component", Value: "ipc_client"}),
		pending: make(map[uint64]chan Reply),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	var err error
	for {
		var rep Reply
		if err = c.conn.ReadJSON(&rep); err != nil {
			break
		}
		c.mu.Lock()
		ch, ok := c.pending[rep.ID]
		delete(c.pending, rep.ID)
		c.mu.Unlock()
		if ok {
			ch <- rep
		}
	}

	c.mu.Lock()
	if c.closed {
		err = ErrConnectionClosed
	} else {
		c.logger.Debug("ipc read ended", logging.Err(err))
		err = fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	c.readErr = err
	c.closed = true
	c.mu.Unlock()
	close(c.done)
}

func (c *Client) call(ctx context.Context, cmd Command, args, result any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode %s args: %w", cmd, err)
	}

	id := c.nextID.Add(1)
	ch := make(chan Reply, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err = c.conn.WriteJSON(Call{ID: id, Cmd: cmd, Args: raw})
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("send %s: %w", cmd, err)
	}

	select {
	case rep := <-ch:
		if rep.Error != "" {
			return errors.New(rep.Error)
		}
		if result != nil && len(rep.Result) > 0 {
			if err := json.Unmarshal(rep.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", cmd, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.readErr
	}
}

func (c *Client) Configure(ctx context.Context, opts model.ClientOptions) error {
	return c.call(ctx, CmdConfigure, opts, nil)
}

func (c *Client) Issue(ctx context.Context, req *model.IssueRequest) (model.Handle, error) {
	var out ridArgs
	if err := c.call(ctx, CmdFetch, req, &out); err != nil {
		return 0, err
	}
	return out.RID, nil
}

func (c *Client) Cancel(ctx context.Context, rid model.Handle) error {
	return c.call(ctx, CmdCancel, ridArgs{RID: rid}, nil)
}

func (c *Client) Send(ctx context.Context, rid model.Handle) (*model.FetchResponse, error) {
	var out model.FetchResponse
	if err := c.call(ctx, CmdSend, ridArgs{RID: rid}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ReadBody(ctx context.Context, rid model.Handle) ([]byte, error) {
	var out bodyResult
	if err := c.call(ctx, CmdReadBody, ridArgs{RID: rid}, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, nil
	}
	return out.Data, nil
}

// Close sends a close frame and tears the connection down. Outstanding
// calls fail with ErrConnectionClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()

	if !already {
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
	}
	err := c.conn.Close()
	<-c.done
	if already {
		return nil
	}
	return err
}
