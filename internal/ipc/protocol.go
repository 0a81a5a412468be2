// Package ipc carries the engine protocol over a WebSocket. Every frame is a
// JSON text message: calls go out as {id, cmd, args} and come back as
// {id, result, error} with the same id. Replies may arrive out of order.
package ipc

import (
	"encoding/json"
	"errors"

	"github.com/raysh454/httpbridge/internal/model"
)

// Command names one protocol call.
type Command string

const (
	CmdConfigure Command = "configure"
	CmdFetch     Command = "fetch"
	CmdCancel    Command = "fetch_cancel"
	CmdSend      Command = "fetch_send"
	CmdReadBody  Command = "fetch_read_body"
)

// maxMessageBytes bounds a single frame. Bodies travel base64 encoded.
const maxMessageBytes = 64 << 20

var ErrConnectionClosed = errors.New("ipc connection closed")

// Call is one request frame.
type Call struct {
	ID   uint64          `json:"id"`
	Cmd  Command         `json:"cmd"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Reply answers the Call with the same ID. Error carries the engine's
// message verbatim.
type Reply struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type ridArgs struct {
	RID model.Handle `json:"rid"`
}

// bodyResult is the fetch_read_body result. Data is null for an empty body.
type bodyResult struct {
	Data []byte `json:"data"`
}
