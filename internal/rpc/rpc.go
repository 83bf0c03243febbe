// Package rpc implements RpcFrontend: the line-delimited JSON control
// protocol served over a local stream socket, used by trusted producers to
// publish events and register access keys without going through HTTP.
package rpc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/andreasots/eventhub/internal/hub"
	"github.com/andreasots/eventhub/internal/ratelimit"
)

// call is one line of request JSON: {"command":"...","param":<value>,"user":<int?>}.
type call struct {
	Command string          `json:"command"`
	Param   json.RawMessage `json:"param"`
	User    *int64          `json:"user"`
}

// reply is one line of response JSON: {"success":<bool>,"result":<value>}.
type reply struct {
	Success bool `json:"success"`
	Result  any  `json:"result"`
}

// handlerFunc executes one dispatched call against the hub and returns the
// value to place in reply.Result, or an error whose message becomes
// reply.Result with success:false.
type handlerFunc func(h *hub.Hub, param json.RawMessage, user *int64) (any, error)

var dispatch = map[string]handlerFunc{
	"send_event":   handleSendEvent,
	"register_key": handleRegisterKey,
}

func handleSendEvent(h *hub.Hub, param json.RawMessage, _ *int64) (any, error) {
	var args []string
	if err := json.Unmarshal(param, &args); err != nil {
		return nil, fmt.Errorf("send_event: %w", err)
	}
	if len(args) != 3 {
		return nil, fmt.Errorf("send_event: expected 3 params, got %d", len(args))
	}
	if err := h.Publish(args[0], args[1], args[2]); err != nil {
		return nil, err
	}
	return nil, nil
}

func handleRegisterKey(h *hub.Hub, param json.RawMessage, _ *int64) (any, error) {
	var args [2]string
	if err := json.Unmarshal(param, &args); err != nil {
		return nil, fmt.Errorf("register_key: %w", err)
	}
	if err := h.RegisterAccessKey(args[0], args[1]); err != nil {
		return nil, err
	}
	return nil, nil
}

// Frontend accepts connections on a listener and serves the line-delimited
// JSON control protocol on each, dispatching to the shared hub.
type Frontend struct {
	hub     *hub.Hub
	limiter *ratelimit.Limiter
}

// New creates a Frontend backed by h. limiter may be nil to accept every
// connection unconditionally.
func New(h *hub.Hub, limiter *ratelimit.Limiter) *Frontend {
	return &Frontend{hub: h, limiter: limiter}
}

// Serve accepts connections from ln until it returns an error (including
// when ln is closed by the caller to shut down).
func (f *Frontend) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		if f.limiter != nil && !f.limiter.Allow(ratelimit.ConnKey(conn.RemoteAddr())) {
			conn.Close()
			continue
		}
		go f.serveConn(conn)
	}
}

func (f *Frontend) serveConn(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if rep := f.dispatch(line); rep != nil {
				if err := writeReply(writer, rep); err != nil {
					slog.Error("rpc: write reply failed", "error", err)
					return
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Error("rpc: read failed", "error", err)
			}
			return
		}
	}
}

func (f *Frontend) dispatch(line []byte) *reply {
	var c call
	if err := json.Unmarshal(line, &c); err != nil {
		return &reply{Success: false, Result: err.Error()}
	}

	handler, ok := dispatch[c.Command]
	if !ok {
		return &reply{Success: false, Result: fmt.Sprintf("No method named %q", c.Command)}
	}

	result, err := handler(f.hub, c.Param, c.User)
	if err != nil {
		return &reply{Success: false, Result: err.Error()}
	}
	return &reply{Success: true, Result: result}
}

func writeReply(w *bufio.Writer, rep *reply) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(rep); err != nil {
		return err
	}
	return w.Flush()
}
