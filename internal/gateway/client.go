package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/omnigate/pkg/protocol"
)

// Client is one WebSocket connection. Writes go through writeMu because
// gorilla connections allow a single concurrent writer.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	writeMu sync.Mutex

	stateMu sync.Mutex
	authed  bool
	filters map[string]bool // empty set means every event
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, s *Server) *Client {
	return &Client{
		id:      uuid.NewString(),
		conn:    conn,
		server:  s,
		filters: make(map[string]bool),
	}
}

// ID returns the connection identifier used for hub subscriptions.
func (c *Client) ID() string { return c.id }

// Run reads request frames until the peer disconnects or ctx ends. When an
// API key is configured the first request must be a connect carrying it.
func (c *Client) Run(ctx context.Context) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		frameType, err := protocol.ParseFrameType(raw)
		if err != nil || frameType != protocol.FrameTypeRequest {
			c.SendResponse(protocol.NewErrorResponse("", protocol.ErrInvalidRequest, "expected a request frame"))
			continue
		}

		var req protocol.RequestFrame
		if err := json.Unmarshal(raw, &req); err != nil {
			c.SendResponse(protocol.NewErrorResponse("", protocol.ErrInvalidRequest, "malformed request frame"))
			continue
		}

		if c.handle(&req) {
			return
		}
	}
}

// handle runs one request and reports whether the connection must close.
func (c *Client) handle(req *protocol.RequestFrame) bool {
	if req.Method == protocol.MethodConnect {
		return c.handleConnect(req)
	}
	if c.server.cfg.Gateway.APIKey != "" && !c.isAuthed() {
		c.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnauthorized, "connect first"))
		return true
	}

	switch req.Method {
	case protocol.MethodHealth:
		c.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
			"status":   "ok",
			"version":  Version,
			"protocol": protocol.ProtocolVersion,
		}))
	case protocol.MethodStatus:
		c.SendResponse(protocol.NewResponse(req.ID, c.server.gw.Stats()))
	case protocol.MethodSubscribe:
		c.updateFilters(req, true)
	case protocol.MethodUnsubscribe:
		c.updateFilters(req, false)
	default:
		c.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnknownMethod, fmt.Sprintf("unknown method: %s", req.Method)))
	}
	return false
}

func (c *Client) handleConnect(req *protocol.RequestFrame) bool {
	var params struct {
		APIKey string `json:"api_key"`
		Token  string `json:"token"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	key := params.APIKey
	if key == "" {
		key = params.Token
	}

	if want := c.server.cfg.Gateway.APIKey; want != "" && key != want {
		c.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnauthorized, "Invalid API key"))
		slog.Warn("ws connect rejected", "client", c.id)
		return true
	}

	c.stateMu.Lock()
	c.authed = true
	c.stateMu.Unlock()

	c.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
		"client_id": c.id,
		"version":   Version,
		"protocol":  protocol.ProtocolVersion,
	}))
	return false
}

// updateFilters adds or removes event names from the filter set. Removing
// with no names resets to the empty set, which delivers everything.
func (c *Client) updateFilters(req *protocol.RequestFrame, add bool) {
	var params struct {
		Events []string `json:"events"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}

	c.stateMu.Lock()
	switch {
	case add:
		for _, name := range params.Events {
			c.filters[name] = true
		}
	case len(params.Events) == 0:
		c.filters = make(map[string]bool)
	default:
		for _, name := range params.Events {
			delete(c.filters, name)
		}
	}
	current := make([]string, 0, len(c.filters))
	for name := range c.filters {
		current = append(current, name)
	}
	c.stateMu.Unlock()

	sort.Strings(current)
	c.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{"events": current}))
}

// SendEvent pushes an event frame when the client is authenticated and the
// event passes its filter set.
func (c *Client) SendEvent(event protocol.EventFrame) {
	c.stateMu.Lock()
	ready := c.authed || c.server.cfg.Gateway.APIKey == ""
	pass := len(c.filters) == 0 || c.filters[event.Event]
	c.stateMu.Unlock()
	if !ready || !pass {
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(event); err != nil {
		slog.Debug("event write failed", "client", c.id, "error", err)
	}
}

// SendResponse writes a response frame.
func (c *Client) SendResponse(resp protocol.ResponseFrame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(resp); err != nil {
		slog.Debug("response write failed", "client", c.id, "error", err)
	}
}

// Close tears down the underlying connection.
func (c *Client) Close() { c.conn.Close() }

func (c *Client) isAuthed() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.authed
}
