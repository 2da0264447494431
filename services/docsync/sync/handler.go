// Copyright (C) 2025 Cloudillo
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE file for the full license text.

package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	gosync "sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/cloudillo/cloudillo-sub009/services/docsync/crdt"
	"github.com/cloudillo/cloudillo-sub009/services/docsync/session"
)

// PageResolver maps an external page ID to the document ID backing
// it. Injected so the sync layer needs no knowledge of how pages are
// stored.
type PageResolver func(ctx context.Context, pageID string) (string, error)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// Config configures the protocol handler.
type Config struct {
	// Registry provides document sessions. Required.
	Registry *session.Registry

	// Resolver backs the /ws/page route. Optional; without it page
	// routes answer 404.
	Resolver PageResolver

	// Logger for connection lifecycle. Default: slog.Default().
	Logger *slog.Logger

	// PingInterval is how often the server pings idle connections.
	// Default: 30s.
	PingInterval time.Duration

	// PongWait is how long a connection may go without any read
	// before it is considered dead. Default: 60s.
	PongWait time.Duration

	// WriteWait bounds every outbound write. Default: 10s.
	WriteWait time.Duration

	// MessageRate limits sustained inbound messages per second on one
	// connection. Connections exceeding it are closed. Default: 100.
	MessageRate float64

	// MessageBurst is the inbound message burst allowance. Default: 200.
	MessageBurst int
}

func (c *Config) withDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MessageRate <= 0 {
		c.MessageRate = 100
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = 200
	}
}

// Handler serves the websocket sync protocol and the document HTTP
// surface.
type Handler struct {
	registry *session.Registry
	resolver PageResolver
	cfg      Config
	logger   *slog.Logger
}

// NewHandler creates a protocol handler over the given registry.
func NewHandler(cfg Config) *Handler {
	cfg.withDefaults()
	return &Handler{
		registry: cfg.Registry,
		resolver: cfg.Resolver,
		cfg:      cfg,
		logger:   cfg.Logger.With(slog.String("component", "sync")),
	}
}

// Register wires all document routes onto a gin router.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/ws/doc/:docID", h.DocWS())
	r.GET("/ws/page/:pageID", h.PageWS())
	r.GET("/v1/docs/:docID/content", h.GetContent())
	r.GET("/v1/docs/:docID/state-vector", h.GetStateVector())
	r.POST("/v1/docs/:docID/edits", h.PostEdit())
	r.DELETE("/v1/docs/:docID", h.DeleteDocument())
}

// DocWS upgrades a direct document connection.
func (h *Handler) DocWS() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.serveWS(c, c.Param("docID"))
	}
}

// PageWS resolves a page ID to its backing document, then delegates.
func (h *Handler) PageWS() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.resolver == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "page routing not configured"})
			return
		}
		docID, err := h.resolver(c.Request.Context(), c.Param("pageID"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown page: %v", err)})
			return
		}
		h.serveWS(c, docID)
	}
}

func (h *Handler) serveWS(c *gin.Context, docID string) {
	sess, err := h.registry.Acquire(c.Request.Context(), docID)
	if err != nil {
		status, msg := httpStatus(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			slog.String("doc_id", docID),
			slog.String("error", err.Error()))
		return
	}

	clientID := uuid.NewString()

	// The session can evict between Acquire and Subscribe; re-acquire
	// until the subscription sticks.
	var sub *session.Subscriber
	for {
		sub, err = sess.Subscribe(clientID)
		if err == nil {
			break
		}
		if !errors.Is(err, session.ErrSessionEvicted) {
			ws.Close()
			return
		}
		sess, err = h.registry.Acquire(c.Request.Context(), docID)
		if err != nil {
			ws.Close()
			return
		}
	}

	conn := &wsConn{
		h:        h,
		ws:       ws,
		sess:     sess,
		sub:      sub,
		clientID: clientID,
		logger: h.logger.With(
			slog.String("doc_id", docID),
			slog.String("client_id", clientID)),
		limiter: rate.NewLimiter(rate.Limit(h.cfg.MessageRate), h.cfg.MessageBurst),
		done:    make(chan struct{}),
	}
	conn.run(c.Request.Context())
}

// -----------------------------------------------------------------------------
// Connection
// -----------------------------------------------------------------------------

// wsConn is one live protocol connection. The reader goroutine owns
// all reads; writes from the reader and the fan-out goroutine share a
// mutex because gorilla permits only one concurrent writer.
type wsConn struct {
	h        *Handler
	ws       *websocket.Conn
	sess     *session.Session
	sub      *session.Subscriber
	clientID string
	logger   *slog.Logger
	limiter  *rate.Limiter

	writeMu gosync.Mutex
	done    chan struct{}
}

func (c *wsConn) run(ctx context.Context) {
	activeConnections.Inc()
	defer activeConnections.Dec()
	defer c.ws.Close()
	defer c.sub.Close()

	c.logger.Info("client connected")

	// The server leads with its own step1 so either side can start
	// the exchange.
	sv, err := c.sess.StateVector()
	if err != nil {
		return
	}
	if err := c.send(Message{Type: MsgSyncStep1, StateVector: sv}); err != nil {
		return
	}

	// Presence of everyone already here.
	for id, state := range c.sess.AwarenessStates() {
		if id == c.clientID {
			continue
		}
		if err := c.send(Message{Type: MsgAwareness, ClientID: id, Awareness: state}); err != nil {
			return
		}
	}

	go c.writeLoop()
	c.readLoop(ctx)
	close(c.done)

	c.logger.Info("client disconnected")
}

// writeLoop drains fan-out events and keeps the connection alive.
func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(c.h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case ev, ok := <-c.sub.Events():
			if !ok {
				// Overrun or session teardown: the client must
				// reconnect and resynchronize from scratch.
				c.closeWith(websocket.CloseTryAgainLater, "event stream lost; reconnect and resync")
				return
			}
			var msg Message
			switch ev.Kind {
			case session.EventUpdate:
				msg = Message{Type: MsgUpdate, Update: ev.Record}
			case session.EventAwareness:
				msg = Message{Type: MsgAwareness, ClientID: ev.ClientID, Awareness: ev.Awareness}
			default:
				continue
			}
			if err := c.send(msg); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

// readLoop owns the websocket read side until the client goes away or
// breaks the protocol.
func (c *wsConn) readLoop(ctx context.Context) {
	_ = c.ws.SetReadDeadline(time.Now().Add(c.h.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.h.cfg.PongWait))
	})

	for {
		var msg Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			// Undecodable frames are protocol violations; everything
			// else is the connection going away.
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				protocolViolations.Inc()
				c.closeWith(websocket.CloseProtocolError, "malformed message")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.h.cfg.PongWait))
		messagesTotal.WithLabelValues(msg.Type, "in").Inc()

		if !c.limiter.Allow() {
			c.logger.Warn("message rate limit exceeded")
			c.closeWith(websocket.ClosePolicyViolation, "message rate limit exceeded")
			return
		}

		if err := msg.Validate(); err != nil {
			protocolViolations.Inc()
			c.logger.Warn("protocol violation", slog.String("error", err.Error()))
			c.closeWith(websocket.CloseProtocolError, err.Error())
			return
		}

		if err := c.handle(ctx, msg); err != nil {
			if errors.Is(err, ErrProtocolViolation) || errors.Is(err, crdt.ErrMalformedRecord) {
				protocolViolations.Inc()
				c.closeWith(websocket.CloseProtocolError, err.Error())
			} else {
				c.logger.Warn("message handling failed",
					slog.String("type", msg.Type),
					slog.String("error", err.Error()))
				c.closeWith(websocket.CloseInternalServerErr, "internal error")
			}
			return
		}
	}
}

func (c *wsConn) handle(ctx context.Context, msg Message) error {
	switch msg.Type {
	case MsgSyncStep1:
		diff, err := c.sess.Diff(msg.StateVector)
		if err != nil {
			return err
		}
		sv, err := c.sess.StateVector()
		if err != nil {
			return err
		}
		return c.send(Message{Type: MsgSyncStep2, StateVector: sv, Updates: diff})

	case MsgSyncStep2:
		for _, rec := range msg.Updates {
			if err := c.sess.SubmitRemote(ctx, c.clientID, rec); err != nil {
				return err
			}
		}
		return nil

	case MsgUpdate:
		return c.sess.SubmitRemote(ctx, c.clientID, msg.Update)

	case MsgAwareness:
		return c.sess.SetAwareness(c.clientID, msg.Awareness)
	}
	return nil
}

func (c *wsConn) send(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(c.h.cfg.WriteWait))
	if err := c.ws.WriteJSON(msg); err != nil {
		return err
	}
	messagesTotal.WithLabelValues(msg.Type, "out").Inc()
	return nil
}

func (c *wsConn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.h.cfg.WriteWait))
}

func (c *wsConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	// Reasons ride in the close frame, which caps the payload at 125
	// bytes including the code.
	if len(reason) > 120 {
		reason = reason[:120]
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.h.cfg.WriteWait))
}
