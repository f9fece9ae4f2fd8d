package protocol

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vantico/deskpilot/api/schemas"
	"github.com/vantico/deskpilot/internal/config"
)

const (
	// Time allowed to write a message to the peer.
	defaultWriteWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	defaultPongWait = 60 * time.Second
	// Maximum message size allowed from peer. Screenshots dominate, so the
	// default is generous.
	defaultMaxMessageBytes = 8 << 20
)

// Server exposes the session protocol over a WebSocket endpoint. Each
// connection gets its own processing goroutine; messages on one connection
// are handled strictly in order.
type Server struct {
	cfg      config.ServerConfig
	handler  *Handler
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu    sync.Mutex
	conns map[string]*conn
}

// NewServer builds the protocol server around a handler.
func NewServer(cfg config.ServerConfig, handler *Handler, logger *zap.Logger) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteWait
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongWait
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	return &Server{
		cfg:     cfg,
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// The endpoint is not browser-facing; clients authenticate
				// out of band at the deployment boundary.
				return true
			},
		},
		logger: logger.Named("server"),
		conns:  make(map[string]*conn),
	}
}

// Routes returns the HTTP handler serving the configured protocol path.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Shutdown closes every live connection. Session state is untouched; clients
// reconnect and resume from the store.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.conns {
		c.close()
		delete(s.conns, id)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	// The request context dies when this handler returns, so the connection
	// carries its own lifetime for in-flight provider calls.
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		id:     uuid.New().String(),
		server: s,
		ws:     ws,
		send:   make(chan []byte, 64),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	s.logger.Info("Client connected", zap.String("conn_id", c.id), zap.String("remote", r.RemoteAddr))

	go c.writePump()
	go c.readPump(ctx)
}

func (s *Server) dropConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	s.logger.Info("Client disconnected", zap.String("conn_id", c.id))
}

// conn couples one websocket connection to the handler. It implements Sender
// for the duration of message processing.
type conn struct {
	id     string
	server *Server
	ws     *websocket.Conn
	send   chan []byte
	cancel context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
}

var _ Sender = (*conn)(nil)

// Send queues an outbound event for the write pump. A peer too slow to drain
// its queue loses the connection rather than stalling the handler; the
// session itself survives for the reconnect.
func (c *conn) Send(out schemas.Outbound) error {
	payload, err := json.Marshal(out)
	if err != nil {
		return err
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return websocket.ErrCloseSent
	default:
		c.server.logger.Warn("Outbound queue full, dropping connection", zap.String("conn_id", c.id))
		c.close()
		return websocket.ErrCloseSent
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.done)
		c.ws.Close()
	})
}

// readPump reads inbound messages and hands them to the handler one at a
// time. Sequential processing per connection is what makes session mutation
// lock-free.
func (c *conn) readPump(ctx context.Context) {
	defer func() {
		c.server.dropConn(c)
		c.close()
	}()

	c.ws.SetReadLimit(c.server.cfg.MaxMessageBytes)
	c.ws.SetReadDeadline(time.Now().Add(c.server.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.server.cfg.PongTimeout))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.server.logger.Warn("Websocket read error", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}

		var msg schemas.Inbound
		if err := json.Unmarshal(message, &msg); err != nil {
			c.Send(schemas.Outbound{
				Type:  schemas.OutboundError,
				Error: &schemas.ErrorPayload{Code: CodeProtocolViolation, Message: "malformed message: " + err.Error()},
			})
			continue
		}

		c.server.handler.Handle(ctx, msg, c)
	}
}

// writePump serializes all writes to the peer and keeps the connection alive
// with pings.
func (c *conn) writePump() {
	pingPeriod := (c.server.cfg.PongTimeout * 9) / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case payload := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
