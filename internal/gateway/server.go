// Package gateway is the WebSocket ingress. Clients connect to /ws, send
// chat frames that become bus.InboundMessage, and receive the runtime's
// replies and typing indicators as they are produced.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/shipd/ship/internal/bus"
	"github.com/shipd/ship/internal/config"
)

// Frame is the wire envelope in both directions. Inbound frames carry type
// "chat"; outbound frames are "message", "typing", or "error".
type Frame struct {
	Type      string `json:"type"`
	ContextID string `json:"context_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Channel   string `json:"channel,omitempty"`
	TargetID  string `json:"target_id,omitempty"`
	ActorID   string `json:"actor_id,omitempty"`
	ActorName string `json:"actor_name,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// EnqueueFunc hands an inbound message to the runtime.
type EnqueueFunc func(msg bus.InboundMessage) error

// Server accepts WebSocket clients and fans runtime output back to them.
type Server struct {
	cfg     config.GatewayConfig
	enqueue EnqueueFunc

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client

	httpServer *http.Server
	ln         net.Listener
}

func NewServer(cfg config.GatewayConfig, enqueue EnqueueFunc) *Server {
	return &Server{
		cfg:     cfg,
		enqueue: enqueue,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Local gateway; browsers are not the expected clients.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// Listen binds the configured address. Split from Serve so callers learn the
// actual port before the first client connects (tests bind port 0).
func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address. Valid after Listen.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve runs the HTTP server until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.httpServer = &http.Server{Handler: mux}

	slog.Info("gateway listening", "addr", s.Addr())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpServer.Serve(s.ln); err != http.ErrServerClosed {
			return fmt.Errorf("gateway serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(conn, s.cfg.RateLimitRPM)
	s.registerClient(c)
	defer func() {
		s.unregisterClient(c)
		c.close()
	}()

	go c.writePump()
	s.readLoop(c)
}

func (s *Server) readLoop(c *client) {
	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("websocket read failed", "client", c.id, "error", err)
			}
			return
		}
		if frame.Type != "" && frame.Type != "chat" {
			c.sendError(frame.RequestID, "unknown frame type "+frame.Type)
			continue
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.sendError(frame.RequestID, "rate_limited")
			continue
		}
		msg := bus.InboundMessage{
			ContextID: frame.ContextID,
			Text:      frame.Text,
			Channel:   frame.Channel,
			TargetID:  frame.TargetID,
			ActorID:   frame.ActorID,
			ActorName: frame.ActorName,
			MessageID: frame.MessageID,
			RequestID: frame.RequestID,
		}
		if msg.Channel == "" {
			msg.Channel = "ws"
		}
		if err := s.enqueue(msg); err != nil {
			c.sendError(frame.RequestID, err.Error())
		}
	}
}

// Deliver fans a runtime reply out to every connected client. It satisfies
// bus.DeliverFunc.
func (s *Server) Deliver(msg bus.OutboundMessage) {
	frame := Frame{
		Type:      "message",
		ContextID: msg.ContextID,
		Channel:   msg.Channel,
		TargetID:  msg.TargetID,
		Text:      msg.Text,
		RequestID: msg.RequestID,
	}
	s.broadcast(frame)
}

// SendAction broadcasts a typing indicator. It satisfies bus.SendActionFunc.
func (s *Server) SendAction(channel, targetID string) {
	s.broadcast(Frame{Type: "typing", Channel: channel, TargetID: targetID})
}

func (s *Server) broadcast(frame Frame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.send(frame)
	}
}

// ClientCount reports connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) registerClient(c *client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	slog.Info("client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	slog.Info("client disconnected", "id", c.id)
}

// client is one WebSocket connection with a buffered outbound queue. Writes
// go through a single pump goroutine; gorilla connections do not allow
// concurrent writers.
type client struct {
	id      string
	conn    *websocket.Conn
	limiter *rate.Limiter
	out     chan Frame
	done    chan struct{}
	once    sync.Once
}

func newClient(conn *websocket.Conn, rpm int) *client {
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		out:  make(chan Frame, 64),
		done: make(chan struct{}),
	}
	if rpm > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
	}
	return c
}

func (c *client) send(frame Frame) {
	select {
	case c.out <- frame:
	case <-c.done:
	default:
		// Slow consumer; dropping beats blocking the scheduler's deliver path.
		slog.Warn("outbound frame dropped", "client", c.id, "type", frame.Type)
	}
}

func (c *client) sendError(requestID, msg string) {
	c.send(Frame{Type: "error", RequestID: requestID, Error: msg})
}

func (c *client) writePump() {
	for {
		select {
		case frame := <-c.out:
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
