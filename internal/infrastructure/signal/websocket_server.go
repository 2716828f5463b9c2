package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
	"callengine/pkg/errors"
	"callengine/pkg/tracing"
	"callengine/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	sendBufferSize = 32
	offerTimeout   = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// MediaEndpoint is the server side of a call's peer connection.
type MediaEndpoint interface {
	ports.CallMedia
	Answer(ctx context.Context, offer string) (string, error)
	Close() error
}

type EndpointFactory func() (MediaEndpoint, error)

type Config struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MessagesPerSecond float64
	Burst             int
	MaxConnections    int
	MaxMessageSize    int64
}

func DefaultConfig() Config {
	return Config{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MessagesPerSecond: 20,
		Burst:             40,
		MaxMessageSize:    64 * 1024,
	}
}

// WebSocketServer is the signaling gateway. Each connection is bound to one
// call: inbound messages drive the call and bus events of that call are
// pushed back.
type WebSocketServer struct {
	calls       ports.CallService
	newEndpoint EndpointFactory
	cfg         Config
	logger      *zap.SugaredLogger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type SignalMessage struct {
	Type      string          `json:"type"`
	CallID    domain.CallID   `json:"call_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type OutboundMessage struct {
	Type      string        `json:"type"`
	CallID    domain.CallID `json:"call_id,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
	Payload   interface{}   `json:"payload,omitempty"`
}

type SignalPayload struct {
	Signal domain.CallSignal `json:"signal"`
	Reason string            `json:"reason,omitempty"`
}

type TransitionPayload struct {
	State  domain.CallState `json:"state"`
	Reason string           `json:"reason,omitempty"`
}

type SDPPayload struct {
	SDP string `json:"sdp"`
}

type ErrorPayload struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

type client struct {
	conn    *websocket.Conn
	callID  domain.CallID
	send    chan []byte
	limiter *rate.Limiter
	logger  *zap.SugaredLogger

	mu       sync.Mutex
	endpoint MediaEndpoint
	closed   bool
	done     chan struct{}
}

func NewWebSocketServer(calls ports.CallService, newEndpoint EndpointFactory, cfg Config, logger *zap.SugaredLogger) *WebSocketServer {
	return &WebSocketServer{
		calls:       calls,
		newEndpoint: newEndpoint,
		cfg:         cfg,
		logger:      logger.With("component", "signal_gateway"),
		clients:     make(map[*client]struct{}),
	}
}

// Attach pushes bus events to the connections of their call.
func (s *WebSocketServer) Attach(bus ports.EventSubscriber) func() {
	return bus.Subscribe(s.HandleEvent)
}

func (s *WebSocketServer) HandleEvent(event domain.Event) {
	if event.CallID == "" {
		return
	}
	s.Deliver(event.CallID, OutboundMessage{Type: "event", CallID: event.CallID, Payload: event})
	if event.Type == domain.EventCallRemoved {
		s.releaseMedia(event.CallID)
	}
}

// Deliver queues msg on every connection bound to callID.
func (s *WebSocketServer) Deliver(callID domain.CallID, msg OutboundMessage) {
	targets := s.clientsFor(callID)
	if len(targets) == 0 {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warnw("failed to encode message", "call_id", callID, "type", msg.Type, "error", err)
		return
	}
	for _, c := range targets {
		c.enqueue(data)
	}
}

func (s *WebSocketServer) clientsFor(callID domain.CallID) []*client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*client
	for c := range s.clients {
		if c.callID == callID {
			out = append(out, c)
		}
	}
	return out
}

func (s *WebSocketServer) releaseMedia(callID domain.CallID) {
	for _, c := range s.clientsFor(callID) {
		c.setEndpoint(nil)
	}
}

func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	callID := domain.CallID(r.URL.Query().Get("call_id"))
	if callID == "" {
		http.Error(w, "call_id is required", http.StatusBadRequest)
		return
	}
	if _, err := s.calls.GetCall(r.Context(), callID); err != nil {
		http.Error(w, "call not found", http.StatusNotFound)
		return
	}
	if limit := s.cfg.MaxConnections; limit > 0 && s.ConnectionCount() >= limit {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:    conn,
		callID:  callID,
		send:    make(chan []byte, sendBufferSize),
		limiter: rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst),
		logger:  s.logger.With("call_id", callID),
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	c.logger.Infow("signaling connection opened", "remote_addr", r.RemoteAddr)

	go s.writePump(c)
	s.readPump(c)

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
	c.logger.Infow("signaling connection closed")
}

func (s *WebSocketServer) readPump(c *client) {
	if s.cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		var msg SignalMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Infow("error reading signaling message", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if !c.limiter.Allow() {
			s.reply(c, msg, "error", errorPayload(errors.NewRateLimitError()))
			continue
		}
		if err := s.handleMessage(c, msg); err != nil {
			c.logger.Infow("signaling message failed", "type", msg.Type, "error", err)
			s.reply(c, msg, "error", errorPayload(err))
		}
	}
}

func (s *WebSocketServer) writePump(c *client) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Infow("error writing signaling message", "error", err)
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Infow("error sending ping", "error", err)
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (s *WebSocketServer) handleMessage(c *client, msg SignalMessage) error {
	if msg.Type == "" {
		return errors.NewInvalidInputError("message type is required")
	}
	if msg.CallID != "" && msg.CallID != c.callID {
		return errors.NewInvalidInputError(fmt.Sprintf("call_id mismatch: connection is bound to %s", c.callID))
	}

	ctx, span := tracing.TraceSignalMessage(context.Background(), msg.Type, string(c.callID))
	defer span.End()

	start := time.Now()
	err := s.dispatch(ctx, c, msg)
	tracing.MeasureDuration(ctx, start, msg.Type)
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

func (s *WebSocketServer) dispatch(ctx context.Context, c *client, msg SignalMessage) error {
	switch msg.Type {
	case "get_call":
		info, err := s.calls.GetCall(ctx, c.callID)
		if err != nil {
			return err
		}
		s.reply(c, msg, "call", info)
		return nil
	case "signal":
		var payload SignalPayload
		if err := decodePayload(msg, &payload); err != nil {
			return err
		}
		info, err := s.calls.Signal(ctx, c.callID, payload.Signal, payload.Reason)
		if err != nil {
			return err
		}
		s.reply(c, msg, "call", info)
		return nil
	case "transition":
		var payload TransitionPayload
		if err := decodePayload(msg, &payload); err != nil {
			return err
		}
		if !payload.State.Valid() {
			return errors.NewInvalidInputError(fmt.Sprintf("unknown call state %q", payload.State))
		}
		info, err := s.calls.Transition(ctx, c.callID, payload.State, payload.Reason)
		if err != nil {
			return err
		}
		s.reply(c, msg, "call", info)
		return nil
	case "offer":
		return s.handleOffer(ctx, c, msg)
	default:
		return errors.NewInvalidInputError(fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

func (s *WebSocketServer) handleOffer(ctx context.Context, c *client, msg SignalMessage) error {
	if s.newEndpoint == nil {
		return errors.NewServiceUnavailableError("media is not available on this instance")
	}
	var payload SDPPayload
	if err := decodePayload(msg, &payload); err != nil {
		return err
	}
	if err := validateSDP(payload.SDP); err != nil {
		return err
	}

	endpoint, err := s.newEndpoint()
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeInternal, "failed to create media endpoint", http.StatusInternalServerError)
	}
	offerCtx, cancel := context.WithTimeout(ctx, offerTimeout)
	defer cancel()

	answer, err := endpoint.Answer(offerCtx, payload.SDP)
	if err != nil {
		_ = endpoint.Close()
		return errors.NewNegotiationError("offer", err)
	}
	if err := s.calls.AttachMedia(ctx, c.callID, endpoint); err != nil {
		_ = endpoint.Close()
		return err
	}
	c.setEndpoint(endpoint)

	c.logger.Infow("media negotiated", "sdp_length", len(answer))
	s.reply(c, msg, "answer", SDPPayload{SDP: answer})
	return nil
}

func (s *WebSocketServer) reply(c *client, req SignalMessage, msgType string, payload interface{}) {
	data, err := json.Marshal(OutboundMessage{
		Type:      msgType,
		CallID:    c.callID,
		RequestID: req.RequestID,
		Payload:   payload,
	})
	if err != nil {
		c.logger.Warnw("failed to encode reply", "type", msgType, "error", err)
		return
	}
	c.enqueue(data)
}

func decodePayload(msg SignalMessage, v interface{}) error {
	if len(msg.Payload) == 0 {
		return errors.NewInvalidInputError(fmt.Sprintf("%s payload is required", msg.Type))
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return errors.NewInvalidInputError(fmt.Sprintf("invalid %s payload: %v", msg.Type, err))
	}
	return nil
}

func errorPayload(err error) ErrorPayload {
	if appErr := errors.GetAppError(err); appErr != nil {
		return ErrorPayload{Code: appErr.Code, Message: appErr.Message}
	}
	return ErrorPayload{Code: errors.ErrCodeInternal, Message: err.Error()}
}

func validateSDP(sdp string) error {
	if err := validation.ValidateSDP(sdp); err != nil {
		return errors.NewInvalidInputError(err.Error())
	}
	return nil
}

func (c *client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warnw("send buffer full, dropping message")
	}
}

// setEndpoint replaces the connection's media endpoint, closing the old one.
func (c *client) setEndpoint(e MediaEndpoint) {
	c.mu.Lock()
	old := c.endpoint
	c.endpoint = e
	c.mu.Unlock()
	if old != nil && old != e {
		if err := old.Close(); err != nil {
			c.logger.Debugw("failed to close media endpoint", "error", err)
		}
	}
}

func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.setEndpoint(nil)
	_ = c.conn.Close()
}
