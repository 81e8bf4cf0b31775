// Package chat relays deal chat messages between the participants connected
// to a deal's room over WebSocket. Messages are persisted before broadcast.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	apperrors "github.com/apsl-space/apsl/internal/platform/errors"
	"github.com/apsl-space/apsl/internal/platform/logging"
	"github.com/apsl-space/apsl/internal/platform/metrics"
	"github.com/apsl-space/apsl/internal/platform/timeouts"
	"github.com/apsl-space/apsl/internal/services/market/service"
)

// Relay serves the chat WebSocket endpoint.
type Relay struct {
	svc            *service.Service
	hub            *roomHub
	logger         *zap.Logger
	metrics        *metrics.Registry
	allowedOrigins []string
	now            func() time.Time
}

// Option customizes a Relay.
type Option func(*Relay)

// WithLogger sets the relay logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Relay) {
		r.logger = logging.OrNop(logger)
	}
}

// WithMetrics records connection counts on registry.
func WithMetrics(registry *metrics.Registry) Option {
	return func(r *Relay) {
		r.metrics = registry
	}
}

// WithAllowedOrigins restricts the handshake Origin header. An empty list or
// "*" accepts any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(r *Relay) {
		r.allowedOrigins = origins
	}
}

// NewRelay creates a relay over svc.
func NewRelay(svc *service.Service, opts ...Option) (*Relay, error) {
	if svc == nil {
		return nil, errors.New("market service is required")
	}
	r := &Relay{
		svc:    svc,
		hub:    newRoomHub(),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Handler returns the WebSocket handler. Only GET upgrades are accepted.
func (r *Relay) Handler() http.Handler {
	ws := websocket.Server{
		Handshake: r.handshake,
		Handler:   r.handleConn,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ws.ServeHTTP(w, req)
	})
}

// Close disconnects every open chat connection.
func (r *Relay) Close() {
	if r == nil {
		return
	}
	r.hub.close()
}

func (r *Relay) handshake(cfg *websocket.Config, req *http.Request) error {
	origin, err := websocket.Origin(cfg, req)
	if err == nil && origin != nil {
		cfg.Origin = origin
	}
	if originAllowed(r.allowedOrigins, origin) {
		return nil
	}
	r.logger.Warn("chat handshake rejected", zap.String("origin", req.Header.Get("Origin")), zap.String("remote", req.RemoteAddr))
	return fmt.Errorf("origin not allowed")
}

func originAllowed(allowed []string, origin *url.URL) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, candidate := range allowed {
		candidate = strings.TrimRight(strings.TrimSpace(candidate), "/")
		if candidate == "*" {
			return true
		}
		if origin != nil && strings.EqualFold(candidate, origin.Scheme+"://"+origin.Host) {
			return true
		}
	}
	return false
}

func (r *Relay) handleConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()
	if !r.hub.track(conn) {
		return
	}
	defer r.hub.untrack(conn)
	r.metrics.ChatConnected(1)
	defer r.metrics.ChatConnected(-1)

	ctx := context.Background()
	if req := conn.Request(); req != nil {
		ctx = req.Context()
	}

	conn.MaxPayloadBytes = maxFrameBytes
	session := newWSSession(newWSPeer(json.NewEncoder(conn)))
	defer func() {
		if room, _ := session.currentRoom(); room != nil {
			r.hub.leave(room, session.peer)
		}
	}()

	windowStart := r.now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var data []byte
		if err := websocket.Message.Receive(conn, &data); err != nil {
			if errors.Is(err, websocket.ErrFrameTooLarge) {
				_ = writeWSError(session.peer, "", "INVALID_ARGUMENT", "payload too large")
				continue
			}
			return
		}
		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			decodeErrors++
			_ = writeWSError(session.peer, "", "INVALID_ARGUMENT", "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "payload too large")
			continue
		}

		now := r.now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(session.peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			return
		}

		switch frame.Type {
		case frameJoin:
			r.handleJoinFrame(ctx, session, frame)
		case frameSend:
			r.handleSendFrame(ctx, session, frame)
		case frameHistoryBefore:
			r.handleHistoryBeforeFrame(ctx, session, frame)
		default:
			_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type")
		}
	}
}

func (r *Relay) handleJoinFrame(ctx context.Context, session *wsSession, frame wsFrame) {
	var payload joinPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid join payload")
		return
	}
	chatID := strings.TrimSpace(payload.ChatID)
	if chatID == "" {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "chat_id is required")
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, timeouts.StoreRequest)
	defer cancel()
	joined, err := r.svc.JoinChat(callCtx, chatID, payload.Token)
	if err != nil {
		r.writeServiceError(session.peer, frame.RequestID, "join chat", err)
		return
	}

	room := r.hub.join(joined.Deal.ChatID, session.peer)
	if previous := session.setRoom(room, joined.Address); previous != nil && previous != room {
		r.hub.leave(previous, session.peer)
	}

	_ = session.peer.writeFrame(wsFrame{
		Type:      frameJoined,
		RequestID: frame.RequestID,
		Payload: mustJSON(joinedPayload{
			ChatID:         joined.Deal.ChatID,
			LatestSequence: joined.LatestSequence,
			ServerTime:     r.now().UTC().Format(time.RFC3339),
		}),
	})
}

func (r *Relay) handleSendFrame(ctx context.Context, session *wsSession, frame wsFrame) {
	var payload sendPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid send payload")
		return
	}

	room, address := session.currentRoom()
	if room == nil {
		_ = writeWSError(session.peer, frame.RequestID, "FORBIDDEN", "must join chat room before sending")
		return
	}
	if chatID := strings.TrimSpace(payload.ChatID); chatID != "" && chatID != room.chatID {
		_ = writeWSError(session.peer, frame.RequestID, "FORBIDDEN", "message targets a chat that was not joined")
		return
	}
	sender := strings.TrimSpace(payload.Sender)
	if r.svc.GrantsRequired() {
		sender = address
	}
	if sender == "" {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "sender is required")
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, timeouts.StoreRequest)
	defer cancel()
	stored, duplicate, err := r.svc.PostMessage(callCtx, service.MessageRequest{
		ChatID:          room.chatID,
		ClientMessageID: payload.ClientMessageID,
		Body:            payload.Message,
		Sender:          sender,
	})
	if err != nil {
		r.writeServiceError(session.peer, frame.RequestID, "post message", err)
		return
	}

	_ = session.peer.writeFrame(wsFrame{
		Type:      frameAck,
		RequestID: frame.RequestID,
		Payload: mustJSON(ackEnvelope{
			Result: ackResult{
				Status:    "ok",
				MessageID: stored.ID,
				Sequence:  stored.Sequence,
				Duplicate: duplicate,
			},
		}),
	})
	if duplicate {
		return
	}

	room.broadcast(wsFrame{
		Type:    frameMessage,
		Payload: mustJSON(messageEnvelope{Message: toChatMessage(stored)}),
	})
}

func (r *Relay) handleHistoryBeforeFrame(ctx context.Context, session *wsSession, frame wsFrame) {
	var payload historyBeforePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid history payload")
		return
	}
	if payload.BeforeSequence < 0 {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "before_sequence must be >= 0")
		return
	}

	room, _ := session.currentRoom()
	if room == nil {
		_ = writeWSError(session.peer, frame.RequestID, "FORBIDDEN", "must join chat room before requesting history")
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, timeouts.StoreRequest)
	defer cancel()
	history, err := r.svc.History(callCtx, room.chatID, payload.BeforeSequence, payload.Limit)
	if err != nil {
		r.writeServiceError(session.peer, frame.RequestID, "message history", err)
		return
	}
	for _, msg := range history {
		_ = session.peer.writeFrame(wsFrame{
			Type:    frameMessage,
			Payload: mustJSON(messageEnvelope{Message: toChatMessage(msg)}),
		})
	}
	_ = session.peer.writeFrame(wsFrame{
		Type:      frameAck,
		RequestID: frame.RequestID,
		Payload: mustJSON(ackEnvelope{
			Result: ackResult{
				Status: "ok",
				Count:  len(history),
			},
		}),
	})
}

// writeServiceError reports a domain failure to the peer. Failures without a
// domain code are logged and reported as unavailable.
func (r *Relay) writeServiceError(peer *wsPeer, requestID string, op string, err error) {
	code := apperrors.CodeOf(err)
	switch code {
	case apperrors.CodeNotFound:
		_ = writeWSError(peer, requestID, "NOT_FOUND", apperrors.MessageOf(err, "Chat not found"))
	case apperrors.CodeChatTokenInvalid:
		_ = writeWSError(peer, requestID, "UNAUTHENTICATED", apperrors.MessageOf(err, "chat token is invalid"))
	case apperrors.CodeUnknown:
		r.logger.Error("chat operation failed", zap.String("op", op), zap.Error(err))
		_ = writeWSError(peer, requestID, "UNAVAILABLE", op+" is unavailable")
	default:
		if code.HTTPStatus() == http.StatusBadRequest {
			_ = writeWSError(peer, requestID, "INVALID_ARGUMENT", apperrors.MessageOf(err, "invalid request"))
			return
		}
		r.logger.Error("chat operation failed", zap.String("op", op), zap.Error(err))
		_ = writeWSError(peer, requestID, "UNAVAILABLE", op+" is unavailable")
	}
}

func writeWSError(peer *wsPeer, requestID string, code string, message string) error {
	return peer.writeFrame(wsFrame{
		Type:      frameError,
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:    code,
				Message: message,
			},
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
