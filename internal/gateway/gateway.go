// Package gateway owns the long-lived WebSocket endpoint. Every inbound
// control frame is authenticated before it is acted on; the verified
// identity is attached to the session and every other component trusts only
// that.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/chat-core/internal/identity"
	"github.com/example/chat-core/internal/model"
)

const (
	maxFrameBytes = 1 << 20
	pongWait      = 45 * time.Second
	writeWait     = 10 * time.Second
)

// Frame commands of the connection sub-protocol.
const (
	CommandConnect     = "CONNECT"
	CommandSubscribe   = "SUBSCRIBE"
	CommandUnsubscribe = "UNSUBSCRIBE"
	CommandSend        = "SEND"
	CommandDisconnect  = "DISCONNECT"
)

// Frame is one inbound control frame.
type Frame struct {
	Command     string            `json:"command"`
	Destination string            `json:"destination,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        json.RawMessage   `json:"body,omitempty"`
}

// Application-level destinations carried over the connection.
func UserMessagesDestination(userID string) string { return "user." + userID + ".messages" }
func UserCallsDestination(userID string) string    { return "user." + userID + ".calls" }
func UserSignalsDestination(userID string) string  { return "user." + userID + ".signals" }
func GroupDestination(conversationID string) string {
	return "group." + conversationID
}

// StatusDestination is the broadcast destination for presence-changed
// events; sessions opt in with SUBSCRIBE.
const StatusDestination = "user-status"

// PingDestination feeds the presence heartbeat.
const PingDestination = "ping"

// SignalDestination accepts outbound WebRTC signals.
const SignalDestination = "call.signal"

// TokenVerifier validates bearer tokens.
type TokenVerifier interface {
	Verify(token string) (identity.Claims, error)
}

// MessageSender hands inbound SEND frames to the distribution pipeline.
type MessageSender interface {
	SendDirect(ctx context.Context, senderID, receiverID, content string) (model.Message, error)
	SendGroup(ctx context.Context, senderID, conversationID, content string) (model.Message, error)
}

// SignalForwarder forwards WebRTC signals between call parties.
type SignalForwarder interface {
	HandleSignal(ctx context.Context, sig model.Signal) error
}

// Heartbeater refreshes a user's presence lease.
type Heartbeater interface {
	Heartbeat(ctx context.Context, userID string) error
}

// Handler serves the /ws endpoint.
type Handler struct {
	verifier     TokenVerifier
	registry     *Registry
	sender       MessageSender
	signals      SignalForwarder
	heartbeats   Heartbeater
	allowDevAuth bool
	upgrader     websocket.Upgrader

	frameCounter  metric.Int64Counter
	rejectCounter metric.Int64Counter
}

// NewHandler wires the gateway. The registry is shared with the pipeline and
// the call manager.
func NewHandler(verifier TokenVerifier, registry *Registry, sender MessageSender, signals SignalForwarder, heartbeats Heartbeater, allowDevAuth bool) *Handler {
	meter := otel.Meter("gateway")
	frameCounter, _ := meter.Int64Counter("gateway_frames_total",
		metric.WithDescription("Total control frames processed per command"))
	rejectCounter, _ := meter.Int64Counter("gateway_rejects_total",
		metric.WithDescription("Total frames rejected at the auth boundary"))
	sessionsGauge, _ := meter.Int64ObservableGauge("gateway_sessions",
		metric.WithDescription("Live local sessions"))
	_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(sessionsGauge, int64(registry.SessionCount()))
		return nil
	}, sessionsGauge)

	return &Handler{
		verifier:      verifier,
		registry:      registry,
		sender:        sender,
		signals:       signals,
		heartbeats:    heartbeats,
		allowDevAuth:  allowDevAuth,
		frameCounter:  frameCounter,
		rejectCounter: rejectCounter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	session := newSession(uuid.NewString(), conn)
	done := make(chan struct{})
	go session.writeLoop(done)

	h.readLoop(r, session)

	close(done)
	if session.UserID != "" {
		h.registry.remove(session)
		slog.Info("Session closed", "session", session.ID, "user", session.UserID)
	}
	_ = conn.Close()
}

func (h *Handler) readLoop(r *http.Request, session *Session) {
	ctx := r.Context()
	conn := session.conn

	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	connected := false
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			// Before admission nothing is owed to the peer; junk closes the
			// connection rather than letting it idle unauthenticated.
			if !connected {
				h.rejectCounter.Add(ctx, 1)
				return
			}
			session.push("error", map[string]string{"error": "invalid frame"})
			continue
		}
		h.frameCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("command", frame.Command)))

		claims, err := h.authenticate(&frame, r, !connected)
		if err != nil {
			// Contract: reject silently. No error frame is guaranteed, only
			// closure.
			h.rejectCounter.Add(ctx, 1)
			slog.Warn("Frame rejected", "command", frame.Command, "error", err)
			return
		}

		if !connected {
			if frame.Command != CommandConnect {
				h.rejectCounter.Add(ctx, 1)
				return
			}
			session.UserID = claims.Subject
			session.Roles = claims.Roles
			h.registry.add(session)
			connected = true
			session.push("session.connected", map[string]string{"sessionId": session.ID, "userId": session.UserID})
			slog.Info("Session admitted", "session", session.ID, "user", session.UserID)
			continue
		}

		// The identity attached at CONNECT is the session's identity; a
		// frame authenticated as someone else is rejected.
		if claims.Subject != session.UserID {
			h.rejectCounter.Add(ctx, 1)
			return
		}

		switch frame.Command {
		case CommandConnect:
			// Already connected; ignore.
		case CommandSubscribe:
			session.subscribe(frame.Destination)
		case CommandUnsubscribe:
			session.unsubscribe(frame.Destination)
		case CommandSend:
			if err := h.handleSend(ctx, session, &frame); err != nil {
				session.push("error", map[string]string{
					"destination": frame.Destination,
					"error":       err.Error(),
				})
			}
		case CommandDisconnect:
			return
		default:
			session.push("error", map[string]string{"error": fmt.Sprintf("unknown command %q", frame.Command)})
		}
	}
}

// authenticate verifies the frame's credentials. A bearer token wins; the
// X-User-Id header is accepted only in dev mode and only when no token is
// present. A claimed id that disagrees with the token subject is rejected.
func (h *Handler) authenticate(frame *Frame, r *http.Request, isHandshake bool) (identity.Claims, error) {
	token := frame.Headers["Authorization"]
	if token == "" && isHandshake {
		token = r.Header.Get("Authorization")
	}
	claimedID := frame.Headers["X-User-Id"]
	if claimedID == "" && isHandshake {
		claimedID = r.Header.Get("X-User-Id")
	}

	if strings.HasPrefix(token, "Bearer ") {
		claims, err := h.verifier.Verify(strings.TrimPrefix(token, "Bearer "))
		if err != nil {
			return identity.Claims{}, err
		}
		if claimedID != "" && claimedID != claims.Subject {
			return identity.Claims{}, fmt.Errorf("%w: claimed id does not match token subject", model.ErrUnauthenticated)
		}
		return claims, nil
	}

	if h.allowDevAuth && claimedID != "" {
		return identity.Claims{Subject: claimedID}, nil
	}

	return identity.Claims{}, fmt.Errorf("%w: no credentials", model.ErrUnauthenticated)
}

func (h *Handler) handleSend(ctx context.Context, session *Session, frame *Frame) error {
	dest := frame.Destination
	switch {
	case dest == PingDestination:
		return h.heartbeats.Heartbeat(ctx, session.UserID)

	case dest == SignalDestination:
		var sig model.Signal
		if err := json.Unmarshal(frame.Body, &sig); err != nil {
			return fmt.Errorf("decode signal: %w", err)
		}
		// Sender identity is enforced here, at the boundary.
		if sig.From != session.UserID {
			return fmt.Errorf("%w: signal sender mismatch", model.ErrForbidden)
		}
		return h.signals.HandleSignal(ctx, sig)

	case strings.HasPrefix(dest, "user.") && strings.HasSuffix(dest, ".messages"):
		receiverID := strings.TrimSuffix(strings.TrimPrefix(dest, "user."), ".messages")
		var body struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(frame.Body, &body); err != nil {
			return fmt.Errorf("decode message body: %w", err)
		}
		_, err := h.sender.SendDirect(ctx, session.UserID, receiverID, body.Content)
		return err

	case strings.HasPrefix(dest, "group."):
		conversationID := strings.TrimPrefix(dest, "group.")
		var body struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(frame.Body, &body); err != nil {
			return fmt.Errorf("decode message body: %w", err)
		}
		_, err := h.sender.SendGroup(ctx, session.UserID, conversationID, body.Content)
		return err

	default:
		return fmt.Errorf("unknown destination %q", dest)
	}
}
