// Package rest exposes the HTTP API: call lifecycle, presence, and the user
// directory lookups. Every route except the health check requires a
// verified identity.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/example/chat-core/internal/bridge"
	"github.com/example/chat-core/internal/identity"
	"github.com/example/chat-core/internal/model"
)

// TokenVerifier validates bearer tokens.
type TokenVerifier interface {
	Verify(token string) (identity.Claims, error)
}

// PresenceAPI is the presence surface the routes need.
type PresenceAPI interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
	Heartbeat(ctx context.Context, userID string) error
	GetStatus(userID string) model.PresenceStatus
	Snapshot() map[string]model.PresenceStatus
}

// CallAPI is the call lifecycle surface the routes need.
type CallAPI interface {
	InitiateCall(ctx context.Context, callerID, receiverID string, callType model.CallType) (model.CallSession, error)
	AcceptCall(ctx context.Context, callID, userID string) (model.CallSession, error)
	RejectCall(ctx context.Context, callID, userID string) (model.CallSession, error)
	EndCall(ctx context.Context, callID, userID string) (model.CallSession, error)
}

// EmailChecker asks the user directory whether an email is registered.
type EmailChecker interface {
	CheckEmail(ctx context.Context, email string) (bool, error)
}

// ReadMarker flips a user's unread messages in a conversation to READ.
type ReadMarker interface {
	MarkRead(ctx context.Context, conversationID, userID string) error
}

// API holds the route dependencies.
type API struct {
	verifier     TokenVerifier
	presence     PresenceAPI
	calls        CallAPI
	emails       EmailChecker
	reads        ReadMarker
	allowDevAuth bool
}

// NewAPI builds the REST handler set.
func NewAPI(verifier TokenVerifier, presence PresenceAPI, calls CallAPI, emails EmailChecker, reads ReadMarker, allowDevAuth bool) *API {
	return &API{
		verifier:     verifier,
		presence:     presence,
		calls:        calls,
		emails:       emails,
		reads:        reads,
		allowDevAuth: allowDevAuth,
	}
}

// Register attaches all routes to mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.Handle("POST /calls/initiate", a.authenticated(a.initiateCall))
	mux.Handle("POST /calls/{id}/accept", a.authenticated(a.acceptCall))
	mux.Handle("POST /calls/{id}/reject", a.authenticated(a.rejectCall))
	mux.Handle("POST /calls/{id}/end", a.authenticated(a.endCall))

	mux.Handle("POST /online/{userId}", a.authenticated(a.setOnline))
	mux.Handle("POST /offline/{userId}", a.authenticated(a.setOffline))
	mux.Handle("POST /ping/{userId}", a.authenticated(a.ping))
	mux.Handle("GET /user-status/{userId}", a.authenticated(a.userStatus))
	mux.Handle("GET /user-status", a.authenticated(a.userStatusSnapshot))

	mux.Handle("POST /users/check-email", a.authenticated(a.checkEmail))
	mux.Handle("POST /conversations/{id}/read", a.authenticated(a.markRead))
}

type authedHandler func(w http.ResponseWriter, r *http.Request, claims identity.Claims)

// authenticated resolves the caller's identity before the handler runs. The
// X-User-Id header is honored only in dev mode and only without a token.
func (a *API) authenticated(next authedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if strings.HasPrefix(token, "Bearer ") {
			claims, err := a.verifier.Verify(strings.TrimPrefix(token, "Bearer "))
			if err != nil {
				writeError(w, err)
				return
			}
			if claimed := r.Header.Get("X-User-Id"); claimed != "" && claimed != claims.Subject {
				writeError(w, fmt.Errorf("%w: claimed id does not match token subject", model.ErrUnauthenticated))
				return
			}
			next(w, r, claims)
			return
		}

		if a.allowDevAuth {
			if claimed := r.Header.Get("X-User-Id"); claimed != "" {
				next(w, r, identity.Claims{Subject: claimed})
				return
			}
		}

		writeError(w, fmt.Errorf("%w: no credentials", model.ErrUnauthenticated))
	})
}

func (a *API) initiateCall(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	var request struct {
		ReceiverID string         `json:"receiverId"`
		CallType   model.CallType `json:"callType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if request.ReceiverID == "" {
		http.Error(w, "receiverId is required", http.StatusBadRequest)
		return
	}
	if request.CallType == "" {
		request.CallType = model.CallAudio
	}

	session, err := a.calls.InitiateCall(r.Context(), claims.Subject, request.ReceiverID, request.CallType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (a *API) acceptCall(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	session, err := a.calls.AcceptCall(r.Context(), r.PathValue("id"), claims.Subject)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *API) rejectCall(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	session, err := a.calls.RejectCall(r.Context(), r.PathValue("id"), claims.Subject)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *API) endCall(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	session, err := a.calls.EndCall(r.Context(), r.PathValue("id"), claims.Subject)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// requireSelf guards presence mutations: a user manages only their own
// presence.
func requireSelf(w http.ResponseWriter, r *http.Request, claims identity.Claims) (string, bool) {
	userID := r.PathValue("userId")
	if userID != claims.Subject {
		writeError(w, fmt.Errorf("%w: cannot act on another user's presence", model.ErrForbidden))
		return "", false
	}
	return userID, true
}

func (a *API) setOnline(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	userID, ok := requireSelf(w, r, claims)
	if !ok {
		return
	}
	if err := a.presence.SetOnline(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": userID, "status": model.StatusOnline})
}

func (a *API) setOffline(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	userID, ok := requireSelf(w, r, claims)
	if !ok {
		return
	}
	if err := a.presence.SetOffline(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": userID, "status": model.StatusOffline})
}

func (a *API) ping(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	userID, ok := requireSelf(w, r, claims)
	if !ok {
		return
	}
	if err := a.presence.Heartbeat(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) userStatus(w http.ResponseWriter, r *http.Request, _ identity.Claims) {
	userID := r.PathValue("userId")
	writeJSON(w, http.StatusOK, map[string]any{
		"userId": userID,
		"status": a.presence.GetStatus(userID),
	})
}

func (a *API) userStatusSnapshot(w http.ResponseWriter, _ *http.Request, _ identity.Claims) {
	writeJSON(w, http.StatusOK, a.presence.Snapshot())
}

func (a *API) checkEmail(w http.ResponseWriter, r *http.Request, _ identity.Claims) {
	var request struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.Email == "" {
		http.Error(w, "email is required", http.StatusBadRequest)
		return
	}

	exists, err := a.emails.CheckEmail(r.Context(), request.Email)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"email": request.Email, "exists": exists})
}

func (a *API) markRead(w http.ResponseWriter, r *http.Request, claims identity.Claims) {
	if err := a.reads.MarkRead(r.Context(), r.PathValue("id"), claims.Subject); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

// writeError maps domain error kinds to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrUnauthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, model.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, model.ErrReceiverUnavailable):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrBrokerUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, bridge.ErrTimeout):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
