// Package api exposes the REST surface of the chat service: the
// participants directory and conversation history/send endpoints. It
// shares the relay and credential verifier with the WebSocket gateway,
// so both surfaces enforce identical authorization and validation.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/dealerhub/chat-service/internal/auth"
	"github.com/dealerhub/chat-service/internal/chat"
)

// TokenVerifier validates a bearer credential into an identity.
// *auth.Verifier implements it.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// Handlers serves the REST endpoints. All routes require a valid
// bearer token; the identity it carries is the sender for any write.
type Handlers struct {
	relay    *chat.Relay
	verifier TokenVerifier
	presence chat.PresenceChecker
}

// NewHandlers creates the REST handler set.
func NewHandlers(relay *chat.Relay, verifier TokenVerifier, presence chat.PresenceChecker) *Handlers {
	return &Handlers{
		relay:    relay,
		verifier: verifier,
		presence: presence,
	}
}

// Register mounts the REST routes on the given mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/chat/participants", h.withAuth(h.handleParticipants))
	mux.HandleFunc("/chat/messages/", h.withAuth(h.handleMessages))
}

// withAuth wraps a handler with bearer token verification. Failure
// responds 401 before the inner handler runs.
func (h *Handlers) withAuth(next func(w http.ResponseWriter, r *http.Request, id auth.Identity)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := h.verifier.Verify(auth.FromRequest(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credential")
			return
		}
		next(w, r, identity)
	}
}

// participantView is a directory entry enriched with live presence.
type participantView struct {
	ID          string    `json:"id"`
	Role        chat.Role `json:"role"`
	DisplayName string    `json:"display_name"`
	ContactInfo string    `json:"contact_info,omitempty"`
	Online      bool      `json:"online"`
}

// handleParticipants lists the participants the caller may converse
// with: admins see the user directory, users see the admin list.
func (h *Handlers) handleParticipants(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET only")
		return
	}

	participants, err := h.relay.Participants(r.Context(), id.Role)
	if err != nil {
		log.Printf("api: participants query failed: %v", err)
		writeError(w, http.StatusBadGateway, "persistence_error", "directory unavailable")
		return
	}

	views := make([]participantView, 0, len(participants))
	for _, p := range participants {
		views = append(views, participantView{
			ID:          p.ID,
			Role:        p.Role,
			DisplayName: p.DisplayName,
			ContactInfo: p.ContactInfo,
			Online:      h.presence != nil && h.presence.IsOnline(p.ID),
		})
	}

	writeJSON(w, http.StatusOK, views)
}

// handleMessages routes /chat/messages/{peerId} to history fetch (GET)
// or send (POST).
func (h *Handlers) handleMessages(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	peerID := strings.TrimPrefix(r.URL.Path, "/chat/messages/")
	if peerID == "" || strings.Contains(peerID, "/") {
		writeError(w, http.StatusNotFound, "not_found", "unknown resource")
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.handleHistory(w, r, id, peerID)
	case http.MethodPost:
		h.handleSend(w, r, id, peerID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET or POST only")
	}
}

// handleHistory returns the conversation with the peer in ascending
// sequence order. An optional since=N query parameter fetches only
// messages with sequence greater than N.
func (h *Handlers) handleHistory(w http.ResponseWriter, r *http.Request, id auth.Identity, peerID string) {
	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusUnprocessableEntity, "invalid_message", "since must be a non-negative integer")
			return
		}
		since = parsed
	}

	room, err := h.relay.Resolve(r.Context(), id.ID, id.Role, peerID)
	if err != nil {
		h.writeRelayError(w, err)
		return
	}

	messages, err := h.relay.History(r.Context(), room.Key, since)
	if err != nil {
		h.writeRelayError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messages)
}

type sendRequest struct {
	Content string `json:"content"`
}

// handleSend persists and delivers a message to the peer, responding
// 201 with the persisted message including its assigned sequence.
func (h *Handlers) handleSend(w http.ResponseWriter, r *http.Request, id auth.Identity, peerID string) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_message", "body must be JSON with a content field")
		return
	}

	msg, err := h.relay.Send(r.Context(), id.ID, id.Role, peerID, req.Content)
	if err != nil {
		h.writeRelayError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}

// writeRelayError maps relay sentinel errors onto the HTTP status
// surface: authorization failures 403, validation failures 422,
// storage failures 502.
func (h *Handlers) writeRelayError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, "not_authorized", "no conversation exists with that participant")
	case errors.Is(err, chat.ErrInvalidMessage):
		writeError(w, http.StatusUnprocessableEntity, "invalid_message", err.Error())
	case errors.Is(err, chat.ErrPersistence):
		writeError(w, http.StatusBadGateway, "persistence_error", "message store unavailable")
	default:
		log.Printf("api: unexpected relay error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: response encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}
