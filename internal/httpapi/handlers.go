package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sioree/messaging/internal/store"
	"github.com/sioree/messaging/internal/wire"
)

type conversationJSON struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	Title         string `json:"title,omitempty"`
	Peer          string `json:"peer,omitempty"`
	Preview       string `json:"lastMessagePreview,omitempty"`
	LastMessageAt string `json:"lastMessageAt,omitempty"`
	CreatedAt     string `json:"createdAt"`
	UnreadCount   int    `json:"unreadCount"`
}

func conversationFrom(c *store.Conversation) conversationJSON {
	out := conversationJSON{
		ID:          c.ID,
		Kind:        string(c.Kind),
		Title:       c.Title,
		Peer:        c.Peer,
		Preview:     c.Preview,
		CreatedAt:   millisToRFC3339(c.CreatedAt),
		UnreadCount: c.UnreadCount,
	}
	if c.LastMessageAt > 0 {
		out.LastMessageAt = millisToRFC3339(c.LastMessageAt)
	}
	return out
}

func millisToRFC3339(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

func (a *API) createDirectConversation(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "malformed json body")
		return
	}
	conv, err := a.db.GetOrCreateDirect(r.Context(), callerIdentity(r), in.UserID)
	if err != nil {
		a.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conversationFrom(conv))
}

func (a *API) createGroup(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Title     string   `json:"title"`
		MemberIDs []string `json:"memberIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "malformed json body")
		return
	}
	conv, err := a.db.CreateGroup(r.Context(), in.Title, callerIdentity(r), in.MemberIDs)
	if err != nil {
		a.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, conversationFrom(conv))
}

func (a *API) addGroupMember(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "malformed json body")
		return
	}
	convID := chi.URLParam(r, "conversationId")
	if err := a.db.AddGroupMember(r.Context(), convID, callerIdentity(r), in.UserID); err != nil {
		a.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) removeGroupMember(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversationId")
	member := chi.URLParam(r, "memberId")
	if err := a.db.RemoveGroupMember(r.Context(), convID, callerIdentity(r), member); err != nil {
		a.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) listConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := a.db.ListForParticipant(r.Context(), callerIdentity(r))
	if err != nil {
		a.respondServiceError(w, err)
		return
	}
	out := make([]conversationJSON, 0, len(convs))
	for i := range convs {
		out = append(out, conversationFrom(&convs[i]))
	}
	respondJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func (a *API) history(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversationId")
	identity := callerIdentity(r)

	ok, err := a.db.IsParticipant(r.Context(), convID, identity)
	if err != nil {
		a.respondServiceError(w, err)
		return
	}
	if !ok {
		a.respondServiceError(w, store.ErrNotAParticipant)
		return
	}

	limit := a.pageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < limit {
			limit = n
		}
	}
	var before int64
	if v := r.URL.Query().Get("before"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			before = n
		}
	}

	msgs, err := a.db.History(r.Context(), convID, limit, before)
	if err != nil {
		a.respondServiceError(w, err)
		return
	}
	out := make([]wire.MessagePayload, 0, len(msgs))
	for i := range msgs {
		out = append(out, wire.MessageFrom(&msgs[i]))
	}
	var next int64
	if len(msgs) == limit {
		next = msgs[len(msgs)-1].Seq
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": out, "nextBefore": next})
}

func (a *API) send(w http.ResponseWriter, r *http.Request) {
	var in wire.SendMessage
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "malformed json body")
		return
	}
	msg, state, err := a.dispatch.Send(r.Context(), callerIdentity(r), in)
	if err != nil {
		a.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"message":  wire.MessageFrom(msg),
		"delivery": string(state),
	})
}

func (a *API) markRead(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversationId")
	n, err := a.receipts.MarkConversationRead(r.Context(), convID, callerIdentity(r))
	if err != nil {
		a.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

// respondServiceError maps service errors onto HTTP statuses.
func (a *API) respondServiceError(w http.ResponseWriter, err error) {
	var ve *store.ValidationError
	switch {
	case errors.As(err, &ve):
		respondError(w, http.StatusBadRequest, "validation_error", ve.Reason)
	case errors.Is(err, store.ErrNotAParticipant):
		respondError(w, http.StatusForbidden, "not_a_participant", "not a participant of this conversation")
	case errors.Is(err, store.ErrConversationNotFound):
		respondError(w, http.StatusNotFound, "not_found", "conversation not found")
	default:
		a.logger.Error("request failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": msg},
	})
}
