// Package ws exposes the realtime push channel. Each authenticated
// connection becomes the identity's registry session; inbound events
// drive the dispatcher, typing signaler, and read reconciler.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/sioree/messaging/internal/auth"
	"github.com/sioree/messaging/internal/bus"
	"github.com/sioree/messaging/internal/delivery"
	"github.com/sioree/messaging/internal/presence"
	"github.com/sioree/messaging/internal/receipts"
	"github.com/sioree/messaging/internal/registry"
	"github.com/sioree/messaging/internal/store"
	"github.com/sioree/messaging/internal/wire"
)

// Handler upgrades HTTP requests to websocket sessions.
type Handler struct {
	verifier *auth.Verifier
	reg      *registry.Registry
	dispatch *delivery.Dispatcher
	typing   *presence.Signaler
	receipts *receipts.Reconciler
	bus      *bus.Bus
	logger   *zap.Logger
	origins  []string
}

// NewHandler wires the push channel to the messaging services.
func NewHandler(verifier *auth.Verifier, reg *registry.Registry, dispatch *delivery.Dispatcher, typing *presence.Signaler, rec *receipts.Reconciler, b *bus.Bus, logger *zap.Logger, origins []string) *Handler {
	return &Handler{
		verifier: verifier,
		reg:      reg,
		dispatch: dispatch,
		typing:   typing,
		receipts: rec,
		bus:      b,
		logger:   logger.Named("ws"),
		origins:  origins,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.verifier.Identity(bearerToken(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	opts := &websocket.AcceptOptions{}
	if len(h.origins) > 0 {
		opts.OriginPatterns = h.origins
	} else {
		// Local-first default: same-origin clients and CLI tools.
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		h.logger.Debug("accept failed", zap.Error(err))
		return
	}

	sess := newSession(identity, conn)
	h.reg.Register(sess)
	h.bus.Publish(bus.Event{Kind: bus.KindPresenceOnline, Timestamp: time.Now(), Payload: identity})
	h.logger.Info("session connected", zap.String("identity", identity), zap.String("conn_id", sess.id))

	defer func() {
		// A stale close after a reconnect must not evict the newer
		// session or announce a false offline transition.
		if h.reg.Unregister(sess) {
			h.bus.Publish(bus.Event{Kind: bus.KindPresenceOffline, Timestamp: time.Now(), Payload: identity})
		}
		_ = conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Info("session closed", zap.String("identity", identity), zap.String("conn_id", sess.id))
	}()

	h.readLoop(r.Context(), sess)
}

func (h *Handler) readLoop(ctx context.Context, sess *session) {
	for {
		var evt wire.Event
		if err := wsjson.Read(ctx, sess.conn, &evt); err != nil {
			return
		}
		h.handleEvent(ctx, sess, evt)
	}
}

func (h *Handler) handleEvent(ctx context.Context, sess *session, evt wire.Event) {
	switch evt.Type {
	case wire.TypeSendMessage:
		var in wire.SendMessage
		if err := json.Unmarshal(evt.Data, &in); err != nil {
			h.sendError(ctx, sess, wire.CodeMalformedEvent, "malformed send_message payload")
			return
		}
		if _, _, err := h.dispatch.Send(ctx, sess.Identity(), in); err != nil {
			code, msg := classify(err)
			h.sendError(ctx, sess, code, msg)
		}
		// The ack reaches the sender as a message_sent echo.

	case wire.TypeTyping:
		var in wire.Typing
		if err := json.Unmarshal(evt.Data, &in); err != nil {
			h.sendError(ctx, sess, wire.CodeMalformedEvent, "malformed typing payload")
			return
		}
		h.typing.SignalTyping(ctx, sess.Identity(), in.ReceiverID, in.IsTyping)

	case wire.TypeMarkRead:
		var in wire.MarkRead
		if err := json.Unmarshal(evt.Data, &in); err != nil {
			h.sendError(ctx, sess, wire.CodeMalformedEvent, "malformed mark_read payload")
			return
		}
		if _, err := h.receipts.MarkConversationRead(ctx, in.ConversationID, sess.Identity()); err != nil {
			code, msg := classify(err)
			h.sendError(ctx, sess, code, msg)
		}

	default:
		h.sendError(ctx, sess, wire.CodeUnsupportedEvent, "unsupported event type: "+evt.Type)
	}
}

// sendError reports a rejected event to the offending client only.
func (h *Handler) sendError(ctx context.Context, sess *session, code, msg string) {
	evt, err := wire.NewEvent(wire.TypeError, wire.ErrorPayload{Code: code, Message: msg})
	if err != nil {
		return
	}
	if err := sess.Send(ctx, evt); err != nil {
		h.logger.Debug("error push failed", zap.String("identity", sess.Identity()), zap.Error(err))
	}
}

// classify maps service errors to wire error codes.
func classify(err error) (code, msg string) {
	var ve *store.ValidationError
	switch {
	case errors.As(err, &ve):
		return wire.CodeValidation, ve.Reason
	case errors.Is(err, store.ErrNotAParticipant):
		return wire.CodeNotAParticipant, store.ErrNotAParticipant.Error()
	case errors.Is(err, store.ErrConversationNotFound):
		return wire.CodeNotFound, store.ErrConversationNotFound.Error()
	default:
		return wire.CodeStorage, "message could not be stored"
	}
}

// bearerToken pulls the JWT from the Authorization header, or from the
// token query parameter for browser websocket clients that cannot set
// headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
