// Package httpapi is the REST surface of the messaging core. It shares
// the send pipeline and read reconciler with the websocket channel, so
// a message posted here is pushed to online recipients the same way.
package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sioree/messaging/internal/auth"
	"github.com/sioree/messaging/internal/delivery"
	"github.com/sioree/messaging/internal/receipts"
	"github.com/sioree/messaging/internal/store"
)

type ctxKey int

const identityKey ctxKey = 0

// API holds the handlers for the REST surface.
type API struct {
	db       *store.DB
	dispatch *delivery.Dispatcher
	receipts *receipts.Reconciler
	verifier *auth.Verifier
	logger   *zap.Logger
	pageSize int
}

// New creates the REST API. pageSize caps history page length.
func New(db *store.DB, dispatch *delivery.Dispatcher, rec *receipts.Reconciler, verifier *auth.Verifier, logger *zap.Logger, pageSize int) *API {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &API{
		db:       db,
		dispatch: dispatch,
		receipts: rec,
		verifier: verifier,
		logger:   logger.Named("httpapi"),
		pageSize: pageSize,
	}
}

// Router builds the full HTTP mux, mounting the websocket handler at
// /ws next to the REST routes.
func (a *API) Router(wsHandler http.Handler, origins []string) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/ws", wsHandler)

	r.Route("/api/messages", func(r chi.Router) {
		r.Use(a.requireAuth)
		r.Post("/conversation", a.createDirectConversation)
		r.Post("/group", a.createGroup)
		r.Post("/group/{conversationId}/members", a.addGroupMember)
		r.Delete("/group/{conversationId}/members/{memberId}", a.removeGroupMember)
		r.Get("/conversations", a.listConversations)
		r.Get("/{conversationId}", a.history)
		r.Post("/", a.send)
		r.Post("/{conversationId}/read", a.markRead)
	})
	return r
}

// requireAuth verifies the bearer token and stashes the caller identity
// in the request context.
func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if header == "" || token == header {
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		identity, err := a.verifier.Identity(token)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, identity)))
	})
}

func callerIdentity(r *http.Request) string {
	id, _ := r.Context().Value(identityKey).(string)
	return id
}
