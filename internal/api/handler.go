// Package api serves the REST side of the signaling server.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"go-signal/internal/group"
	myMiddleware "go-signal/internal/middleware"
	"go-signal/internal/push"
	"go-signal/internal/registry"
)

type Handler struct {
	reg      *registry.Registry
	groups   *group.Store
	tokens   push.TokenStore
	vapidKey string
	log      *slog.Logger
}

func NewHandler(reg *registry.Registry, groups *group.Store, tokens push.TokenStore, vapidPublicKey string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{reg: reg, groups: groups, tokens: tokens, vapidKey: vapidPublicKey, log: log}
}

// Routes mounts the REST endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/ping", h.Ping)
	r.Get("/api/users", h.ListUsers)
	r.Get("/api/push/vapid-public-key", h.VAPIDPublicKey)

	r.Group(func(r chi.Router) {
		r.Use(myMiddleware.Identity)
		r.Get("/api/groups", h.ListGroups)
		r.Post("/api/push/fcm", h.StoreFCMToken)
		r.Post("/api/push/subscribe", h.Subscribe)
		r.Delete("/api/push/subscribe", h.Unsubscribe)
	})
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type UserItem struct {
	UserID   string `json:"user_id"`
	IsOnline bool   `json:"is_online"`
}

type GroupItem struct {
	GroupID   string   `json:"group_id"`
	Name      string   `json:"name"`
	Members   []string `json:"members"`
	CreatedBy string   `json:"created_by"`
}

type FCMTokenRequest struct {
	Token string `json:"token"`
}

type SubscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func toHTTP(err error) int {
	switch {
	case errors.Is(err, group.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, group.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, group.ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	status := toHTTP(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("api."+op, slog.Any("err", err))
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

// GET /ping
func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("pong"))
}

// GET /api/users
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users := h.reg.Users()
	out := make([]UserItem, 0, len(users))
	for _, u := range users {
		out = append(out, UserItem{UserID: u.UserID, IsOnline: u.Online})
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /api/groups?user_id=
func (h *Handler) ListGroups(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserFrom(r.Context())
	groups := h.groups.ForUser(userID)
	out := make([]GroupItem, 0, len(groups))
	for _, g := range groups {
		out = append(out, GroupItem{GroupID: g.ID, Name: g.Name, Members: g.Members, CreatedBy: g.CreatedBy})
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /api/push/vapid-public-key
func (h *Handler) VAPIDPublicKey(w http.ResponseWriter, r *http.Request) {
	if h.vapidKey == "" {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "web push is not configured"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_key": h.vapidKey})
}

// POST /api/push/fcm
func (h *Handler) StoreFCMToken(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserFrom(r.Context())
	var req FCMTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Token) == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid json"})
		return
	}
	if err := h.tokens.AddFCMToken(r.Context(), userID, req.Token); err != nil {
		h.fail(w, "StoreFCMToken", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/push/subscribe
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserFrom(r.Context())
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid json"})
		return
	}
	if req.Endpoint == "" || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "endpoint, keys.p256dh and keys.auth are required"})
		return
	}
	sub := push.Subscription{Endpoint: req.Endpoint, P256dh: req.Keys.P256dh, Auth: req.Keys.Auth}
	if err := h.tokens.AddSubscription(r.Context(), userID, sub); err != nil {
		h.fail(w, "Subscribe", err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// DELETE /api/push/subscribe
func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserFrom(r.Context())
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "endpoint is required"})
		return
	}
	if err := h.tokens.RemoveSubscription(r.Context(), userID, req.Endpoint); err != nil {
		h.fail(w, "Unsubscribe", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
