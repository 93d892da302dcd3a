package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"mercator-hq/warden/pkg/limits"
	"mercator-hq/warden/pkg/limits/storage"
	"mercator-hq/warden/pkg/proxy"
	"mercator-hq/warden/pkg/proxy/types"
)

// maxAdminBody bounds admin request bodies.
const maxAdminBody = 64 << 10

// Admin is the part of the admission engine the admin API exposes.
type Admin interface {
	GetUsage(ctx context.Context, key storage.Key) (*limits.Usage, error)
	Unblock(ctx context.Context, key storage.Key) (bool, error)
	Reset(ctx context.Context, key storage.Key) error
}

// KeyRequest identifies one rate limit key.
type KeyRequest struct {
	KeyType  string `json:"key_type"`
	ID       string `json:"id"`
	Endpoint string `json:"endpoint,omitempty"`
}

// Key validates the request and converts it to a storage key.
func (k KeyRequest) Key() (storage.Key, *types.ErrorResponse) {
	if k.ID == "" {
		return storage.Key{}, types.NewInvalidRequestError("id is required", "id", types.CodeMissingField)
	}
	kt, err := storage.ParseKeyType(k.KeyType)
	if err != nil {
		return storage.Key{}, types.NewInvalidRequestError(err.Error(), "key_type", types.CodeInvalidValue)
	}
	key := storage.Key{ID: k.ID, Type: kt}
	if k.Endpoint != "" {
		key.Endpoint = storage.ForEndpoint(k.Endpoint)
	}
	return key, nil
}

// UsageResponse is the JSON form of limits.Usage.
type UsageResponse struct {
	KeyType               string     `json:"key_type"`
	ID                    string     `json:"id"`
	Endpoint              string     `json:"endpoint,omitempty"`
	Found                 bool       `json:"found"`
	TotalRequestsLifetime float64    `json:"total_requests_lifetime"`
	CurrentWindowCount    int        `json:"current_window_count"`
	CurrentLoad           float64    `json:"current_load"`
	IsBlocked             bool       `json:"is_blocked"`
	BlockedUntil          *time.Time `json:"blocked_until,omitempty"`
	ConsecutiveBlockCount int        `json:"consecutive_block_count"`
	ExpiresAt             *time.Time `json:"expires_at,omitempty"`
}

// NewUsageResponse converts a usage view for JSON output.
func NewUsageResponse(u *limits.Usage) UsageResponse {
	resp := UsageResponse{
		KeyType:               string(u.Key.Type),
		ID:                    u.Key.ID,
		Found:                 u.Found,
		TotalRequestsLifetime: u.TotalRequestsLifetime,
		CurrentWindowCount:    u.CurrentWindowCount,
		CurrentLoad:           u.CurrentLoad,
		IsBlocked:             u.IsBlocked,
		ConsecutiveBlockCount: u.ConsecutiveBlockCount,
	}
	if path, ok := u.Key.Endpoint.Path(); ok {
		resp.Endpoint = path
	}
	if !u.BlockedUntil.IsZero() {
		t := u.BlockedUntil
		resp.BlockedUntil = &t
	}
	if !u.ExpiresAt.IsZero() {
		t := u.ExpiresAt
		resp.ExpiresAt = &t
	}
	return resp
}

// AdminHandler serves the operator endpoints for inspecting and clearing keys.
type AdminHandler struct {
	admin  Admin
	token  string
	logger *slog.Logger
}

// NewAdminHandler creates the admin API. A non-empty token requires
// "Authorization: Bearer <token>" on every call.
func NewAdminHandler(admin Admin, token string, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{
		admin:  admin,
		token:  token,
		logger: logger.With("component", "proxy.admin"),
	}
}

// Register mounts the admin routes on mux.
func (h *AdminHandler) Register(mux *http.ServeMux) {
	mux.Handle("/admin/usage", h.authorize(http.HandlerFunc(h.HandleUsage)))
	mux.Handle("/admin/unblock", h.authorize(http.HandlerFunc(h.HandleUnblock)))
	mux.Handle("/admin/reset", h.authorize(http.HandlerFunc(h.HandleReset)))
}

func (h *AdminHandler) authorize(next http.Handler) http.Handler {
	if h.token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := proxy.ExtractAPIKey(r)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
			_ = proxy.WriteJSONResponse(w, http.StatusUnauthorized, types.NewErrorResponse(
				"admin token required", "authentication_error", "", "",
			))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HandleUsage handles GET /admin/usage?key_type=ip&id=10.0.0.1[&endpoint=/v1/chat].
func (h *AdminHandler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		_ = proxy.WriteErrorResponse(w, types.NewMethodNotAllowedError(r.Method))
		return
	}

	q := r.URL.Query()
	key, errResp := KeyRequest{
		KeyType:  q.Get("key_type"),
		ID:       q.Get("id"),
		Endpoint: q.Get("endpoint"),
	}.Key()
	if errResp != nil {
		_ = proxy.WriteErrorResponse(w, errResp)
		return
	}

	usage, err := h.admin.GetUsage(r.Context(), key)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	_ = proxy.WriteJSONResponse(w, http.StatusOK, NewUsageResponse(usage))
}

// HandleUnblock handles POST /admin/unblock with a KeyRequest body.
func (h *AdminHandler) HandleUnblock(w http.ResponseWriter, r *http.Request) {
	key, ok := h.decodeKey(w, r)
	if !ok {
		return
	}

	changed, err := h.admin.Unblock(r.Context(), key)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "admin unblock", "key_type", key.Type, "changed", changed)
	_ = proxy.WriteJSONResponse(w, http.StatusOK, map[string]bool{"unblocked": changed})
}

// HandleReset handles POST /admin/reset with a KeyRequest body.
func (h *AdminHandler) HandleReset(w http.ResponseWriter, r *http.Request) {
	key, ok := h.decodeKey(w, r)
	if !ok {
		return
	}

	if err := h.admin.Reset(r.Context(), key); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "admin reset", "key_type", key.Type)
	_ = proxy.WriteJSONResponse(w, http.StatusOK, map[string]bool{"reset": true})
}

func (h *AdminHandler) decodeKey(w http.ResponseWriter, r *http.Request) (storage.Key, bool) {
	if r.Method != http.MethodPost {
		_ = proxy.WriteErrorResponse(w, types.NewMethodNotAllowedError(r.Method))
		return storage.Key{}, false
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		_ = proxy.WriteErrorResponse(w, types.NewInvalidRequestError("content type must be application/json", "", types.CodeInvalidValue))
		return storage.Key{}, false
	}

	var req KeyRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		_ = proxy.WriteErrorResponse(w, types.NewInvalidRequestError("invalid JSON body: "+err.Error(), "", types.CodeInvalidJSON))
		return storage.Key{}, false
	}

	key, errResp := req.Key()
	if errResp != nil {
		_ = proxy.WriteErrorResponse(w, errResp)
		return storage.Key{}, false
	}
	return key, true
}

func (h *AdminHandler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.ErrorContext(r.Context(), "admin operation failed", "path", r.URL.Path, "error", err)

	switch {
	case errors.Is(err, limits.ErrInvalidConfiguration):
		_ = proxy.WriteErrorResponse(w, types.NewInvalidRequestError(err.Error(), "", types.CodeInvalidValue))
	case errors.Is(err, limits.ErrContended):
		_ = proxy.WriteErrorResponse(w, types.NewServiceUnavailableError("key is contended, retry", types.CodeContended))
	default:
		_ = proxy.WriteErrorResponse(w, types.NewServiceUnavailableError("rate limit store unavailable", types.CodeStorageUnavailable))
	}
}
