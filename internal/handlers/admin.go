package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/services"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	"github.com/go-chi/chi/v5"
)

// LockoutAdminService defines the administrator view of the lockout policy
type LockoutAdminService interface {
	LoginAttempts(ctx context.Context) ([]*models.LoginAttemptRecord, error)
	LoginAttempt(ctx context.Context, address string) (*models.LoginAttemptRecord, error)
	ResetLoginAttempts(ctx context.Context, address, actor string) error
	AddressList(ctx context.Context, list string) ([]*models.AddressListEntry, error)
	AddToAllowlist(ctx context.Context, address, reason, actor string) error
	AddToDenylist(ctx context.Context, address, reason, actor string) error
	RemoveFromList(ctx context.Context, address, list, actor string) error
	LoginHistory(ctx context.Context, limit int) ([]*models.LoginHistoryEntry, error)
	Sweep(ctx context.Context) (services.SweepResult, error)
}

// SettingsAdminService reads and replaces the security settings
type SettingsAdminService interface {
	Current(ctx context.Context) (models.SecuritySettings, error)
	Update(ctx context.Context, settings models.SecuritySettings) error
}

// AdminHandler handles administrator HTTP requests
type AdminHandler struct {
	lockout  LockoutAdminService
	settings SettingsAdminService
	logger   *slog.Logger
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(lockout LockoutAdminService, settings SettingsAdminService, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{lockout: lockout, settings: settings, logger: logger}
}

// AddressListRequest adds an address to a list
type AddressListRequest struct {
	Address string `json:"address" validate:"required,ip"`
	Reason  string `json:"reason" validate:"max=255"`
}

// SettingsPayload is the wire form of the security settings. Durations are
// whole seconds.
type SettingsPayload struct {
	MaxAttempts          int      `json:"max_attempts" validate:"gte=1,lte=100"`
	LockoutSeconds       int64    `json:"lockout_duration_seconds" validate:"gte=0"`
	LongLockoutThreshold int      `json:"long_lockout_threshold" validate:"gte=1"`
	LongLockoutSeconds   int64    `json:"long_lockout_duration_seconds" validate:"gte=0"`
	AutoBlacklist        bool     `json:"auto_blacklist"`
	NotifyAdmin          bool     `json:"notify_admin"`
	AdminEmail           string   `json:"admin_email" validate:"omitempty,email"`
	BlockType            string   `json:"block_type" validate:"oneof=message silent"`
	SiteWideBlock        bool     `json:"site_wide_block"`
	TwoFactorRoles       []string `json:"twofa_required_roles"`
	TwoFactorMethod      string   `json:"twofa_method" validate:"oneof=authenticator email"`
}

func settingsPayload(s models.SecuritySettings) SettingsPayload {
	return SettingsPayload{
		MaxAttempts:          s.MaxAttempts,
		LockoutSeconds:       int64(s.LockoutDuration / time.Second),
		LongLockoutThreshold: s.LongLockoutThreshold,
		LongLockoutSeconds:   int64(s.LongLockoutDuration / time.Second),
		AutoBlacklist:        s.AutoBlacklist,
		NotifyAdmin:          s.NotifyAdmin,
		AdminEmail:           s.AdminEmail,
		BlockType:            s.BlockType,
		SiteWideBlock:        s.SiteWideBlock,
		TwoFactorRoles:       s.TwoFactorRoles,
		TwoFactorMethod:      s.TwoFactorMethod,
	}
}

func (p SettingsPayload) settings() models.SecuritySettings {
	roles := p.TwoFactorRoles
	if roles == nil {
		roles = []string{}
	}
	return models.SecuritySettings{
		MaxAttempts:          p.MaxAttempts,
		LockoutDuration:      time.Duration(p.LockoutSeconds) * time.Second,
		LongLockoutThreshold: p.LongLockoutThreshold,
		LongLockoutDuration:  time.Duration(p.LongLockoutSeconds) * time.Second,
		AutoBlacklist:        p.AutoBlacklist,
		NotifyAdmin:          p.NotifyAdmin,
		AdminEmail:           p.AdminEmail,
		BlockType:            p.BlockType,
		SiteWideBlock:        p.SiteWideBlock,
		TwoFactorRoles:       roles,
		TwoFactorMethod:      p.TwoFactorMethod,
	}
}

// ListAttempts handles GET /admin/attempts
func (h *AdminHandler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	records, err := h.lockout.LoginAttempts(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, records)
}

// GetAttempt handles GET /admin/attempts/{address}
func (h *AdminHandler) GetAttempt(w http.ResponseWriter, r *http.Request) {
	record, err := h.lockout.LoginAttempt(r.Context(), addressParam(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, record)
}

// ResetAttempts handles DELETE /admin/attempts/{address}
func (h *AdminHandler) ResetAttempts(w http.ResponseWriter, r *http.Request) {
	if err := h.lockout.ResetLoginAttempts(r.Context(), addressParam(r), actor(r)); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListAddresses handles GET /admin/allowlist and GET /admin/denylist
func (h *AdminHandler) ListAddresses(list string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := h.lockout.AddressList(r.Context(), list)
		if err != nil {
			h.writeError(w, err)
			return
		}
		pkghttp.WriteJSON(w, http.StatusOK, entries)
	}
}

// AddAddress handles POST /admin/allowlist and POST /admin/denylist
func (h *AdminHandler) AddAddress(list string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AddressListRequest
		if err := decodeRequest(r, &req); err != nil {
			pkghttp.WriteBadRequest(w, err.Error())
			return
		}

		add := h.lockout.AddToDenylist
		if list == models.ListAllow {
			add = h.lockout.AddToAllowlist
		}
		if err := add(r.Context(), req.Address, req.Reason, actor(r)); err != nil {
			h.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}
}

// RemoveAddress handles DELETE /admin/{list}/{address}
func (h *AdminHandler) RemoveAddress(w http.ResponseWriter, r *http.Request) {
	list := chi.URLParam(r, "list")
	if err := h.lockout.RemoveFromList(r.Context(), addressParam(r), list, actor(r)); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// History handles GET /admin/history
// Accepts optional query param ?limit=N (1-1000, default 100).
func (h *AdminHandler) History(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= models.LoginHistoryCapacity {
			limit = n
		}
	}

	entries, err := h.lockout.LoginHistory(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, entries)
}

// Sweep handles POST /admin/sweep
func (h *AdminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	result, err := h.lockout.Sweep(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, result)
}

// GetSettings handles GET /admin/settings
func (h *AdminHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.settings.Current(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, settingsPayload(settings))
}

// UpdateSettings handles PUT /admin/settings
func (h *AdminHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsPayload
	if err := decodeRequest(r, &req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.settings.Update(r.Context(), req.settings()); err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.Info("security settings changed", slog.String("actor", actor(r)))
	pkghttp.WriteJSON(w, http.StatusOK, req)
}

func (h *AdminHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidAddress):
		pkghttp.WriteBadRequest(w, "Invalid address")
	case errors.Is(err, models.ErrBadRequest):
		pkghttp.WriteBadRequest(w, err.Error())
	case errors.Is(err, models.ErrNotFound):
		pkghttp.WriteNotFound(w, "Not found")
	default:
		h.logger.Error("admin request failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}

func addressParam(r *http.Request) string {
	raw := chi.URLParam(r, "address")
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded
	}
	return raw
}

// actor names the administrator for audit entries
func actor(r *http.Request) string {
	if claims := auth.GetClaimsFromContext(r); claims != nil {
		return claims.Login
	}
	return "unknown"
}
