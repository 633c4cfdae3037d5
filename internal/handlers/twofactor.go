package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/models"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
)

// TwoFactorServiceInterface is the enrollment side of the two-factor service
type TwoFactorServiceInterface interface {
	Status(ctx context.Context, account *models.Account) (*models.TwoFactorStatus, error)
	BeginEnrollment(ctx context.Context, account *models.Account) (*models.TwoFactorEnrollment, error)
	Enable(ctx context.Context, account *models.Account, code string) ([]string, error)
	Disable(ctx context.Context, accountID string) error
	IsVerificationCodeValid(ctx context.Context, accountID, code string) (bool, error)
	ConsumeBackupCode(ctx context.Context, accountID, code string) (bool, error)
	GenerateBackupCodes(ctx context.Context, accountID string) ([]string, error)
}

// TwoFactorHandler serves the signed-in account's two-factor endpoints
type TwoFactorHandler struct {
	service  TwoFactorServiceInterface
	accounts auth.AccountFetcher
	logger   *slog.Logger
}

// NewTwoFactorHandler creates a new TwoFactorHandler
func NewTwoFactorHandler(service TwoFactorServiceInterface, accounts auth.AccountFetcher, logger *slog.Logger) *TwoFactorHandler {
	return &TwoFactorHandler{service: service, accounts: accounts, logger: logger}
}

// VerificationCodeRequest carries a TOTP, email or backup code
type VerificationCodeRequest struct {
	Code string `json:"code" validate:"required,max=64"`
}

// BackupCodesResponse returns plaintext backup codes exactly once
type BackupCodesResponse struct {
	BackupCodes []string `json:"backup_codes"`
}

// Status handles GET /account/2fa
func (h *TwoFactorHandler) Status(w http.ResponseWriter, r *http.Request) {
	account, ok := h.currentAccount(w, r)
	if !ok {
		return
	}

	status, err := h.service.Status(r.Context(), account)
	if err != nil {
		h.writeError(w, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, status)
}

// Setup handles POST /account/2fa/setup
func (h *TwoFactorHandler) Setup(w http.ResponseWriter, r *http.Request) {
	account, ok := h.currentAccount(w, r)
	if !ok {
		return
	}

	enrollment, err := h.service.BeginEnrollment(r.Context(), account)
	if err != nil {
		h.writeError(w, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, enrollment)
}

// Enable handles POST /account/2fa/enable
func (h *TwoFactorHandler) Enable(w http.ResponseWriter, r *http.Request) {
	account, ok := h.currentAccount(w, r)
	if !ok {
		return
	}

	var req VerificationCodeRequest
	if err := decodeRequest(r, &req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	codes, err := h.service.Enable(r.Context(), account, req.Code)
	if err != nil {
		h.writeError(w, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, BackupCodesResponse{BackupCodes: codes})
}

// Disable handles POST /account/2fa/disable. An enabled profile can only be
// removed with a valid code.
func (h *TwoFactorHandler) Disable(w http.ResponseWriter, r *http.Request) {
	account, ok := h.currentAccount(w, r)
	if !ok {
		return
	}

	status, err := h.service.Status(r.Context(), account)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if status.Enabled {
		var req VerificationCodeRequest
		if err := decodeRequest(r, &req); err != nil {
			pkghttp.WriteBadRequest(w, err.Error())
			return
		}
		if !h.verify(w, r, account.ID, req.Code, true) {
			return
		}
	}

	if err := h.service.Disable(r.Context(), account.ID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RegenerateBackupCodes handles POST /account/2fa/backup-codes
func (h *TwoFactorHandler) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	account, ok := h.currentAccount(w, r)
	if !ok {
		return
	}

	status, err := h.service.Status(r.Context(), account)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !status.Enabled {
		pkghttp.WriteBadRequest(w, "Two-factor authentication is not enabled")
		return
	}

	var req VerificationCodeRequest
	if err := decodeRequest(r, &req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}
	if !h.verify(w, r, account.ID, req.Code, false) {
		return
	}

	codes, err := h.service.GenerateBackupCodes(r.Context(), account.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, BackupCodesResponse{BackupCodes: codes})
}

// verify checks code against the method factor, and optionally against the
// backup codes. It writes the failure response itself.
func (h *TwoFactorHandler) verify(w http.ResponseWriter, r *http.Request, accountID, code string, allowBackup bool) bool {
	ok, err := h.service.IsVerificationCodeValid(r.Context(), accountID, code)
	if err == nil && !ok && allowBackup {
		ok, err = h.service.ConsumeBackupCode(r.Context(), accountID, code)
	}
	if err != nil {
		h.writeError(w, err)
		return false
	}
	if !ok {
		pkghttp.WriteUnauthorized(w, "Invalid verification code")
		return false
	}
	return true
}

func (h *TwoFactorHandler) currentAccount(w http.ResponseWriter, r *http.Request) (*models.Account, bool) {
	claims := auth.GetClaimsFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return nil, false
	}

	account, err := h.accounts.GetByID(r.Context(), claims.AccountID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteUnauthorized(w, "Unauthorized")
			return nil, false
		}
		h.writeError(w, err)
		return nil, false
	}
	return account, true
}

func (h *TwoFactorHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidFactor):
		pkghttp.WriteUnauthorized(w, "Invalid verification code")
	case errors.Is(err, models.ErrTwoFactorEnabled):
		pkghttp.WriteConflict(w, "Two-factor authentication is already enabled")
	case errors.Is(err, models.ErrTwoFactorNotEnrolled):
		pkghttp.WriteBadRequest(w, "Start two-factor setup first")
	default:
		h.logger.Error("two-factor request failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}
