package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/loopcoin/wallet-backend/internal/config"
	"github.com/loopcoin/wallet-backend/internal/middleware"
	"github.com/loopcoin/wallet-backend/internal/services"
)

type AdminHandler struct {
	wallets        *services.WalletService
	gifts          *services.GiftService
	transfers      *services.TransferService
	reconciliation *services.ReconciliationService
	cfg            *config.Service
	validator      *services.ValidationHelper
}

func NewAdminHandler(wallets *services.WalletService, gifts *services.GiftService, transfers *services.TransferService, reconciliation *services.ReconciliationService, cfg *config.Service) *AdminHandler {
	return &AdminHandler{
		wallets:        wallets,
		gifts:          gifts,
		transfers:      transfers,
		reconciliation: reconciliation,
		cfg:            cfg,
		validator:      services.NewValidationHelper(),
	}
}

// FreezeWallet freezes a user wallet
// @Summary Freeze wallet
// @Description Block all mutation on a wallet with a reason
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param userId path string true "User ID"
// @Param request body object{reason=string} true "Freeze reason"
// @Success 200 {object} object{success=bool}
// @Failure 404 {object} services.ErrorResponse
// @Router /admin/wallets/{userId}/freeze [post]
func (h *AdminHandler) FreezeWallet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason" validate:"required"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if err := h.wallets.Freeze(r.Context(), chi.URLParam(r, "userId"), req.Reason); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// UnfreezeWallet unfreezes a user wallet
// @Summary Unfreeze wallet
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Param userId path string true "User ID"
// @Success 200 {object} object{success=bool}
// @Router /admin/wallets/{userId}/unfreeze [post]
func (h *AdminHandler) UnfreezeWallet(w http.ResponseWriter, r *http.Request) {
	if err := h.wallets.Unfreeze(r.Context(), chi.URLParam(r, "userId")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// CancelGift cancels and refunds a pending or delivered gift
// @Summary Cancel gift
// @Description Cancel a gift with an operator reason; the sender is refunded
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Gift ID"
// @Param request body object{reason=string} true "Cancel reason"
// @Success 200 {object} object{success=bool}
// @Failure 409 {object} services.ErrorResponse
// @Router /admin/gifts/{id}/cancel [post]
func (h *AdminHandler) CancelGift(w http.ResponseWriter, r *http.Request) {
	operatorID := middleware.UserIDFrom(r.Context())

	var req struct {
		Reason string `json:"reason" validate:"required"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if err := h.gifts.AdminCancel(r.Context(), chi.URLParam(r, "id"), operatorID, req.Reason); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// RecomputeBalance reconciles one wallet against the ledger
// @Summary Recompute wallet balance
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Param userId path string true "User ID"
// @Success 200 {object} models.ReconciliationResult
// @Router /admin/reconciliation/{userId} [get]
func (h *AdminHandler) RecomputeBalance(w http.ResponseWriter, r *http.Request) {
	result, err := h.reconciliation.RecomputeWalletBalance(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// BulkReconciliation scans all wallets for drift
// @Summary Bulk reconciliation
// @Description Scan all wallets, classify drift and persist critical findings
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Param batchSize query int false "Scan page size"
// @Success 200 {object} models.ReconciliationSummary
// @Failure 409 {object} services.ErrorResponse
// @Router /admin/reconciliation/bulk [post]
func (h *AdminHandler) BulkReconciliation(w http.ResponseWriter, r *http.Request) {
	batchSize, _ := strconv.Atoi(r.URL.Query().Get("batchSize"))

	summary, err := h.reconciliation.BulkReconciliation(r.Context(), batchSize)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// AutoFix corrects a wallet's drift against the ledger
// @Summary Auto-fix drift
// @Description Dry-run by default; pass dryRun=false to post the correction
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Param userId path string true "User ID"
// @Param dryRun query bool false "Dry run (default true)"
// @Success 200 {object} services.AutoFixResult
// @Router /admin/reconciliation/{userId}/autofix [post]
func (h *AdminHandler) AutoFix(w http.ResponseWriter, r *http.Request) {
	operatorID := middleware.UserIDFrom(r.Context())

	dryRun := true
	if v := r.URL.Query().Get("dryRun"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			services.SendErrorResponse(w, "dryRun must be a boolean", http.StatusBadRequest, nil)
			return
		}
		dryRun = parsed
	}

	result, err := h.reconciliation.AutoFix(r.Context(), chi.URLParam(r, "userId"), operatorID, dryRun)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ReloadConfig re-reads wallet limits from the config source
// @Summary Reload configuration
// @Description Refresh the cached limit snapshot after a config change
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{success=bool}
// @Router /admin/config/reload [post]
func (h *AdminHandler) ReloadConfig(w http.ResponseWriter, r *http.Request) {
	h.cfg.Reload()
	limits := h.cfg.Limits()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"maxBalance":      limits.MaxBalance,
		"dailySpendLimit": limits.DailySpendLimit,
		"transferMin":     limits.TransferMin,
		"transferMax":     limits.TransferMax,
		"giftMin":         limits.GiftMin,
		"giftMax":         limits.GiftMax,
	})
}

// RunTransferRecovery triggers the stuck-transfer recovery job
// @Summary Run transfer recovery
// @Tags Jobs
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{recovered=int}
// @Router /internal/jobs/transfer-recovery [post]
func (h *AdminHandler) RunTransferRecovery(w http.ResponseWriter, r *http.Request) {
	n, err := h.transfers.RecoverStuckTransfers(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "recovered": n})
}

// RunGiftDelivery triggers the scheduled-gift delivery job
// @Summary Run gift delivery
// @Tags Jobs
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{delivered=int}
// @Router /internal/jobs/gift-delivery [post]
func (h *AdminHandler) RunGiftDelivery(w http.ResponseWriter, r *http.Request) {
	n, err := h.gifts.DeliverDueGifts(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "delivered": n})
}

// RunGiftExpiry triggers the gift expiry job
// @Summary Run gift expiry
// @Tags Jobs
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{expired=int}
// @Router /internal/jobs/gift-expiry [post]
func (h *AdminHandler) RunGiftExpiry(w http.ResponseWriter, r *http.Request) {
	n, err := h.gifts.ExpireGifts(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "expired": n})
}
