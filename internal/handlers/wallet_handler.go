package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/loopcoin/wallet-backend/internal/config"
	"github.com/loopcoin/wallet-backend/internal/middleware"
	"github.com/loopcoin/wallet-backend/internal/services"
)

type WalletHandler struct {
	wallets   *services.WalletService
	ledger    *services.LedgerService
	transfers *services.TransferService
	gifts     *services.GiftService
	cfg       *config.Service
	validator *services.ValidationHelper
}

func NewWalletHandler(wallets *services.WalletService, ledger *services.LedgerService, transfers *services.TransferService, gifts *services.GiftService, cfg *config.Service) *WalletHandler {
	return &WalletHandler{
		wallets:   wallets,
		ledger:    ledger,
		transfers: transfers,
		gifts:     gifts,
		cfg:       cfg,
		validator: services.NewValidationHelper(),
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	return true
}

// GetWallet returns the caller's wallet
// @Summary Get wallet
// @Description Return the authenticated user's wallet balances and statistics
// @Tags Wallet
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.Wallet
// @Failure 404 {object} services.ErrorResponse
// @Router /wallet [get]
func (h *WalletHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFrom(r.Context())
	if userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	wallet, err := h.wallets.GetWallet(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// GetLedgerHistory returns the caller's ledger entries
// @Summary Ledger history
// @Description Paginated double-entry history for the authenticated user
// @Tags Wallet
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Page size"
// @Param offset query int false "Offset"
// @Success 200 {array} models.LedgerEntry
// @Router /wallet/ledger [get]
func (h *WalletHandler) GetLedgerHistory(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFrom(r.Context())
	if userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	entries, err := h.ledger.GetAccountHistory(r.Context(), userID, limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "entries": entries})
}

// CanSpend checks whether a debit would currently succeed
// @Summary Can-spend check
// @Description Report whether the caller could spend the given amount right now
// @Tags Wallet
// @Produce json
// @Security BearerAuth
// @Param amount query int true "Amount in smallest units"
// @Param category query string false "Coin category"
// @Success 200 {object} object{canSpend=bool,reason=string}
// @Router /wallet/can-spend [get]
func (h *WalletHandler) CanSpend(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFrom(r.Context())
	if userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	amount, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
	if err != nil || amount <= 0 {
		services.SendErrorResponse(w, "amount must be a positive integer", http.StatusBadRequest, nil)
		return
	}

	err = h.wallets.CanSpend(r.Context(), userID, amount, r.URL.Query().Get("category"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"canSpend": true})
	case services.IsValidation(err) || err == services.ErrInsufficientBalance || err == services.ErrWalletFrozen:
		writeJSON(w, http.StatusOK, map[string]any{"canSpend": false, "reason": err.Error()})
	default:
		writeServiceError(w, err)
	}
}

// ValidateRecipient checks a transfer or gift target
// @Summary Validate recipient
// @Description Report whether a user can receive coins; names are masked and unknown users are indistinguishable from ineligible ones
// @Tags Wallet
// @Produce json
// @Security BearerAuth
// @Param userId path string true "Recipient user ID"
// @Success 200 {object} services.RecipientInfo
// @Router /recipients/{userId} [get]
func (h *WalletHandler) ValidateRecipient(w http.ResponseWriter, r *http.Request) {
	if middleware.UserIDFrom(r.Context()) == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	info, err := h.wallets.ValidateRecipient(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// InitiateTransfer starts a peer-to-peer transfer
// @Summary Initiate transfer
// @Description Start a transfer; amounts at or above the step-up threshold require OTP confirmation
// @Tags Transfers
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{recipientId=string,amount=int64,coinCategory=string} true "Transfer request"
// @Success 200 {object} services.TransferResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 422 {object} services.ErrorResponse
// @Failure 429 {object} services.ErrorResponse
// @Router /transfers [post]
func (h *WalletHandler) InitiateTransfer(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFrom(r.Context())
	if userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		RecipientID    string `json:"recipientId" validate:"required"`
		Amount         int64  `json:"amount" validate:"required,gt=0"`
		CoinCategory   string `json:"coinCategory" validate:"coincategory"`
		MerchantID     string `json:"merchantId"`
		Note           string `json:"note"`
		IdempotencyKey string `json:"idempotencyKey"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.transfers.Initiate(r.Context(), services.InitiateTransferInput{
		SenderID:       userID,
		RecipientID:    req.RecipientID,
		Amount:         req.Amount,
		CoinCategory:   req.CoinCategory,
		MerchantID:     req.MerchantID,
		Note:           req.Note,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ConfirmTransfer confirms an OTP-gated transfer
// @Summary Confirm transfer
// @Description Submit the OTP for a pending transfer
// @Tags Transfers
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Transfer ID"
// @Param request body object{otp=string} true "OTP"
// @Success 200 {object} services.TransferResult
// @Failure 400 {object} services.ErrorResponse
// @Router /transfers/{id}/confirm [post]
func (h *WalletHandler) ConfirmTransfer(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFrom(r.Context())
	if userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	transferID := chi.URLParam(r, "id")

	var req struct {
		OTP string `json:"otp" validate:"required,len=6,numeric"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.transfers.Confirm(r.Context(), userID, transferID, req.OTP)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// SendGift sends a coin gift
// @Summary Send gift
// @Description Send an instant or scheduled coin gift
// @Tags Gifts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{recipientId=string,amount=int64,theme=string} true "Gift request"
// @Success 200 {object} services.GiftResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 422 {object} services.ErrorResponse
// @Failure 429 {object} services.ErrorResponse
// @Router /gifts [post]
func (h *WalletHandler) SendGift(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFrom(r.Context())
	if userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		RecipientID    string `json:"recipientId" validate:"required"`
		Amount         int64  `json:"amount" validate:"required,gt=0"`
		CoinCategory   string `json:"coinCategory" validate:"coincategory"`
		Theme          string `json:"theme" validate:"required"`
		Message        string `json:"message"`
		DeliveryMode   string `json:"deliveryMode"`
		ScheduledAt    string `json:"scheduledAt"`
		IdempotencyKey string `json:"idempotencyKey"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	var scheduledAt time.Time
	if req.ScheduledAt != "" {
		var err error
		scheduledAt, err = time.Parse(time.RFC3339, req.ScheduledAt)
		if err != nil {
			services.SendErrorResponse(w, "scheduledAt must be RFC3339", http.StatusBadRequest, nil)
			return
		}
	}

	result, err := h.gifts.Send(r.Context(), services.SendGiftInput{
		SenderID:       userID,
		RecipientID:    req.RecipientID,
		Amount:         req.Amount,
		CoinCategory:   req.CoinCategory,
		Theme:          req.Theme,
		Message:        req.Message,
		DeliveryMode:   req.DeliveryMode,
		ScheduledAt:    scheduledAt,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ClaimGift claims a delivered gift
// @Summary Claim gift
// @Description Claim a delivered, unexpired gift addressed to the caller
// @Tags Gifts
// @Produce json
// @Security BearerAuth
// @Param id path string true "Gift ID"
// @Success 200 {object} services.ClaimResult
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /gifts/{id}/claim [post]
func (h *WalletHandler) ClaimGift(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFrom(r.Context())
	if userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	result, err := h.gifts.Claim(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "gift": result})
}

// ReceivedGifts lists gifts addressed to the caller
// @Summary Received gifts
// @Tags Gifts
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Page size"
// @Success 200 {array} models.CoinGift
// @Router /gifts/received [get]
func (h *WalletHandler) ReceivedGifts(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFrom(r.Context())
	if userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	gifts, err := h.gifts.ReceivedGifts(r.Context(), userID, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "gifts": gifts})
}

// GiftClaimQR renders a claim QR code for a delivered gift
// @Summary Gift claim QR
// @Description Generate a QR code image for claiming a delivered gift
// @Tags Gifts
// @Produce json
// @Security BearerAuth
// @Param id path string true "Gift ID"
// @Success 200 {object} object{qrImage=string}
// @Failure 404 {object} services.ErrorResponse
// @Router /gifts/{id}/qr [get]
func (h *WalletHandler) GiftClaimQR(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFrom(r.Context())
	if userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	img, err := h.gifts.ClaimQR(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "qrImage": img})
}

// GiftConfig serves themes, denominations and limits
// @Summary Gift configuration
// @Tags Gifts
// @Produce json
// @Success 200 {object} object{themes=[]string,denominations=[]int64}
// @Router /gifts/config [get]
func (h *WalletHandler) GiftConfig(w http.ResponseWriter, r *http.Request) {
	limits := h.cfg.Limits()
	writeJSON(w, http.StatusOK, map[string]any{
		"themes":        limits.GiftThemes,
		"denominations": limits.GiftDenominations,
		"minAmount":     limits.GiftMin,
		"maxAmount":     limits.GiftMax,
		"maxPerDay":     limits.GiftsPerDay,
		"messageMaxLen": limits.GiftMessageMaxLen,
		"claimWindow":   limits.GiftClaimWindow.String(),
	})
}
