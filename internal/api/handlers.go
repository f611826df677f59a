/**
 * @description
 * HTTP handlers for the rental service. Handlers decode requests, call the order
 * coordinator and translate its error vocabulary into status codes.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/rental-service/internal/app"
	"github.com/transfa/rental-service/internal/domain"
	"github.com/transfa/rental-service/internal/ledger"
)

const maxWebhookBodyBytes = 1 << 20

// Service is the slice of the order coordinator the HTTP layer depends on.
type Service interface {
	Purchase(ctx context.Context, userID uuid.UUID, req domain.PurchaseRequest) (*domain.Order, error)
	Cancel(ctx context.Context, userID, orderID uuid.UUID) (*domain.Order, error)
	RefreshOrder(ctx context.Context, userID, orderID uuid.UUID) (*domain.Order, error)
	GetOrder(ctx context.Context, userID, orderID uuid.UUID) (*domain.Order, error)
	ListOrders(ctx context.Context, userID uuid.UUID, filter domain.OrderListFilter) ([]domain.Order, error)
	Account(ctx context.Context, userID uuid.UUID) (*domain.LedgerAccount, error)
	ListEntries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.LedgerEntry, error)
	Deposit(ctx context.Context, req domain.DepositRequest) (*ledger.Receipt, error)
	ChargePenalty(ctx context.Context, req domain.PenaltyRequest) (*ledger.Receipt, error)
	OpenAccount(ctx context.Context, req domain.OpenAccountRequest) (*domain.LedgerAccount, error)
	Audit(ctx context.Context, userID uuid.UUID) (*domain.AccountAudit, error)
}

// SweepRunner triggers reconciliation sweeps.
type SweepRunner interface {
	RunShared(ctx context.Context, opts domain.SweepOptions) (*domain.SweepReport, error)
}

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	WebhookSecret string
	SweepDefaults domain.SweepOptions
}

// Handler holds the services the HTTP handlers interact with.
type Handler struct {
	service       Service
	sweeps        SweepRunner
	webhookSecret string
	sweepDefaults domain.SweepOptions
}

// NewHandler creates a new Handler. sweeps may be nil, in which case sweep triggers
// answer 503.
func NewHandler(service Service, sweeps SweepRunner, opts HandlerOptions) *Handler {
	return &Handler{
		service:       service,
		sweeps:        sweeps,
		webhookSecret: opts.WebhookSecret,
		sweepDefaults: opts.SweepDefaults,
	}
}

type receiptResponse struct {
	Entry    domain.LedgerEntry `json:"entry"`
	Balance  int64              `json:"balance"`
	Replayed bool               `json:"replayed"`
}

func newReceiptResponse(receipt *ledger.Receipt) receiptResponse {
	return receiptResponse{Entry: receipt.Entry, Balance: receipt.Balance, Replayed: receipt.Replayed}
}

func (h *Handler) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	account, err := h.service.Account(r.Context(), userID)
	if err != nil {
		writeServiceError(w, "get_balance", err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (h *Handler) handleListEntries(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	limit, offset, ok := parsePage(w, r, 50, 200)
	if !ok {
		return
	}

	entries, err := h.service.ListEntries(r.Context(), userID, limit, offset)
	if err != nil {
		writeServiceError(w, "list_entries", err)
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req domain.PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=create_order outcome=reject reason=invalid_json err=%v", err)
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	order, err := h.service.Purchase(r.Context(), userID, req)
	if err != nil {
		writeServiceError(w, "create_order", err)
		return
	}
	log.Printf("level=info component=api endpoint=create_order outcome=created user_id=%s order_id=%s service=%s", userID, order.ID, order.Service)
	writeJSON(w, http.StatusCreated, order)
}

func (h *Handler) handleListOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	limit, offset, ok := parsePage(w, r, 20, 100)
	if !ok {
		return
	}

	filter := domain.OrderListFilter{
		Status: domain.OrderStatus(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status")))),
		Limit:  limit,
		Offset: offset,
	}
	orders, err := h.service.ListOrders(r.Context(), userID, filter)
	if err != nil {
		writeServiceError(w, "list_orders", err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	h.withOrder(w, r, "get_order", h.service.GetOrder)
}

func (h *Handler) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	h.withOrder(w, r, "cancel_order", h.service.Cancel)
}

func (h *Handler) handleRefreshOrder(w http.ResponseWriter, r *http.Request) {
	h.withOrder(w, r, "refresh_order", h.service.RefreshOrder)
}

func (h *Handler) withOrder(w http.ResponseWriter, r *http.Request, endpoint string, fn func(ctx context.Context, userID, orderID uuid.UUID) (*domain.Order, error)) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order ID")
		return
	}

	order, err := fn(r.Context(), userID, orderID)
	if err != nil {
		writeServiceError(w, endpoint, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type paymentWebhook struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type paymentWebhookData struct {
	Reference string          `json:"reference"`
	Status    string          `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Metadata  struct {
		UserID string `json:"user_id"`
	} `json:"metadata"`
}

// handlePaymentWebhook credits confirmed KoraPay charges. The signature covers the raw
// data object exactly as sent.
func (h *Handler) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Could not read body")
		return
	}

	var event paymentWebhook
	if err := json.Unmarshal(body, &event); err != nil || len(event.Data) == 0 {
		log.Printf("level=warn component=api endpoint=payment_webhook outcome=reject reason=invalid_json")
		writeError(w, http.StatusBadRequest, "Invalid webhook payload")
		return
	}
	if !validSignature(h.webhookSecret, event.Data, r.Header.Get(SignatureHeader)) {
		log.Printf("level=warn component=api endpoint=payment_webhook outcome=reject reason=invalid_signature")
		writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	var data paymentWebhookData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid webhook data")
		return
	}
	if event.Event != "charge.success" || !strings.EqualFold(data.Status, "success") {
		log.Printf("level=info component=api endpoint=payment_webhook outcome=ignored event=%s status=%s reference=%s", event.Event, data.Status, data.Reference)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	userID, err := uuid.Parse(data.Metadata.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Webhook metadata is missing a valid user_id")
		return
	}
	minor := data.Amount.Shift(2)
	if !minor.Equal(minor.Truncate(0)) {
		writeError(w, http.StatusBadRequest, "Amount has more precision than the currency allows")
		return
	}
	if minor.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		writeError(w, http.StatusBadRequest, "Amount is out of range")
		return
	}

	receipt, err := h.service.Deposit(r.Context(), domain.DepositRequest{
		UserID:    userID,
		Amount:    minor.IntPart(),
		Reference: data.Reference,
		Currency:  strings.ToUpper(data.Currency),
	})
	if errors.Is(err, app.ErrAlreadyApplied) {
		log.Printf("level=info component=api endpoint=payment_webhook outcome=duplicate reference=%s", data.Reference)
		if receipt == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
		writeJSON(w, http.StatusOK, newReceiptResponse(receipt))
		return
	}
	if err != nil {
		writeServiceError(w, "payment_webhook", err)
		return
	}
	log.Printf("level=info component=api endpoint=payment_webhook outcome=credited user_id=%s reference=%s amount=%d", userID, data.Reference, receipt.Entry.Amount)
	writeJSON(w, http.StatusOK, newReceiptResponse(receipt))
}

func (h *Handler) handleOpenAccount(w http.ResponseWriter, r *http.Request) {
	var req domain.OpenAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	account, err := h.service.OpenAccount(r.Context(), req)
	if err != nil {
		writeServiceError(w, "open_account", err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

func (h *Handler) handleChargePenalty(w http.ResponseWriter, r *http.Request) {
	var req domain.PenaltyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	receipt, err := h.service.ChargePenalty(r.Context(), req)
	if err != nil {
		writeServiceError(w, "charge_penalty", err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptResponse(receipt))
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	audit, err := h.service.Audit(r.Context(), userID)
	if err != nil {
		writeServiceError(w, "audit", err)
		return
	}
	writeJSON(w, http.StatusOK, audit)
}

func (h *Handler) handleRunSweep(w http.ResponseWriter, r *http.Request) {
	if h.sweeps == nil {
		writeError(w, http.StatusServiceUnavailable, "Sweeper not configured")
		return
	}

	var payload struct {
		DryRun bool `json:"dry_run"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	opts := h.sweepDefaults
	opts.DryRun = payload.DryRun
	report, err := h.sweeps.RunShared(r.Context(), opts)
	if errors.Is(err, app.ErrSweepInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		log.Printf("level=error component=api endpoint=run_sweep outcome=failed err=%v", err)
		writeError(w, http.StatusInternalServerError, "Sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func parsePage(w http.ResponseWriter, r *http.Request, defaultLimit, maxLimit int) (int, int, bool) {
	limit, err := parseOptionalPositiveInt(r.URL.Query().Get("limit"), defaultLimit)
	if err != nil || limit == 0 {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return 0, 0, false
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	offset, err := parseOptionalPositiveInt(r.URL.Query().Get("offset"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid offset")
		return 0, 0, false
	}
	return limit, offset, true
}

func parseOptionalPositiveInt(raw string, defaultValue int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, errors.New("must be >= 0")
	}
	return value, nil
}

// statusForError maps coordinator errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, app.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, app.ErrAccountNotFound), errors.Is(err, app.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrOrderAlreadyTerminal),
		errors.Is(err, app.ErrAccountExists),
		errors.Is(err, app.ErrPurchaseLimitExceeded),
		errors.Is(err, app.ErrOrderNotExpired):
		return http.StatusConflict
	case errors.Is(err, app.ErrPurchaseRateLimited), errors.Is(err, app.ErrProviderRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, app.ErrProviderRejected), errors.Is(err, app.ErrNoInventory):
		return http.StatusBadGateway
	case errors.Is(err, app.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, app.ErrAmbiguousProviderOutcome):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	status := statusForError(err)
	var retry *app.RetryAfterError
	if errors.As(err, &retry) && retry.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(retry.RetryAfter.Round(time.Second)/time.Second)))
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("level=error component=api endpoint=%s outcome=failed err=%v", endpoint, err)
		message = "Internal server error"
		if errors.Is(err, app.ErrPersistenceAfterProviderSuccess) {
			message = app.ErrPersistenceAfterProviderSuccess.Error()
		}
	} else {
		log.Printf("level=warn component=api endpoint=%s outcome=rejected status=%d err=%v", endpoint, status, err)
	}
	writeError(w, status, message)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
