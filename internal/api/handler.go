package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/pointledger/internal/domain"
	"github.com/punchamoorthee/pointledger/internal/monitor"
	"github.com/punchamoorthee/pointledger/internal/payment"
	"github.com/punchamoorthee/pointledger/internal/service"
	"go.uber.org/zap"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})
)

const maxBodyBytes = 1 << 20

// Error codes returned in the "error" field.
const (
	codeInvalidPlatform      = "INVALID_PLATFORM"
	codeInvalidAmount        = "INVALID_AMOUNT"
	codeBadRequest           = "BAD_REQUEST"
	codeAccountNotFound      = "ACCOUNT_NOT_FOUND"
	codeDistributionNotFound = "DISTRIBUTION_NOT_FOUND"
	codeOrderNotFound        = "ORDER_NOT_FOUND"
	codeInsufficientPoints   = "INSUFFICIENT_POINTS"
	codeStorageUnavailable   = "STORAGE_UNAVAILABLE"
	codeUnauthorized         = "UNAUTHORIZED"
	codeConflict             = "CONFLICT"
)

// AccountStore is the read and settings surface the handlers need directly.
type AccountStore interface {
	CreateAccount(ctx context.Context) (domain.Account, error)
	GetAccount(ctx context.Context, id string) (domain.Account, error)
	ListEntries(ctx context.Context, accountID string, limit int) ([]domain.LedgerEntry, error)
	CreateMonitor(ctx context.Context, m domain.Monitor) (domain.Monitor, error)
	ListMonitors(ctx context.Context, ownerID string) ([]domain.Monitor, error)
	DeleteMonitor(ctx context.Context, ownerID string, id int64) (bool, error)
	SetTelegramToken(ctx context.Context, ownerID, token string) error
}

type Params struct {
	Accounts   AccountStore
	Billing    *service.BillingService
	Recharge   *service.RechargeService
	Payments   *payment.Service
	AdminToken string
	Log        *zap.Logger
}

type Handler struct {
	accounts   AccountStore
	billing    *service.BillingService
	recharge   *service.RechargeService
	payments   *payment.Service
	adminToken string
	log        *zap.Logger
}

func NewHandler(p Params) *Handler {
	if p.Log == nil {
		p.Log = zap.NewNop()
	}
	return &Handler{
		accounts:   p.Accounts,
		billing:    p.Billing,
		recharge:   p.Recharge,
		payments:   p.Payments,
		adminToken: p.AdminToken,
		log:        p.Log.Named("api"),
	}
}

// Register mounts the v1 routes on r.
func (h *Handler) Register(r *mux.Router) {
	r.Use(instrument)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/billing/downloads", h.BillDownload).Methods(http.MethodPost)

	v1.HandleFunc("/accounts", h.CreateAccount).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}", h.GetAccount).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/entries", h.ListEntries).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/monitors", h.ListMonitors).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/monitors", h.CreateMonitor).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}/monitors/{monitorID:[0-9]+}", h.DeleteMonitor).Methods(http.MethodDelete)
	v1.HandleFunc("/accounts/{id}/telegram", h.SetTelegramToken).Methods(http.MethodPut)

	if h.payments != nil {
		v1.HandleFunc("/payments/ecpay/orders", h.CreatePaymentOrder).Methods(http.MethodPost)
		v1.HandleFunc("/payments/ecpay/orders/{tradeNo}", h.GetPaymentOrder).Methods(http.MethodGet)
		v1.HandleFunc("/payments/ecpay/notify", h.PaymentNotify).Methods(http.MethodPost)
	}

	admin := v1.NewRoute().Subrouter()
	admin.Use(h.requireAdmin)
	admin.HandleFunc("/recharges", h.Recharge).Methods(http.MethodPost)
	admin.HandleFunc("/admin/accounts/{id}/balance", h.UpdateBalance).Methods(http.MethodPatch)
}

func (h *Handler) BillDownload(w http.ResponseWriter, r *http.Request) {
	var req domain.BillRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.billing.BillDownload(r.Context(), req)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, res)
}

type rechargeRequest struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
	Memo      string `json:"memo"`
}

func (h *Handler) Recharge(w http.ResponseWriter, r *http.Request) {
	var req rechargeRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.recharge.ApplyRecharge(r.Context(), req.AccountID, req.Amount, service.RechargeReason(req.Memo))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, res)
}

func (h *Handler) UpdateBalance(w http.ResponseWriter, r *http.Request) {
	var req domain.BalanceUpdate
	if !h.decode(w, r, &req) {
		return
	}

	change, err := h.recharge.UpdateBalance(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	entries := change.Entries
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	h.respondJSON(w, r, http.StatusOK, map[string]any{
		"ok":      true,
		"balance": change.Current,
		"entries": entries,
	})
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := h.accounts.CreateAccount(r.Context())
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusCreated, map[string]any{"ok": true, "id": acc.ID})
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := h.accounts.GetAccount(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, acc)
}

func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.respondError(w, r, http.StatusBadRequest, codeBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = min(n, 1000)
	}

	entries, err := h.accounts.ListEntries(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, entries)
}

type monitorRequest struct {
	Kind             domain.MonitorKind    `json:"kind"`
	Threshold        int64                 `json:"threshold"`
	Metric           domain.DownloadMetric `json:"metric"`
	DistributionCode string                `json:"distribution_code"`
	Target           string                `json:"target"`
	Message          string                `json:"message"`
	IsActive         *bool                 `json:"is_active"`
}

func (h *Handler) CreateMonitor(w http.ResponseWriter, r *http.Request) {
	var req monitorRequest
	if !h.decode(w, r, &req) {
		return
	}

	m := domain.Monitor{
		OwnerID:          mux.Vars(r)["id"],
		Kind:             req.Kind,
		Threshold:        req.Threshold,
		Metric:           req.Metric,
		DistributionCode: req.DistributionCode,
		Target:           req.Target,
		Message:          req.Message,
		IsActive:         req.IsActive == nil || *req.IsActive,
	}
	if err := monitor.Validate(&m); err != nil {
		h.respondErr(w, r, err)
		return
	}

	created, err := h.accounts.CreateMonitor(r.Context(), m)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusCreated, created)
}

func (h *Handler) ListMonitors(w http.ResponseWriter, r *http.Request) {
	monitors, err := h.accounts.ListMonitors(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, monitors)
}

func (h *Handler) DeleteMonitor(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, err := strconv.ParseInt(vars["monitorID"], 10, 64)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, codeBadRequest, "invalid monitor id")
		return
	}

	deleted, err := h.accounts.DeleteMonitor(r.Context(), vars["id"], id)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	if !deleted {
		h.respondError(w, r, http.StatusNotFound, "MONITOR_NOT_FOUND", "monitor not found")
		return
	}
	h.respondJSON(w, r, http.StatusOK, map[string]any{"ok": true})
}

type telegramRequest struct {
	BotToken string `json:"bot_token"`
}

func (h *Handler) SetTelegramToken(w http.ResponseWriter, r *http.Request) {
	var req telegramRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.accounts.SetTelegramToken(r.Context(), mux.Vars(r)["id"], strings.TrimSpace(req.BotToken)); err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, map[string]any{"ok": true})
}

type paymentOrderRequest struct {
	AccountID string `json:"account_id"`
	Points    int64  `json:"points"`
	Amount    int64  `json:"amount"`
}

func (h *Handler) CreatePaymentOrder(w http.ResponseWriter, r *http.Request) {
	var req paymentOrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	// Orders without an explicit point count credit one point per unit paid.
	if req.Points == 0 {
		req.Points = req.Amount
	}

	checkout, err := h.payments.CreateOrder(r.Context(), req.AccountID, req.Points, req.Amount)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusCreated, map[string]any{"ok": true, "checkout": checkout})
}

// GetPaymentOrder only reveals an order to the account that placed it.
func (h *Handler) GetPaymentOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.payments.GetOrder(r.Context(), mux.Vars(r)["tradeNo"])
	if err == nil && order.AccountID != r.URL.Query().Get("account_id") {
		err = domain.ErrOrderNotFound
	}
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, map[string]any{"ok": true, "order": order})
}

// PaymentNotify answers the provider in its plain-text protocol: "1|OK"
// acknowledges, anything else makes the provider retry.
func (h *Handler) PaymentNotify(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		h.respondText(w, r, http.StatusBadRequest, "0|BadRequest")
		return
	}
	form := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}

	err := h.payments.HandleNotify(r.Context(), form)
	switch {
	case err == nil:
		h.respondText(w, r, http.StatusOK, "1|OK")
	case errors.Is(err, payment.ErrInvalidMAC):
		h.log.Warn("payment notify rejected", zap.String("trade_no", form["MerchantTradeNo"]))
		h.respondText(w, r, http.StatusBadRequest, "0|CheckMacValueError")
	case errors.Is(err, payment.ErrAmountMismatch):
		h.respondText(w, r, http.StatusBadRequest, "0|AmountMismatch")
	case errors.Is(err, domain.ErrOrderNotFound):
		h.respondText(w, r, http.StatusBadRequest, "0|OrderNotFound")
	case errors.Is(err, domain.ErrInvalidInput):
		h.respondText(w, r, http.StatusBadRequest, "0|MissingTradeNo")
	default:
		h.log.Error("payment notify failed", zap.String("trade_no", form["MerchantTradeNo"]), zap.Error(err))
		h.respondText(w, r, http.StatusInternalServerError, "0|Exception")
	}
}

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if h.adminToken == "" || !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(h.adminToken)) != 1 {
			h.respondError(w, r, http.StatusUnauthorized, codeUnauthorized, "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Helpers

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		h.respondError(w, r, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (h *Handler) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		msg = "storage unavailable, retry later"
	}
	h.respondError(w, r, status, code, msg)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidPlatform):
		return http.StatusBadRequest, codeInvalidPlatform
	case errors.Is(err, domain.ErrInvalidAmount):
		return http.StatusBadRequest, codeInvalidAmount
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, codeBadRequest
	case errors.Is(err, domain.ErrAccountNotFound):
		return http.StatusNotFound, codeAccountNotFound
	case errors.Is(err, domain.ErrDistributionNotFound):
		return http.StatusNotFound, codeDistributionNotFound
	case errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound, codeOrderNotFound
	case errors.Is(err, domain.ErrInsufficientPoints):
		return http.StatusPaymentRequired, codeInsufficientPoints
	case errors.Is(err, domain.ErrDuplicate):
		return http.StatusConflict, codeConflict
	default:
		return http.StatusInternalServerError, codeStorageUnavailable
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, r *http.Request, code int, payload any) {
	httpReqTotal.WithLabelValues(r.Method, endpoint(r), strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, code int, errCode, msg string) {
	h.respondJSON(w, r, code, map[string]any{"ok": false, "error": errCode, "message": msg})
}

func (h *Handler) respondText(w http.ResponseWriter, r *http.Request, code int, body string) {
	httpReqTotal.WithLabelValues(r.Method, endpoint(r), strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	w.Write([]byte(body))
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := prometheus.NewTimer(httpLatency.WithLabelValues(r.Method, endpoint(r)))
		defer timer.ObserveDuration()
		next.ServeHTTP(w, r)
	})
}

// endpoint labels metrics with the route template so ids don't explode cardinality.
func endpoint(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
