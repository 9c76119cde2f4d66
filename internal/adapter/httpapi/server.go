// Package httpapi serves the operator endpoints: health, metrics and
// reconciliation controls.
package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/simaogato/tokenwallet-backend/internal/domain"
	"github.com/simaogato/tokenwallet-backend/internal/usecase/reconciler"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Handler exposes the reconciler over HTTP
type Handler struct {
	reconciler *reconciler.Service
	token      string
	logger     *zap.Logger
}

// NewRouter builds the operator router. Everything under /admin requires
// the bearer token.
func NewRouter(rec *reconciler.Service, token string, logger *zap.Logger) http.Handler {
	h := &Handler{reconciler: rec, token: token, logger: logger.Named("http")}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(h.requireToken)
	admin.HandleFunc("/reconcile", h.handleReconcileAll).Methods(http.MethodPost)
	admin.HandleFunc("/reconcile/{accountId}", h.handleReconcileAccount).Methods(http.MethodPost)
	admin.HandleFunc("/accounts/{accountId}/reconciliation", h.handleLatestEntry).Methods(http.MethodGet)
	admin.HandleFunc("/transactions/{id}/resolve", h.handleResolve).Methods(http.MethodPost)

	return r
}

func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if h.token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type reportView struct {
	Checked    int `json:"checked"`
	InSync     int `json:"in_sync"`
	Repaired   int `json:"repaired"`
	Diverged   int `json:"diverged"`
	Failed     int `json:"failed"`
	Resolved   int `json:"resolved"`
	Unresolved int `json:"unresolved"`
}

func (h *Handler) handleReconcileAll(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciler.ReconcileAll(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reportView(*report))
}

type entryView struct {
	ID              string `json:"id"`
	AccountID       string `json:"account_id"`
	OffChainBalance string `json:"off_chain_balance"`
	OnChainBalance  string `json:"on_chain_balance"`
	Divergence      string `json:"divergence"`
	InSync          bool   `json:"in_sync"`
	Repaired        bool   `json:"repaired"`
	CheckedAt       string `json:"checked_at"`
}

func toEntryView(e *domain.ReconciliationEntry) entryView {
	return entryView{
		ID:              e.ID.String(),
		AccountID:       e.AccountID,
		OffChainBalance: e.OffChainBalance.StringFixed(domain.AmountScale),
		OnChainBalance:  e.OnChainBalance.StringFixed(domain.AmountScale),
		Divergence:      e.Divergence().StringFixed(domain.AmountScale),
		InSync:          e.InSync(),
		Repaired:        e.Repaired,
		CheckedAt:       e.CheckedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (h *Handler) handleReconcileAccount(w http.ResponseWriter, r *http.Request) {
	entry, err := h.reconciler.ReconcileAccount(r.Context(), mux.Vars(r)["accountId"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryView(entry))
}

func (h *Handler) handleLatestEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.reconciler.LatestEntry(r.Context(), mux.Vars(r)["accountId"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryView(entry))
}

type transactionView struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	SenderID      string `json:"sender_id,omitempty"`
	ReceiverID    string `json:"receiver_id"`
	Amount        string `json:"amount"`
	Status        string `json:"status"`
	State         string `json:"state"`
	LedgerTxID    string `json:"ledger_tx_id,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	UpdatedAt     string `json:"updated_at"`
}

// handleResolve records the operator's decision for an unresolved
// transaction: ?committed=true when the ledger applied it.
func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid transaction id")
		return
	}
	committed, err := strconv.ParseBool(r.URL.Query().Get("committed"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "committed must be true or false")
		return
	}

	tx, err := h.reconciler.ResolvePending(r.Context(), id, committed)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.logger.Info("transaction resolved by operator",
		zap.Stringer("transaction_id", tx.ID),
		zap.String("state", string(tx.State)),
	)
	writeJSON(w, http.StatusOK, transactionView{
		ID:            tx.ID.String(),
		Type:          string(tx.Type),
		SenderID:      tx.SenderID,
		ReceiverID:    tx.ReceiverID,
		Amount:        tx.Amount.StringFixed(domain.AmountScale),
		Status:        string(tx.Status),
		State:         string(tx.State),
		LedgerTxID:    tx.LedgerTxID,
		FailureReason: tx.FailureReason,
		UpdatedAt:     tx.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrIdentityUnavailable), errors.Is(err, domain.ErrLedgerUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
