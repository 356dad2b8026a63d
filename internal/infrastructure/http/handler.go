package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	appPayment "github.com/Zhima-Mochi/payflow/internal/application/payment"
	domainPayment "github.com/Zhima-Mochi/payflow/internal/domain/payment"
)

type Handler struct {
	paymentService *appPayment.Service
}

func NewHandler(paymentSvc *appPayment.Service) *Handler {
	return &Handler{paymentService: paymentSvc}
}

func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/payment/process", h.method(http.MethodPost, h.handleProcessPayment))
	mux.HandleFunc("/payment/get", h.method(http.MethodGet, h.handleGetPayment))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return mux
}

type processPaymentRequest struct {
	AccountID              string            `json:"account_id"`
	TransactionType        string            `json:"transaction_type"`
	PaymentMethodID        string            `json:"payment_method_id"`
	PaymentID              string            `json:"payment_id"`
	PaymentExternalKey     string            `json:"payment_external_key"`
	TransactionExternalKey string            `json:"transaction_external_key"`
	Amount                 int64             `json:"amount"`
	Currency               string            `json:"currency"`
	PluginName             string            `json:"plugin_name"`
	Properties             map[string]string `json:"properties"`
	ControlPlugins         []string          `json:"control_plugins"`
}

type transactionResponse struct {
	TransactionID     string `json:"transaction_id"`
	ExternalKey       string `json:"external_key"`
	Type              string `json:"type"`
	Status            string `json:"status"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
	ProcessedAmount   int64  `json:"processed_amount"`
	ProcessedCurrency string `json:"processed_currency,omitempty"`
	GatewayErrorCode  string `json:"gateway_error_code,omitempty"`
	GatewayErrorMsg   string `json:"gateway_error_msg,omitempty"`
}

type paymentResponse struct {
	PaymentID        string                `json:"payment_id"`
	ExternalKey      string                `json:"external_key"`
	AccountID        string                `json:"account_id"`
	PaymentMethodID  string                `json:"payment_method_id"`
	StateName        string                `json:"state_name"`
	LastSuccessState string                `json:"last_success_state,omitempty"`
	Transactions     []transactionResponse `json:"transactions"`
}

type processPaymentResponse struct {
	Payment   *paymentResponse `json:"payment,omitempty"`
	Retrying  bool             `json:"retrying,omitempty"`
	NextRetry *time.Time       `json:"next_retry,omitempty"`
}

func (h *Handler) handleProcessPayment(w http.ResponseWriter, r *http.Request) {
	var req processPaymentRequest
	if err := decodeJSON(r.Context(), r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.paymentService.Execute(r.Context(), appPayment.ProcessPaymentInput{
		AccountID:              req.AccountID,
		TransactionType:        req.TransactionType,
		PaymentMethodID:        req.PaymentMethodID,
		PaymentID:              req.PaymentID,
		PaymentExternalKey:     req.PaymentExternalKey,
		TransactionExternalKey: req.TransactionExternalKey,
		Amount:                 req.Amount,
		Currency:               req.Currency,
		PluginName:             req.PluginName,
		Properties:             req.Properties,
		ControlPlugins:         req.ControlPlugins,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := processPaymentResponse{Retrying: result.Retrying}
	if result.Payment != nil {
		resp.Payment = toPaymentResponse(result.Payment)
	}
	if !result.NextRetry.IsZero() {
		t := result.NextRetry
		resp.NextRetry = &t
	}
	status := http.StatusOK
	if result.Retrying {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

func (h *Handler) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	var (
		pay *domainPayment.Payment
		err error
	)
	switch {
	case r.URL.Query().Get("payment_id") != "":
		pay, err = h.paymentService.GetPayment(r.Context(), r.URL.Query().Get("payment_id"))
	case r.URL.Query().Get("external_key") != "":
		pay, err = h.paymentService.GetPaymentByExternalKey(r.Context(), r.URL.Query().Get("external_key"))
	default:
		writeError(w, http.StatusBadRequest, errors.New("payment_id or external_key is required"))
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(pay))
}

func toPaymentResponse(p *domainPayment.Payment) *paymentResponse {
	resp := &paymentResponse{
		PaymentID:        p.ID,
		ExternalKey:      p.ExternalKey,
		AccountID:        p.AccountID,
		PaymentMethodID:  p.PaymentMethodID,
		StateName:        p.StateName,
		LastSuccessState: p.LastSuccessStateName,
		Transactions:     make([]transactionResponse, 0, len(p.Transactions)),
	}
	for _, t := range p.Transactions {
		resp.Transactions = append(resp.Transactions, transactionResponse{
			TransactionID:     t.ID,
			ExternalKey:       t.ExternalKey,
			Type:              string(t.Type),
			Status:            string(t.Status),
			Amount:            t.Amount,
			Currency:          t.Currency,
			ProcessedAmount:   t.ProcessedAmount,
			ProcessedCurrency: t.ProcessedCurrency,
			GatewayErrorCode:  t.GatewayErrorCode,
			GatewayErrorMsg:   t.GatewayErrorMsg,
		})
	}
	return resp
}

func (h *Handler) method(method string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
			return
		}
		handler(w, r)
	}
}

func decodeJSON(ctx context.Context, r *http.Request, dst any) error {
	_ = ctx
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch domainPayment.CodeOf(err) {
	case domainPayment.CodeNoSuchPayment, domainPayment.CodeNoSuchPaymentMethod:
		writeError(w, http.StatusNotFound, err)
	case domainPayment.CodeNoDefaultPaymentMethod:
		writeError(w, http.StatusBadRequest, err)
	case domainPayment.CodePluginApiAborted:
		writeError(w, http.StatusUnprocessableEntity, err)
	default:
		if errors.Is(err, domainPayment.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
	}
}
