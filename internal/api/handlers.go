/**
 * @description
 * HTTP handlers for the payment-intent-service. Handlers decode the request,
 * take the caller from the request context and translate domain error codes
 * into HTTP statuses.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/bloom/payment-intent-service/internal/admin"
	"github.com/bloom/payment-intent-service/internal/domain"
)

const maxBodyBytes = 1 << 20

// IntentService is the application surface the handlers drive.
type IntentService interface {
	GetPaymentInfo(ctx context.Context, auth domain.AuthorizationContext, req domain.PaymentRequest) (domain.PaymentAmounts, error)
	CreateIntent(ctx context.Context, auth domain.AuthorizationContext, req domain.PaymentRequest) (*domain.Intent, domain.PaymentAmounts, error)
	GetIntentStatus(ctx context.Context, auth domain.AuthorizationContext, id domain.IntentID) (domain.IntentStatusView, error)
	SubmitSignature(ctx context.Context, auth domain.AuthorizationContext, id domain.IntentID, signature, claimedSigner string) (string, error)
	GetSignature(ctx context.Context, auth domain.AuthorizationContext, id domain.IntentID) (string, string, error)
	ExecuteDirect(ctx context.Context, auth domain.AuthorizationContext, id domain.IntentID) (bool, error)
	ExecuteWithPermit(ctx context.Context, auth domain.AuthorizationContext, id domain.IntentID, proof domain.PermitProof) (bool, error)
	CanExecute(ctx context.Context, auth domain.AuthorizationContext, id domain.IntentID, proof domain.PermitProof) (bool, domain.ErrorCode, error)
	CreateAndExecuteWithPermit(ctx context.Context, auth domain.AuthorizationContext, req domain.PaymentRequest, proof domain.PermitProof) (*domain.Intent, bool, error)
	RequestRefund(ctx context.Context, auth domain.AuthorizationContext, id domain.IntentID, reason string) (*domain.RefundRequest, error)
	GetRefundStatus(ctx context.Context, auth domain.AuthorizationContext, id domain.IntentID) (*domain.RefundRequest, error)
	PendingRefundBalance(ctx context.Context, auth domain.AuthorizationContext, payer string) (int64, error)
	ReportExternalOutcome(ctx context.Context, auth domain.AuthorizationContext, id domain.IntentID, success bool, observedAmount int64, reference, reason string) (bool, error)
	PayoutRefund(ctx context.Context, auth domain.AuthorizationContext, id domain.IntentID, coordinate bool) (*domain.RefundRequest, error)
	CreditReserve(ctx context.Context, auth domain.AuthorizationContext, amount int64) (int64, error)
	ReserveBalance(ctx context.Context, auth domain.AuthorizationContext) (int64, error)
	ListSigners(auth domain.AuthorizationContext) ([]string, string, error)
	AddSigner(auth domain.AuthorizationContext, addr string) (string, error)
	RemoveSigner(auth domain.AuthorizationContext, addr string) error
}

// Handler holds the application service that handlers interact with.
type Handler struct {
	service IntentService
}

// NewHandler creates a new Handler with the given service.
func NewHandler(service IntentService) *Handler {
	return &Handler{service: service}
}

type createIntentResponse struct {
	Intent  *domain.Intent        `json:"intent"`
	Amounts domain.PaymentAmounts `json:"amounts"`
}

type signatureRequest struct {
	Signature string `json:"signature"`
	Signer    string `json:"signer"`
}

type signatureResponse struct {
	IntentID  string `json:"intent_id"`
	Signature string `json:"signature"`
	Signer    string `json:"signer"`
}

type executionResponse struct {
	IntentID string `json:"intent_id"`
	Success  bool   `json:"success"`
}

type canExecuteResponse struct {
	CanExecute bool             `json:"can_execute"`
	Code       domain.ErrorCode `json:"code"`
	Reason     string           `json:"reason,omitempty"`
}

type createAndExecuteRequest struct {
	Request domain.PaymentRequest `json:"request"`
	Permit  domain.PermitProof    `json:"permit"`
}

type createAndExecuteResponse struct {
	Intent  *domain.Intent `json:"intent"`
	Success bool           `json:"success"`
}

type refundRequestBody struct {
	Reason string `json:"reason"`
}

type balanceResponse struct {
	Payer   string `json:"payer,omitempty"`
	Balance int64  `json:"balance"`
}

type outcomeReportRequest struct {
	Success        bool   `json:"success"`
	ObservedAmount int64  `json:"observed_amount"`
	Reference      string `json:"reference"`
	Reason         string `json:"reason"`
}

type reserveCreditRequest struct {
	Amount int64 `json:"amount"`
}

type signerRequest struct {
	Address string `json:"address"`
}

type signerListResponse struct {
	Signers       []string `json:"signers"`
	DefaultSigner string   `json:"default_signer"`
}

type errorResponse struct {
	Error   string           `json:"error"`
	Code    domain.ErrorCode `json:"code,omitempty"`
	Message string           `json:"message,omitempty"`
}

func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request) {
	auth, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req domain.PaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}

	amounts, err := h.service.GetPaymentInfo(r.Context(), auth, req)
	if err != nil {
		h.writeServiceError(w, "preview_intent", err)
		return
	}
	writeJSON(w, http.StatusOK, amounts)
}

func (h *Handler) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	auth, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req domain.PaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}

	intent, amounts, err := h.service.CreateIntent(r.Context(), auth, req)
	if err != nil {
		h.writeServiceError(w, "create_intent", err)
		return
	}
	writeJSON(w, http.StatusCreated, createIntentResponse{Intent: intent, Amounts: amounts})
}

func (h *Handler) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	auth, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := intentIDParam(w, r)
	if !ok {
		return
	}

	view, err := h.service.GetIntentStatus(r.Context(), auth, id)
	if err != nil {
		h.writeServiceError(w, "get_intent", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleGetSignature(w http.ResponseWriter, r *http.Request) {
	auth, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := intentIDParam(w, r)
	if !ok {
		return
	}

	signature, signer, err := h.service.GetSignature(r.Context(), auth, id)
	if err != nil {
		h.writeServiceError(w, "get_signature", err)
		return
	}
	writeJSON(w, http.StatusOK, signatureResponse{IntentID: id.String(), Signature: signature, Signer: signer})
}

func (h *Handler) handleSubmitSignature(w http.ResponseWriter, r *http.Request) {
	auth, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := intentIDParam(w, r)
	if !ok {
		return
	}
	var body signatureRequest
	if !decodeBody(w, r, &body) {
		return
	}

	signer, err := h.service.SubmitSignature(r.Context(), auth, id, body.Signature, body.Signer)
	if err != nil {
		h.writeServiceError(w, "submit_signature", err)
		return
	}
	writeJSON(w, http.StatusOK, signatureResponse{IntentID: id.String(), Signature: body.Signature, Signer: signer})
}

func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	auth, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := intentIDParam(w, r)
	if !ok {
		return
	}

	success, err := h.service.ExecuteDirect(r.Context(), auth, id)
	if err != nil {
		h.writeServiceError(w, "execute_direct", err)
		return
	}
	writeJSON(w, http.StatusOK, executionResponse{IntentID: id.String(), Success: success})
}

func (h *Handler) handleExecuteWithPermit(w http.ResponseWriter, r *http.Request) {
	auth, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := intentIDParam(w, r)
	if !ok {
		return
	}
	var proof domain.PermitProof
	if !decodeBody(w, r, &proof) {
		return
	}

	success, err := h.service.ExecuteWithPermit(r.Context(), auth, id, proof)
	if err != nil {
		h.writeServiceError(w, "execute_with_permit", err)
		return
	}
	writeJSON(w, http.StatusOK, executionResponse{IntentID: id.String(), Success: success})
}

func (h *Handler) handleCanExecute(w http.ResponseWriter, r *http.Request) {
	auth, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := intentIDParam(w, r)
	if !ok {
		return
	}
	var proof domain.PermitProof
	if !decodeBody(w, r, &proof) {
		return
	}

	can, code, err := h.service.CanExecute(r.Context(), auth, id, proof)
	if err != nil {
		h.writeServiceError(w, "can_execute", err)
		return
	}
	resp := canExecuteResponse{CanExecute: can, Code: code}
	if sentinel := domain.ErrorForCode(code); sentinel != nil {
		resp.Reason = sentinel.Name
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleCreateAndExecute(w http.ResponseWriter, r *http.Request) {
	auth, ok := h.caller(w, r)
	if !ok {
		return
	}
	var body createAndExecuteRequest
	if !decodeBody(w, r, &body) {
		return
	}

	intent, success, err := h.service.CreateAndExecuteWithPermit(r.Context(), auth, body.Request, body.Permit)
	if err != nil {
		h.writeServiceError(w, "create_and_execute", err)
		return
	}
	writeJSON(w, http.StatusCreated, createAndExecuteResponse{Intent: intent, Success: success})
}

func (h *Handler) handleRequestRefund(w http.ResponseWriter, r *http.Request) {
	auth, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := intentIDParam(w, r)
	if !ok {
		return
	}
	var body refundRequestBody
	if r.ContentLength != 0 && !decodeBody(w, r, &body) {
		return
	}

	refund, err := h.service.RequestRefund(r.Context(), auth, id, strings.TrimSpace(body.Reason))
	if err != nil {
		h.writeServiceError(w, "request_refund", err)
		return
	}
	writeJSON(w, http.StatusCreated, refund)
}

func (h *Handler) handleGetRefund(w http.ResponseWriter, r *http.Request) {
	auth, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := intentIDParam(w, r)
	if !ok {
		return
	}

	refund, err := h.service.GetRefundStatus(r.Context(), auth, id)
	if err != nil {
		h.writeServiceError(w, "get_refund", err)
		return
	}
	writeJSON(w, http.StatusOK, refund)
}

func (h *Handler) handlePendingBalance(w http.ResponseWriter, r *http.Request) {
	auth, ok := h.caller(w, r)
	if !ok {
		return
	}
	payer := strings.TrimSpace(r.URL.Query().Get("payer"))
	if payer == "" {
		payer = auth.Subject
	}

	balance, err := h.service.PendingRefundBalance(r.Context(), auth, payer)
	if err != nil {
		h.writeServiceError(w, "pending_refund_balance", err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Payer: strings.ToLower(payer), Balance: balance})
}

func (h *Handler) handleReportOutcome(w http.ResponseWriter, r *http.Request) {
	auth, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := intentIDParam(w, r)
	if !ok {
		return
	}
	var body outcomeReportRequest
	if !decodeBody(w, r, &body) {
		return
	}

	success, err := h.service.ReportExternalOutcome(r.Context(), auth, id, body.Success, body.ObservedAmount, body.Reference, body.Reason)
	if err != nil {
		h.writeServiceError(w, "report_outcome", err)
		return
	}
	writeJSON(w, http.StatusOK, executionResponse{IntentID: id.String(), Success: success})
}

func (h *Handler) handlePayoutRefund(w http.ResponseWriter, r *http.Request) {
	auth, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := intentIDParam(w, r)
	if !ok {
		return
	}
	coordinate := true
	if raw := r.URL.Query().Get("coordinate"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "coordinate must be a boolean")
			return
		}
		coordinate = parsed
	}

	refund, err := h.service.PayoutRefund(r.Context(), auth, id, coordinate)
	if err != nil {
		h.writeServiceError(w, "payout_refund", err)
		return
	}
	writeJSON(w, http.StatusOK, refund)
}

func (h *Handler) handleCreditReserve(w http.ResponseWriter, r *http.Request) {
	auth, ok := h.caller(w, r)
	if !ok {
		return
	}
	var body reserveCreditRequest
	if !decodeBody(w, r, &body) {
		return
	}

	balance, err := h.service.CreditReserve(r.Context(), auth, body.Amount)
	if err != nil {
		h.writeServiceError(w, "credit_reserve", err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Balance: balance})
}

func (h *Handler) handleReserveBalance(w http.ResponseWriter, r *http.Request) {
	auth, ok := h.caller(w, r)
	if !ok {
		return
	}

	balance, err := h.service.ReserveBalance(r.Context(), auth)
	if err != nil {
		h.writeServiceError(w, "reserve_balance", err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Balance: balance})
}

func (h *Handler) handleListSigners(w http.ResponseWriter, r *http.Request) {
	auth, ok := h.caller(w, r)
	if !ok {
		return
	}

	signers, defaultSigner, err := h.service.ListSigners(auth)
	if err != nil {
		h.writeServiceError(w, "list_signers", err)
		return
	}
	writeJSON(w, http.StatusOK, signerListResponse{Signers: signers, DefaultSigner: defaultSigner})
}

func (h *Handler) handleAddSigner(w http.ResponseWriter, r *http.Request) {
	auth, ok := h.caller(w, r)
	if !ok {
		return
	}
	var body signerRequest
	if !decodeBody(w, r, &body) {
		return
	}

	signer, err := h.service.AddSigner(auth, body.Address)
	if err != nil {
		h.writeServiceError(w, "add_signer", err)
		return
	}
	writeJSON(w, http.StatusCreated, signerRequest{Address: signer})
}

func (h *Handler) handleRemoveSigner(w http.ResponseWriter, r *http.Request) {
	auth, ok := h.caller(w, r)
	if !ok {
		return
	}

	if err := h.service.RemoveSigner(auth, chi.URLParam(r, "address")); err != nil {
		h.writeServiceError(w, "remove_signer", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (domain.AuthorizationContext, bool) {
	auth, ok := AuthorizationFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Could not get caller from context")
	}
	return auth, ok
}

func intentIDParam(w http.ResponseWriter, r *http.Request) (domain.IntentID, bool) {
	id, err := domain.ParseIntentID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid intent ID format")
		return domain.IntentID{}, false
	}
	return id, true
}

// decodeBody decodes a JSON body. Coded failures from field decoders (an
// unknown payment kind, for example) keep their domain status.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		var coded *domain.Error
		if errors.As(err, &coded) {
			writeDomainError(w, coded)
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("Invalid request body: %v", err))
		return false
	}
	return true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	var coded *domain.Error
	switch {
	case errors.As(err, &coded):
		writeDomainError(w, coded)
	case errors.Is(err, admin.ErrDefaultSignerRemoval):
		writeError(w, http.StatusConflict, "DefaultSignerRemoval", err.Error())
	default:
		log.Printf("level=error component=api op=%s err=%q", op, err)
		writeError(w, http.StatusInternalServerError, "Internal", "Internal server error")
	}
}

func writeDomainError(w http.ResponseWriter, err *domain.Error) {
	writeJSON(w, statusForCode(err.Code), errorResponse{Error: err.Name, Code: err.Code, Message: err.Message})
}

// statusForCode maps a domain error code onto an HTTP status.
func statusForCode(code domain.ErrorCode) int {
	switch code {
	case domain.CodeInvalidPaymentKind, domain.CodeInvalidPaymentRequest, domain.CodeInvalidAddress,
		domain.CodeInvalidSignatureFormat:
		return http.StatusBadRequest
	case domain.CodeMissingCapability, domain.CodeNotIntentCreator, domain.CodeUnauthorizedSigner:
		return http.StatusForbidden
	case domain.CodeSignatureNotFound, domain.CodePaymentContextNotFound, domain.CodeRefundNotRequested:
		return http.StatusNotFound
	case domain.CodeIntentExpired:
		return http.StatusGone
	case domain.CodeInsufficientReserve:
		return http.StatusPaymentRequired
	case domain.CodeQuoteUnavailable:
		return http.StatusServiceUnavailable
	case domain.CodeRateLimited:
		return http.StatusTooManyRequests
	}

	switch code.Group() {
	case "validation", "settlement":
		return http.StatusUnprocessableEntity
	case "authorization", "lifecycle", "refund":
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func writeError(w http.ResponseWriter, status int, name, message string) {
	writeJSON(w, status, errorResponse{Error: name, Message: message})
}
