/**
 * @description
 * Error taxonomy for the payment-intent-service. Every failure surfaced by an
 * operation carries a stable numeric code so callers (HTTP clients, consumers,
 * the operator CLI) can branch on it without parsing messages.
 *
 * Codes are grouped by origin:
 * - 1xx validation, 2xx authorization, 3xx lifecycle,
 *   4xx settlement pre-flight, 5xx refund, 9xx service.
 *
 * @dependencies
 * - errors, fmt: Standard Go libraries.
 */

package domain

import (
	"errors"
	"fmt"
)

// ErrorCode is the stable numeric identifier of a failure.
type ErrorCode int

const (
	CodeOK ErrorCode = 0

	CodeInvalidPaymentKind       ErrorCode = 101
	CodeInvalidCreator           ErrorCode = 102
	CodeDeadlineExpired          ErrorCode = 103
	CodeDeadlineInPast           ErrorCode = 104
	CodeDeadlineTooFar           ErrorCode = 105
	CodeInvalidContent           ErrorCode = 106
	CodeInvalidPaymentRequest    ErrorCode = 107
	CodeZeroAmount               ErrorCode = 108
	CodeFeeExceedsAmount         ErrorCode = 109
	CodeInvalidRecipient         ErrorCode = 110
	CodeInvalidRefundDestination ErrorCode = 111
	CodeAmountMismatch           ErrorCode = 112
	CodeInvalidAddress           ErrorCode = 113

	CodeSignatureNotFound      ErrorCode = 201
	CodeInvalidSignatureFormat ErrorCode = 202
	CodeUnauthorizedSigner     ErrorCode = 203
	CodeAlreadySigned          ErrorCode = 204
	CodeNotIntentCreator       ErrorCode = 205
	CodeNoOperatorSignature    ErrorCode = 206
	CodeSignatureNotReady      ErrorCode = 207
	CodeMissingCapability      ErrorCode = 208

	CodeIntentAlreadyExists    ErrorCode = 301
	CodeIntentAlreadyProcessed ErrorCode = 302
	CodeIntentExpired          ErrorCode = 303
	CodePaymentContextNotFound ErrorCode = 304
	CodeRefundNotEligible      ErrorCode = 305

	CodeInvalidPermit     ErrorCode = 401
	CodeMismatchedContext ErrorCode = 402
	CodeQuoteUnavailable  ErrorCode = 403

	CodeRefundAlreadyRequested ErrorCode = 501
	CodeRefundNotRequested     ErrorCode = 502
	CodeRefundAlreadyProcessed ErrorCode = 503
	CodeInsufficientReserve    ErrorCode = 504

	CodeRateLimited ErrorCode = 901
	CodeInternal    ErrorCode = 999
)

// Error is a coded failure. Two errors match under errors.Is when their codes match,
// so detailed variants built with Errorf still compare equal to the sentinel.
type Error struct {
	Code    ErrorCode `json:"code"`
	Name    string    `json:"name"`
	Message string    `json:"message,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}

// Is reports whether target is a coded error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var registry = map[ErrorCode]*Error{}

func newError(code ErrorCode, name string) *Error {
	e := &Error{Code: code, Name: name}
	registry[code] = e
	return e
}

var (
	ErrInvalidPaymentKind       = newError(CodeInvalidPaymentKind, "InvalidPaymentKind")
	ErrInvalidCreator           = newError(CodeInvalidCreator, "InvalidCreator")
	ErrDeadlineExpired          = newError(CodeDeadlineExpired, "DeadlineExpired")
	ErrDeadlineInPast           = newError(CodeDeadlineInPast, "DeadlineInPast")
	ErrDeadlineTooFar           = newError(CodeDeadlineTooFar, "DeadlineTooFar")
	ErrInvalidContent           = newError(CodeInvalidContent, "InvalidContent")
	ErrInvalidPaymentRequest    = newError(CodeInvalidPaymentRequest, "InvalidPaymentRequest")
	ErrZeroAmount               = newError(CodeZeroAmount, "ZeroAmount")
	ErrFeeExceedsAmount         = newError(CodeFeeExceedsAmount, "FeeExceedsAmount")
	ErrInvalidRecipient         = newError(CodeInvalidRecipient, "InvalidRecipient")
	ErrInvalidRefundDestination = newError(CodeInvalidRefundDestination, "InvalidRefundDestination")
	ErrAmountMismatch           = newError(CodeAmountMismatch, "AmountMismatch")
	ErrInvalidAddress           = newError(CodeInvalidAddress, "InvalidAddress")

	ErrSignatureNotFound      = newError(CodeSignatureNotFound, "SignatureNotFound")
	ErrInvalidSignatureFormat = newError(CodeInvalidSignatureFormat, "InvalidSignatureFormat")
	ErrUnauthorizedSigner     = newError(CodeUnauthorizedSigner, "UnauthorizedSigner")
	ErrAlreadySigned          = newError(CodeAlreadySigned, "AlreadySigned")
	ErrNotIntentCreator       = newError(CodeNotIntentCreator, "NotIntentCreator")
	ErrNoOperatorSignature    = newError(CodeNoOperatorSignature, "NoOperatorSignature")
	ErrSignatureNotReady      = newError(CodeSignatureNotReady, "SignatureNotReady")
	ErrMissingCapability      = newError(CodeMissingCapability, "MissingCapability")

	ErrIntentAlreadyExists    = newError(CodeIntentAlreadyExists, "IntentAlreadyExists")
	ErrIntentAlreadyProcessed = newError(CodeIntentAlreadyProcessed, "IntentAlreadyProcessed")
	ErrIntentExpired          = newError(CodeIntentExpired, "IntentExpired")
	ErrPaymentContextNotFound = newError(CodePaymentContextNotFound, "PaymentContextNotFound")
	ErrRefundNotEligible      = newError(CodeRefundNotEligible, "RefundNotEligible")

	ErrInvalidPermit     = newError(CodeInvalidPermit, "InvalidPermit")
	ErrMismatchedContext = newError(CodeMismatchedContext, "MismatchedContext")
	ErrQuoteUnavailable  = newError(CodeQuoteUnavailable, "QuoteUnavailable")

	ErrRefundAlreadyRequested = newError(CodeRefundAlreadyRequested, "RefundAlreadyRequested")
	ErrRefundNotRequested     = newError(CodeRefundNotRequested, "RefundNotRequested")
	ErrRefundAlreadyProcessed = newError(CodeRefundAlreadyProcessed, "RefundAlreadyProcessed")
	ErrInsufficientReserve    = newError(CodeInsufficientReserve, "InsufficientReserve")

	ErrRateLimited = newError(CodeRateLimited, "RateLimited")
	ErrInternal    = newError(CodeInternal, "Internal")
)

// Errorf returns a copy of base carrying a formatted detail message.
func Errorf(base *Error, format string, args ...interface{}) error {
	return &Error{Code: base.Code, Name: base.Name, Message: fmt.Sprintf(format, args...)}
}

// ErrorForCode returns the sentinel registered for code, or nil for CodeOK and unknown codes.
func ErrorForCode(code ErrorCode) *Error {
	return registry[code]
}

// CodeOf extracts the code from err. Uncoded errors report CodeInternal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return CodeOK
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternal
}

// Group names the origin of the code.
func (c ErrorCode) Group() string {
	switch {
	case c == CodeOK:
		return "ok"
	case c >= 100 && c < 200:
		return "validation"
	case c >= 200 && c < 300:
		return "authorization"
	case c >= 300 && c < 400:
		return "lifecycle"
	case c >= 400 && c < 500:
		return "settlement"
	case c >= 500 && c < 600:
		return "refund"
	default:
		return "service"
	}
}
