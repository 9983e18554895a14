package types

// Error is the structured error returned across package boundaries.
type Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// NewError builds a structured error with the given code.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Common error codes
const (
	ErrValidation           = "VALIDATION_ERROR"
	ErrMalformedCode        = "MALFORMED_CODE"
	ErrOracleUnavailable    = "ORACLE_UNAVAILABLE"
	ErrAlreadyProcessed     = "ALREADY_PROCESSED"
	ErrAddressFormat        = "ADDRESS_FORMAT"
	ErrInvalidReference     = "INVALID_REFERENCE"
	ErrSigningNotConfigured = "SIGNING_NOT_CONFIGURED"
	ErrSessionNotFound      = "SESSION_NOT_FOUND"
	ErrExpired              = "EXPIRED"
	ErrAlreadyFinalized     = "ALREADY_FINALIZED"
	ErrMerchantNotFound     = "MERCHANT_NOT_FOUND"
	ErrNoWallet             = "NO_WALLET"
	ErrUnsupportedNetwork   = "UNSUPPORTED_NETWORK"
	ErrStore                = "STORE_ERROR"
	ErrSettlementFailed     = "SETTLEMENT_FAILED"
)

// ErrorCode extracts the code from a structured error, or empty string
// for any other error value.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
