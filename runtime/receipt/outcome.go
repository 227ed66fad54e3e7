package receipt

import "fmt"

// Failure codes cover the platform error taxonomy. Handlers and the worker use
// these when converting errors into failed receipts.
const (
	// Validation
	CodeSchemaValidationFailed = "schema_validation_failed"
	CodeKeyMissing             = "key_missing"
	// Registry
	CodeToolNotFound    = "tool_not_found"
	CodeInvalidRegistry = "invalid_registry"
	// Execution
	CodeHandlerNotFound      = "handler_not_found"
	CodeExecutionTimeout     = "execution_timeout"
	CodeHandlerThrew         = "handler_threw"
	CodeReceiptWriteFailed   = "receipt_write_failed"
	CodeClaimFailed          = "claim_failed"
	CodeReceiptFieldsMissing = "receipt_fields_missing"
	// Database
	CodeUniqueViolation     = "unique_violation"
	CodeForeignKeyViolation = "foreign_key_violation"
	CodeConnectionError     = "connection_error"
	// Integration
	CodeNotConfigured = "not_configured"
	CodeAuthFailed    = "auth_failed"
	CodeRateLimited   = "rate_limited"
	CodeTimeout       = "timeout"
	CodeAPIError      = "api_error"
	// Idempotency
	CodeIdempotencyViolation = "violation"
	// Business
	CodePreconditionFailed     = "precondition_failed"
	CodeInvalidStateTransition = "invalid_state_transition"
)

type (
	// Failure is a structured error carried on failed calls and receipts.
	// It implements error so handlers can return it directly.
	Failure struct {
		Code    string         `json:"code" bson:"code"`
		Message string         `json:"message" bson:"message"`
		Details map[string]any `json:"details,omitempty" bson:"details,omitempty"`
	}

	// NotConfiguredInfo explains why a tool's external dependency is absent and
	// what the caller can do about it. It becomes the result of a
	// not_configured receipt.
	NotConfiguredInfo struct {
		Reason      string   `json:"reason"`
		RequiredEnv []string `json:"required_env"`
		NextSteps   []string `json:"next_steps"`
	}

	// Outcome is the tagged variant a handler produces and the worker persists:
	// Succeeded(result, effects) | NotConfigured(reason, required_env,
	// next_steps) | Failed(code, message, details). Exactly one branch is set.
	Outcome struct {
		Status  Status
		Result  map[string]any
		Effects Effects
		Failure *Failure
	}
)

// Error implements error.
func (f *Failure) Error() string {
	if f.Message == "" {
		return f.Code
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// NewFailure builds a Failure with the given taxonomy code and message.
func NewFailure(code, message string) *Failure {
	return &Failure{Code: code, Message: message}
}

// WithDetails attaches structured details and returns the failure for chaining.
func (f *Failure) WithDetails(details map[string]any) *Failure {
	f.Details = details
	return f
}

// Success builds a succeeded outcome carrying the handler result and effects.
func Success(result map[string]any, effects Effects) *Outcome {
	if result == nil {
		result = map[string]any{}
	}
	if effects.DBWrites == nil {
		effects.DBWrites = []DBWrite{}
	}
	return &Outcome{
		Status:  StatusSucceeded,
		Result:  result,
		Effects: effects,
	}
}

// NotConfigured builds a not_configured outcome. The info fields become the
// receipt result so callers can surface reason, required_env, and next_steps.
func NotConfigured(toolName string, info NotConfiguredInfo) *Outcome {
	if info.Reason == "" {
		info.Reason = fmt.Sprintf("%s is not configured", toolName)
	}
	if info.RequiredEnv == nil {
		info.RequiredEnv = []string{}
	}
	if info.NextSteps == nil {
		info.NextSteps = []string{}
	}
	return &Outcome{
		Status: StatusNotConfigured,
		Result: map[string]any{
			"reason":       info.Reason,
			"required_env": info.RequiredEnv,
			"next_steps":   info.NextSteps,
		},
		Effects: Effects{DBWrites: []DBWrite{}},
	}
}

// Failed builds a failed outcome from a structured failure.
func Failed(f *Failure) *Outcome {
	if f == nil {
		f = NewFailure(CodeHandlerThrew, "handler failed")
	}
	detail := ErrorDetail{
		Code:    f.Code,
		Message: f.Message,
		Details: f.Details,
	}
	return &Outcome{
		Status:  StatusFailed,
		Result:  map[string]any{},
		Effects: Effects{DBWrites: []DBWrite{}, Errors: []ErrorDetail{detail}},
		Failure: f,
	}
}

// FailedFromError wraps an arbitrary handler error in a failed outcome. A
// *Failure keeps its code; anything else becomes handler_threw.
func FailedFromError(err error) *Outcome {
	if f, ok := err.(*Failure); ok {
		return Failed(f)
	}
	return Failed(NewFailure(CodeHandlerThrew, err.Error()))
}
