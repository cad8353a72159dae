package errors

// Additional error codes for the credit/rental domain, layered onto the
// general-purpose ErrorCode taxonomy above.
const (
	ErrCodeInsufficientBalance ErrorCode = "DOM_8001"
	ErrCodeAlreadyReleased     ErrorCode = "DOM_8002"
	ErrCodePolicyViolation     ErrorCode = "DOM_8003"
	ErrCodeTransient           ErrorCode = "DOM_8004"
)

// InsufficientBalance indicates a reservation or charge could not be
// satisfied by the account's available balance.
func InsufficientBalance(available, required string) *ServiceError {
	return New(ErrCodeInsufficientBalance, "insufficient balance", 402).
		WithDetails("available", available).
		WithDetails("required", required)
}

// AlreadyReleased indicates an operation targeted a reservation that has
// already been released or charged.
func AlreadyReleased(id string) *ServiceError {
	return New(ErrCodeAlreadyReleased, "reservation already released", 409).
		WithDetails("reservation_id", id)
}

// PolicyViolation indicates a deployment request violated a configured
// policy rule.
func PolicyViolation(rule string) *ServiceError {
	return New(ErrCodePolicyViolation, "policy violation", 422).
		WithDetails("rule", rule)
}

// Transient wraps an error that is safe to retry (network, lock contention,
// timeout) without violating any invariant.
func Transient(source string, err error) *ServiceError {
	return Wrap(ErrCodeTransient, "transient failure: "+source, 503, err)
}

// Fatal wraps an error that a retry cannot fix (bad config, crypto failure).
func Fatal(source string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, "fatal failure: "+source, 500, err)
}
