package types

import "fmt"

// ErrorCode represents a unified error code across the framework.
type ErrorCode string

// Orchestration error codes
const (
	ErrCodeScoringDegraded   ErrorCode = "SCORING_DEGRADED"   // 角色特质缺失，降级为中性评分
	ErrCodeSelectionFallback ErrorCode = "SELECTION_FALLBACK" // 无候选过线，回退到单一最佳
	ErrCodeGenerationFailed  ErrorCode = "GENERATION_FAILED"  // 生成后端失败
	ErrCodeRunConflict       ErrorCode = "RUN_CONFLICT"       // Run 尚未结束时收到新触发
	ErrCodeInvalidControl    ErrorCode = "INVALID_CONTROL"    // 在无效状态下发出的控制操作
	ErrCodeRateLimited       ErrorCode = "RATE_LIMITED"
	ErrCodeStoreUnavailable  ErrorCode = "STORE_UNAVAILABLE"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	AgentID   string    `json:"agent_id,omitempty"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithAgent tags the error with the agent it concerns.
func (e *Error) WithAgent(agentID string) *Error {
	e.AgentID = agentID
	return e
}

// IsErrorCode reports whether err is a *Error carrying the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	e, ok := err.(*Error)
	return ok && e.Code == code
}
