package board

import (
	"errors"
	"net/http"

	"prism-board/domain"
)

// Codes used for failures outside the domain taxonomy.
const (
	CodeUnexpected         = "UNEXPECTED_ERROR"
	CodeDuplicateRequest   = "DUPLICATE_REQUEST"
	CodeBadRequest         = "BAD_REQUEST"
	unexpectedMessage      = "unexpected error"
	productionBoardMessage = "board operation failed"
)

// ErrorPayload is the structured form of a failed operation.
type ErrorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Result is the envelope returned by every outer surface.
type Result struct {
	Success bool          `json:"success"`
	Data    any           `json:"data,omitempty"`
	Error   *ErrorPayload `json:"error,omitempty"`
}

// OK wraps a successful payload.
func OK(data any) Result {
	return Result{Success: true, Data: data}
}

// Fail wraps err into a failed Result.
func Fail(err error, production bool) Result {
	p := Describe(err, production)
	return Result{Error: &p}
}

// Describe maps err to a payload. In production posture unexpected errors
// and storage failures carry a generic message; callers are expected to
// have logged the full error.
func Describe(err error, production bool) ErrorPayload {
	coded, ok := domain.AsCoded(err)
	if !ok {
		msg := unexpectedMessage
		if !production && err != nil {
			msg = err.Error()
		}
		return ErrorPayload{Code: CodeUnexpected, Message: msg}
	}
	p := ErrorPayload{Code: coded.Code(), Message: coded.Error(), Details: coded.Details()}
	var be *domain.BoardError
	if production && errors.As(err, &be) {
		p.Message = productionBoardMessage
	}
	return p
}

// HTTPStatus returns the response status for err.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	coded, ok := domain.AsCoded(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch coded.Code() {
	case domain.CodeValidation, domain.CodeInvalidLane, domain.CodePlanning:
		return http.StatusBadRequest
	case domain.CodeTaskNotFound:
		return http.StatusNotFound
	case domain.CodeVersionConflict, domain.CodeInvalidTransition:
		return http.StatusConflict
	case domain.CodeBoard:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
