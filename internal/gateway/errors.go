package gateway

import (
	"errors"
	"net/http"

	"github.com/soyeahso/parley/internal/domain"
)

// Error codes in response frames and REST bodies.
const (
	CodeInvalidParams     = "invalid_params"
	CodeNotFound          = "not_found"
	CodeConflict          = "conflict"
	CodeCallAlreadyActive = "call_already_active"
	CodeTimeout           = "timeout"
	CodeGlare             = "glare"
	CodeUnavailable       = "unavailable"
	CodeUnauthorized      = "unauthorized"
	CodeRateLimited       = "rate_limited"
	CodeMethodNotFound    = "method_not_found"
	CodeProtocol          = "protocol_error"
	CodeInternal          = "internal"
)

// errorShape maps an error to the wire error. Unclassified errors are
// reported as internal without their message.
func errorShape(err error) ErrorShape {
	var de *domain.Error
	if !errors.As(err, &de) {
		return ErrorShape{Code: CodeInternal, Message: "internal error"}
	}
	shape := ErrorShape{Message: err.Error()}
	switch de.Kind {
	case domain.KindValidation:
		shape.Code = CodeInvalidParams
	case domain.KindNotFound:
		shape.Code = CodeNotFound
	case domain.KindConflict:
		shape.Code = CodeConflict
	case domain.KindCallAlreadyActive:
		shape.Code = CodeCallAlreadyActive
	case domain.KindTimeout:
		shape.Code = CodeTimeout
		shape.Retryable = true
	case domain.KindGlare:
		shape.Code = CodeGlare
	case domain.KindTransport:
		shape.Code = CodeUnavailable
		shape.Retryable = true
	case domain.KindUnauthorized:
		shape.Code = CodeUnauthorized
	default:
		shape.Code = CodeInternal
	}
	return shape
}

// httpStatus maps an error to a REST status code.
func httpStatus(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict, domain.KindCallAlreadyActive, domain.KindGlare:
		return http.StatusConflict
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	case domain.KindTransport:
		return http.StatusServiceUnavailable
	case domain.KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
