// Package graceful wraps domain errors with a gRPC-style error kind and
// structured context, the way pkg/graceful does in the wider platform this
// core was extracted from, minus the orchestration hooks that depended on
// subsystems outside this module's scope.
package graceful

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ContextError wraps an error with a kind, a message, structured context
// fields, and the underlying cause. The five kinds from the error-handling
// design map onto codes.Code values below.
type ContextError struct {
	Code    codes.Code
	Message string
	Context map[string]interface{}
	Cause   error
}

func (e *ContextError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ContextError) Unwrap() error { return e.Cause }

// WithReasons attaches the structured validation-failure reason list to
// the error's context under the "reasons" key.
func (e *ContextError) WithReasons(reasons []string) *ContextError {
	if e.Context == nil {
		e.Context = map[string]interface{}{}
	}
	e.Context["reasons"] = reasons
	return e
}

// Reasons returns the structured reason list attached by WithReasons, if
// any.
func (e *ContextError) Reasons() []string {
	if e.Context == nil {
		return nil
	}
	if v, ok := e.Context["reasons"].([]string); ok {
		return v
	}
	return nil
}

// GRPCStatus lets errors.As/status.FromError interoperate with this type
// even though no gRPC transport runs in this module; codes.Code is used
// purely as a closed error-kind enum.
func (e *ContextError) GRPCStatus() *status.Status {
	return status.New(e.Code, e.Error())
}

// WrapErr creates a ContextError with context fields, code, message, and cause.
func WrapErr(ctx context.Context, code codes.Code, msg string, cause error) *ContextError {
	return &ContextError{
		Code:    code,
		Message: msg,
		Cause:   cause,
		Context: fieldsFromContext(ctx),
	}
}

// LogAndWrap logs the error with context and returns the ContextError.
func LogAndWrap(ctx context.Context, log *zap.Logger, code codes.Code, msg string, cause error, fields ...zap.Field) *ContextError {
	ctxFields := fieldsFromContext(ctx)
	zapFields := make([]zap.Field, 0, len(ctxFields)+len(fields)+1)
	for k, v := range ctxFields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	zapFields = append(zapFields, fields...)
	if cause != nil {
		zapFields = append(zapFields, zap.Error(cause))
	}
	if log != nil {
		log.Error(msg, zapFields...)
	}
	return &ContextError{
		Code:    code,
		Message: msg,
		Cause:   cause,
		Context: ctxFields,
	}
}

// ToStatusError converts any error into a gRPC status error, defaulting to
// Internal for errors that aren't already a ContextError.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	var ce *ContextError
	if errors.As(err, &ce) {
		return ce.GRPCStatus().Err()
	}
	return status.Error(codes.Internal, err.Error())
}

// ErrorMapEntry maps a sentinel error to a kind and a client-safe message.
type ErrorMapEntry struct {
	Code    codes.Code
	Message string
}

var errorMap = make(map[error]ErrorMapEntry)

// RegisterErrorMap lets a package register its sentinel-error → kind
// translations once at init time.
func RegisterErrorMap(mappings map[error]ErrorMapEntry) {
	for k, v := range mappings {
		errorMap[k] = v
	}
}

// MapAndWrapErr looks cause up in the registered error map and falls back
// to the caller-supplied kind/message when no mapping matches.
func MapAndWrapErr(ctx context.Context, cause error, fallbackMsg string, fallbackCode codes.Code) *ContextError {
	for target, entry := range errorMap {
		if errors.Is(cause, target) {
			return WrapErr(ctx, entry.Code, entry.Message, cause)
		}
	}
	return WrapErr(ctx, fallbackCode, fallbackMsg, cause)
}

// HTTPStatus translates a ContextError's kind into the HTTP status family
// from the error-handling design: Validation→400, Authorization→401/403,
// Not-found→404, Conflict/state→400, ResourceExhausted→429,
// Canceled/DeadlineExceeded→504, everything else→500. It never yields 416;
// the preview server writes that status itself for an unsatisfiable Range.
func HTTPStatus(err error) int {
	var ce *ContextError
	if !errors.As(err, &ce) {
		return http.StatusInternalServerError
	}
	switch ce.Code {
	case codes.InvalidArgument, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.FailedPrecondition, codes.AlreadyExists, codes.Aborted:
		// conflict/state rejections surface as 400s with a hint the
		// client can follow, not 409s.
		return http.StatusBadRequest
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Canceled, codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// contextKey namespaces request-scoped trace fields carried on ctx.
type contextKey string

const fieldsContextKey contextKey = "graceful_fields"

// WithFields attaches structured fields (request id, user id, ...) to ctx so
// every error wrapped further down the call chain inherits them.
func WithFields(ctx context.Context, fields map[string]interface{}) context.Context {
	merged := fieldsFromContext(ctx)
	for k, v := range fields {
		merged[k] = v
	}
	return context.WithValue(ctx, fieldsContextKey, merged)
}

func fieldsFromContext(ctx context.Context) map[string]interface{} {
	if ctx == nil {
		return map[string]interface{}{}
	}
	if v, ok := ctx.Value(fieldsContextKey).(map[string]interface{}); ok {
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			out[k] = val
		}
		return out
	}
	return map[string]interface{}{}
}
