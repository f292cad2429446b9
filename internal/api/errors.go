package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// APIError is the structured error body every failing request gets.
type APIError struct {
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Timestamp string         `json:"timestamp"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

const (
	ErrTypeValidation       = "validation_error"
	ErrTypeRunNotFound      = "run_not_found"
	ErrTypeScenarioNotFound = "scenario_not_found"
	ErrTypeTimeout          = "timeout"
	ErrTypeInternal         = "internal_error"
)

// ErrorBuilder helps construct structured errors with context.
type ErrorBuilder struct {
	errType   string
	message   string
	context   map[string]any
	requestID string
}

// NewError creates a new error builder.
func NewError(errType, message string) *ErrorBuilder {
	return &ErrorBuilder{
		errType: errType,
		message: message,
		context: make(map[string]any),
	}
}

// WithContext adds context information to the error.
func (eb *ErrorBuilder) WithContext(key string, value any) *ErrorBuilder {
	eb.context[key] = value
	return eb
}

// WithRequestID adds the request ID to the error.
func (eb *ErrorBuilder) WithRequestID(requestID string) *ErrorBuilder {
	eb.requestID = requestID
	return eb
}

// WithCause records the underlying error message.
func (eb *ErrorBuilder) WithCause(err error) *ErrorBuilder {
	if err != nil {
		eb.context["cause"] = err.Error()
	}
	return eb
}

// Build creates the final APIError.
func (eb *ErrorBuilder) Build() APIError {
	return APIError{
		Type:      eb.errType,
		Message:   eb.message,
		Context:   eb.context,
		RequestID: eb.requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// ErrorHandler writes and logs structured errors.
type ErrorHandler struct {
	logger *log.Logger
}

// NewErrorHandler creates a new error handler.
func NewErrorHandler(logger *log.Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// HandleError converts err to an APIError response.
func (eh *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error, status int) {
	if apiErr, ok := err.(APIError); ok {
		eh.write(w, r, status, apiErr)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		eh.HandleTimeout(w, r)
		return
	}
	eh.write(w, r, status, NewError(ErrTypeInternal, "Internal server error").
		WithRequestID(middleware.GetReqID(r.Context())).
		WithContext("path", r.URL.Path).
		WithCause(err).
		Build())
}

// HandleNotFound reports a missing resource.
func (eh *ErrorHandler) HandleNotFound(w http.ResponseWriter, r *http.Request, errType, what, id string) {
	eh.write(w, r, http.StatusNotFound, NewError(errType, fmt.Sprintf("%s %q not found", what, id)).
		WithRequestID(middleware.GetReqID(r.Context())).
		WithContext("id", id).
		WithContext("path", r.URL.Path).
		Build())
}

// HandleValidationError reports a bad request parameter.
func (eh *ErrorHandler) HandleValidationError(w http.ResponseWriter, r *http.Request, field, message string) {
	eh.write(w, r, http.StatusBadRequest, NewError(ErrTypeValidation, fmt.Sprintf("Validation failed: %s", message)).
		WithRequestID(middleware.GetReqID(r.Context())).
		WithContext("field", field).
		WithContext("path", r.URL.Path).
		Build())
}

func (eh *ErrorHandler) write(w http.ResponseWriter, r *http.Request, status int, apiErr APIError) {
	level := "ERROR"
	if status < 500 {
		level = "WARN"
	}
	eh.logger.Printf("error_occurred level=%s type=%s status=%d request_id=%s method=%s path=%s message=%q",
		level, apiErr.Type, status, apiErr.RequestID, r.Method, r.URL.Path, apiErr.Message)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Tester-Version", Version)
	w.Header().Set("X-Error-Type", apiErr.Type)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(apiErr); err != nil {
		eh.logger.Printf("error_encode_failed request_id=%s err=%v", apiErr.RequestID, err)
	}
}

// HandleTimeout reports a request that ran past its deadline.
func (eh *ErrorHandler) HandleTimeout(w http.ResponseWriter, r *http.Request) {
	eh.write(w, r, http.StatusGatewayTimeout, NewError(ErrTypeTimeout, "Request timed out").
		WithRequestID(middleware.GetReqID(r.Context())).
		WithContext("path", r.URL.Path).
		Build())
}

// TimeoutHandler cancels the request context after d. A handler that
// returns without writing after the deadline gets a structured 504.
func (eh *ErrorHandler) TimeoutHandler(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			r = r.WithContext(ctx)
			next.ServeHTTP(ww, r)
			if ww.Status() == 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				eh.HandleTimeout(ww, r)
			}
		})
	}
}

// RecoveryHandler turns handler panics into structured 500 responses.
func (eh *ErrorHandler) RecoveryHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				requestID := middleware.GetReqID(r.Context())
				eh.logger.Printf("panic_recovered request_id=%s path=%s method=%s panic=%v",
					requestID, r.URL.Path, r.Method, rvr)
				eh.write(w, r, http.StatusInternalServerError, NewError(ErrTypeInternal, "Internal server error").
					WithRequestID(requestID).
					WithContext("panic", fmt.Sprintf("%v", rvr)).
					WithContext("path", r.URL.Path).
					Build())
			}
		}()
		next.ServeHTTP(w, r)
	})
}
