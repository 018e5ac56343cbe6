// Package response provides unified API response structures, matching the
// reference's SuccessResponse/ErrorResponse envelope idiom.
package response

import (
	"net/http"

	apierrors "github.com/rhao5556-beep/peiban-sub000/pkg/errors"
)

// Response is the unified API response structure.
type Response struct {
	Code      string      `json:"code,omitempty"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// Success creates a successful response with data.
func Success(data interface{}) *Response {
	return &Response{Message: "success", Data: data}
}

// Err creates an error response from an Errno.
func Err(e *apierrors.Errno) *Response {
	if e == nil {
		return Success(nil)
	}
	return &Response{Code: e.Code, Message: e.Message}
}

// WithRequestID adds a request id to the response.
func (r *Response) WithRequestID(requestID string) *Response {
	r.RequestID = requestID
	return r
}

// HTTPStatus returns the HTTP status to send for this response.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if e, ok := apierrors.As(err); ok {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}
