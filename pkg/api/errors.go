package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"git.sr.ht/~jakintosh/sessionkit/pkg/fault"
)

// ResponseError is the decoded body of a failed backend response.
type ResponseError struct {
	Status  int
	Code    string
	Message string
}

func (e *ResponseError) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Code != "":
		return e.Code
	case e.Message != "":
		return e.Message
	default:
		return http.StatusText(e.Status)
	}
}

// ErrorCode returns the backend error code carried by err, or "".
func ErrorCode(err error) string {
	var re *ResponseError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// DecodeError reads an error body. Bodies that are not JSON yield a
// ResponseError with only the status set.
func DecodeError(resp *http.Response) *ResponseError {
	var body ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	return &ResponseError{
		Status:  resp.StatusCode,
		Code:    body.Code,
		Message: body.Message,
	}
}

// KindForStatus maps an HTTP status and body code onto a failure kind.
func KindForStatus(status int, code string) fault.Kind {
	switch {
	case status == http.StatusUnauthorized:
		switch code {
		case CodeTokenExpired:
			return fault.TokenExpired
		case CodeInvalidToken:
			return fault.InvalidToken
		}
		return fault.Unauthorized
	case status == http.StatusForbidden:
		return fault.Forbidden
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return fault.ValidationError
	default:
		return fault.ServerError
	}
}

func classify(op string, resp *http.Response) error {
	re := DecodeError(resp)
	return &fault.Error{
		Kind:   KindForStatus(resp.StatusCode, re.Code),
		Op:     op,
		Status: resp.StatusCode,
		Err:    re,
	}
}
