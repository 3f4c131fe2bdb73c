package apierr

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// maxRawBody caps how much of an unparseable body is kept on a StatusError.
const maxRawBody = 512

// ErrorResponse is the API server's Status envelope returned on failures:
//
//	{"status":"Failure","message":"...","reason":"Expired","code":410}
//
// It is a plain value: copy it to clone, compare it with ==.
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
	Code    int    `json:"code"`
}

func (r ErrorResponse) Error() string {
	return r.Message + ": " + r.Reason
}

// envelope mirrors ErrorResponse but lets Decode tell "absent" from "zero".
type envelope struct {
	Status  *string `json:"status"`
	Message string  `json:"message"`
	Reason  string  `json:"reason"`
	Code    *int    `json:"code"`
}

// Decode parses a Status envelope. status and code are required,
// message and reason default to "".
func Decode(body []byte) (ErrorResponse, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ErrorResponse{}, errors.New("decode status: empty body")
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return ErrorResponse{}, fmt.Errorf("decode status: %w", err)
	}
	if env.Status == nil {
		return ErrorResponse{}, errors.New("decode status: missing field \"status\"")
	}
	if env.Code == nil {
		return ErrorResponse{}, errors.New("decode status: missing field \"code\"")
	}

	return ErrorResponse{
		Status:  *env.Status,
		Message: env.Message,
		Reason:  env.Reason,
		Code:    *env.Code,
	}, nil
}

// StatusError is the cause recorded when a failed response carried no
// usable Status envelope, so only the HTTP status is known.
type StatusError struct {
	Code int
	Body string // trimmed and capped raw body
}

func (e *StatusError) Error() string {
	text := http.StatusText(e.Code)
	if text == "" {
		text = "unknown status"
	}
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d %s", e.Code, text)
	}
	return fmt.Sprintf("unexpected status %d %s: %s", e.Code, text, e.Body)
}

// Parse turns a failed response into an *Error. A decodable envelope becomes
// an API error; anything else falls back to a Transport error carrying a
// *StatusError built from the raw status code.
func Parse(body []byte, status int) *Error {
	resp, err := Decode(body)
	if err == nil {
		return API(resp)
	}

	raw := strings.TrimSpace(string(body))
	if len(raw) > maxRawBody {
		raw = raw[:maxRawBody]
	}
	return Transport(&StatusError{Code: status, Body: raw})
}
