package apierr

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind tags which case of Error is active.
type Kind int

const (
	KindAPI Kind = iota + 1
	KindTransport
	KindSerialization
	KindRequestBuild
	KindRequestSend
	KindRequestParse
	KindInvalidMethod
	KindRequestValidation
	KindConfigLoad
	KindSecurity
)

var kindNames = map[Kind]string{
	KindAPI:               "ApiError",
	KindTransport:         "TransportError",
	KindSerialization:     "SerializationError",
	KindRequestBuild:      "RequestBuild",
	KindRequestSend:       "RequestSend",
	KindRequestParse:      "RequestParse",
	KindInvalidMethod:     "InvalidMethod",
	KindRequestValidation: "RequestValidation",
	KindConfigLoad:        "ConfigLoad",
	KindSecurity:          "SecurityError",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the one failure type of the client. Exactly one Kind is active:
//
//   - KindAPI carries Response.
//   - KindTransport and KindSerialization carry the cause in Err.
//   - KindInvalidMethod, KindRequestValidation, KindConfigLoad and
//     KindSecurity carry Detail, plus Err when there was a lower-level cause.
//   - KindRequestBuild, KindRequestSend and KindRequestParse are flags; Err is
//     kept when the caller had one.
//
// Values are never mutated after construction.
type Error struct {
	Kind     Kind
	Response *ErrorResponse
	Detail   string
	Err      error
}

// API wraps a decoded Status envelope.
func API(resp ErrorResponse) *Error {
	return &Error{Kind: KindAPI, Response: &resp}
}

func Transport(cause error) *Error {
	return &Error{Kind: KindTransport, Err: cause}
}

func Serialization(cause error) *Error {
	return &Error{Kind: KindSerialization, Err: cause}
}

func RequestBuild(cause error) *Error {
	return &Error{Kind: KindRequestBuild, Err: cause}
}

func RequestSend(cause error) *Error {
	return &Error{Kind: KindRequestSend, Err: cause}
}

func RequestParse(cause error) *Error {
	return &Error{Kind: KindRequestParse, Err: cause}
}

func InvalidMethod(name string) *Error {
	return &Error{Kind: KindInvalidMethod, Detail: name}
}

func RequestValidation(detail string) *Error {
	return &Error{Kind: KindRequestValidation, Detail: detail}
}

func ConfigLoad(detail string, cause error) *Error {
	return &Error{Kind: KindConfigLoad, Detail: detail, Err: cause}
}

func Security(detail string, cause error) *Error {
	return &Error{Kind: KindSecurity, Detail: detail, Err: cause}
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindAPI:
		var resp ErrorResponse
		if e.Response != nil {
			resp = *e.Response
		}
		return fmt.Sprintf("%s: %s (%#v)", e.Kind, resp, resp)
	case KindRequestBuild:
		return e.withCause("error building request")
	case KindRequestSend:
		return e.withCause("error executing request")
	case KindRequestParse:
		return e.withCause("error parsing response")
	case KindInvalidMethod:
		return fmt.Sprintf("%s: invalid API method %q", e.Kind, e.Detail)
	case KindTransport, KindSerialization:
		if e.Err == nil {
			return e.Kind.String() + ": <nil>"
		}
		return e.Kind.String() + ": " + e.Err.Error()
	default:
		return e.withCause(e.Detail)
	}
}

func (e *Error) withCause(detail string) string {
	if e.Err == nil {
		return e.Kind.String() + ": " + detail
	}
	if detail == "" {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + detail + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// From converts any error into an *Error. An *Error anywhere in the chain is
// returned as is; otherwise the cause is kept intact under the closest kind.
func From(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	if isSecurity(err) {
		return Security("tls handshake failed", err)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	var unsupported *json.UnsupportedTypeError
	var unsupportedValue *json.UnsupportedValueError
	if errors.As(err, &syntaxErr) ||
		errors.As(err, &typeErr) ||
		errors.As(err, &unsupported) ||
		errors.As(err, &unsupportedValue) {
		return Serialization(err)
	}

	return Transport(err)
}

func isSecurity(err error) bool {
	var unknownAuth x509.UnknownAuthorityError
	var hostname x509.HostnameError
	var invalid x509.CertificateInvalidError
	var verify *tls.CertificateVerificationError
	var header tls.RecordHeaderError
	return errors.As(err, &unknownAuth) ||
		errors.As(err, &hostname) ||
		errors.As(err, &invalid) ||
		errors.As(err, &verify) ||
		errors.As(err, &header)
}

// As finds the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func IsKind(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// StatusCode reports the HTTP status behind err: the envelope code for API
// errors, or the raw code when the body could not be decoded.
func StatusCode(err error) (int, bool) {
	e, ok := As(err)
	if !ok {
		return 0, false
	}
	if e.Kind == KindAPI && e.Response != nil {
		return e.Response.Code, true
	}
	var se *StatusError
	if errors.As(e.Err, &se) {
		return se.Code, true
	}
	return 0, false
}
