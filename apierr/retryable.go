package apierr

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Directive is the recovery action a watch loop should take after a failure.
type Directive int

const (
	// RetryImmediate resumes from the current cursor without waiting.
	RetryImmediate Directive = iota
	// RetryWithBackoff resumes from the current cursor after a jittered,
	// growing delay owned by the caller.
	RetryWithBackoff
	// RestartFromEmpty drops the cursor and cached state and relists.
	RestartFromEmpty
	// Fatal stops the loop; retrying cannot help.
	Fatal
)

func (d Directive) String() string {
	switch d {
	case RetryImmediate:
		return "RetryImmediate"
	case RetryWithBackoff:
		return "RetryWithBackoff"
	case RestartFromEmpty:
		return "RestartFromEmpty"
	case Fatal:
		return "Fatal"
	}
	return "Directive(" + strconv.Itoa(int(d)) + ")"
}

// Classify maps an error to a Directive. It is pure: equal inputs always
// give the same answer, and every Kind has a rule. Rules are ordered, the
// first match wins.
func Classify(e *Error) Directive {
	if e == nil {
		return Fatal
	}

	switch e.Kind {
	case KindAPI:
		return classifyAPI(e.Response)
	case KindTransport:
		return classifyTransport(e.Err)
	case KindRequestSend:
		return RetryWithBackoff
	case KindSerialization, KindRequestBuild, KindRequestParse,
		KindInvalidMethod, KindRequestValidation:
		return Fatal
	case KindConfigLoad, KindSecurity:
		return Fatal
	}
	return Fatal
}

// ClassifyErr is Classify for arbitrary errors.
func ClassifyErr(err error) Directive {
	return Classify(From(err))
}

func classifyAPI(resp *ErrorResponse) Directive {
	if resp == nil {
		return Fatal
	}
	// resourceVersion too old: the cursor is gone on the server side.
	if resp.Code == http.StatusGone || isExpiredReason(resp.Reason) {
		return RestartFromEmpty
	}
	switch resp.Code {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return RetryWithBackoff
	case http.StatusUnauthorized, http.StatusForbidden:
		return Fatal
	}
	return Fatal
}

func isExpiredReason(reason string) bool {
	return strings.EqualFold(reason, "Expired") || strings.EqualFold(reason, "Gone")
}

func classifyTransport(cause error) Directive {
	if cause == nil {
		return RetryWithBackoff
	}
	if isTimeout(cause) || isConnReset(cause) {
		return RetryWithBackoff
	}
	if errors.Is(cause, context.Canceled) {
		return Fatal
	}
	// the server closed the watch stream; resume right away
	if errors.Is(cause, io.EOF) {
		return RetryImmediate
	}

	var se *StatusError
	if errors.As(cause, &se) {
		switch {
		case se.Code == http.StatusGone:
			return RestartFromEmpty
		case se.Code == http.StatusTooManyRequests, se.Code >= 500:
			return RetryWithBackoff
		}
		return Fatal
	}
	return RetryWithBackoff
}

func isTimeout(err error) bool {
	// timeouts from net/http, http2, tls, etc.
	var to interface{ Timeout() bool }
	if errors.As(err, &to) && to.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded)
}

func isConnReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// IsRetryable says "worth another shot from the same cursor?" (backoff still on the caller).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch ClassifyErr(err) {
	case RetryImmediate, RetryWithBackoff:
		return true
	}
	return false
}

// IsRateLimited reports a 429, decoded or raw.
func IsRateLimited(err error) bool {
	code, ok := StatusCode(err)
	return ok && code == http.StatusTooManyRequests
}

// IsExpired reports a stale resourceVersion: the caller must relist.
func IsExpired(err error) bool {
	return err != nil && ClassifyErr(err) == RestartFromEmpty
}

// JitteredBackoff returns ~0.5x..1.5x of base with uniform jitter.
// If base <= 0, defaults to 300ms.
func JitteredBackoff(base time.Duration) time.Duration {
	if base <= 0 {
		base = 300 * time.Millisecond
	}
	// delta: [0, base)
	delta := time.Duration(rand.Int63n(int64(base)))
	return base/2 + delta
}
