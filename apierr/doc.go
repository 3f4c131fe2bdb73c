// Package apierr is the error currency of kubex.
//
// Every failure met while building, sending or parsing a request ends up as
// an *Error with one Kind. API failures keep the server's Status envelope
// (ErrorResponse) so callers can compare codes and reasons without parsing
// strings. Classify maps an *Error to a Directive that watch loops act on:
// retry now, retry after backoff, relist from an empty cursor, or stop.
//
// Nothing in this package performs I/O or sleeps.
package apierr
