package apierr

// Result is a value or an *Error, for outcomes that travel as values
// (watch event channels) rather than as (T, error) returns.
type Result[T any] struct {
	value T
	err   *Error
}

func Ok[T any](v T) Result[T] {
	return Result[T]{value: v}
}

// Fail converts err with From. A nil err still yields a failed Result.
func Fail[T any](err error) Result[T] {
	e := From(err)
	if e == nil {
		e = RequestValidation("nil error passed to Fail")
	}
	return Result[T]{err: e}
}

// Capture builds a Result from a (T, error) pair.
func Capture[T any](v T, err error) Result[T] {
	if err != nil {
		return Fail[T](err)
	}
	return Ok(v)
}

// Get returns the pair form. The error is a true nil interface on success.
func (r Result[T]) Get() (T, error) {
	if r.err != nil {
		var zero T
		return zero, r.err
	}
	return r.value, nil
}

func (r Result[T]) Err() *Error { return r.err }

func (r Result[T]) IsOk() bool { return r.err == nil }
