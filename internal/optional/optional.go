// Package optional implements optional values.
package optional

// Value is an optional value. The zero value is empty.
type Value[T any] struct {
	value *T
}

// None constructs an empty value.
func None[T any]() Value[T] {
	return Value[T]{nil}
}

// Some constructs a non-empty value.
func Some[T any](value T) Value[T] {
	return Value[T]{&value}
}

// IsNone returns whether the optional is empty.
func (v Value[T]) IsNone() bool {
	return v.value == nil
}

// Unwrap returns the value and whether it was set. The returned value is
// the zero value of T when the optional is empty.
func (v Value[T]) Unwrap() (T, bool) {
	if v.value == nil {
		var zero T
		return zero, false
	}
	return *v.value, true
}

// UnwrapOr returns the value or the given fallback.
func (v Value[T]) UnwrapOr(fallback T) T {
	if v.value == nil {
		return fallback
	}
	return *v.value
}
