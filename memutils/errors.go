package memutils

import "github.com/cockroachdb/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// ErrOutOfMemory is returned (possibly wrapped) by any allocator that could not satisfy a request because it,
// and every allocator it falls back to, is exhausted
var ErrOutOfMemory error = errors.New("out of memory")

// ErrUnsupported is returned when a platform or allocator cannot perform the requested operation
var ErrUnsupported error = errors.New("operation not supported")
