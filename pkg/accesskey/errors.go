package accesskey

import "errors"

// Domain errors raised by Repository operations (spec.md §7). The REST
// layer is the only place these are mapped to HTTP status codes.
var (
	ErrAccessKeyNotFound = errors.New("access key not found")
	ErrInvalidPortNumber = errors.New("invalid port number")
	ErrPortUnavailable   = errors.New("port unavailable")
	ErrInvalidDataLimit  = errors.New("invalid data limit")
)
