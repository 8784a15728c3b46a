package correlation

import "errors"

// ErrDuplicateToken is returned when a token is registered while already pending.
var ErrDuplicateToken = errors.New("correlation: token already pending")
