package errorutil

import (
	"errors"
	"net"
)

// IsTimeoutErr reports whether err is a network timeout.
func IsTimeoutErr(err error) bool {
	var e interface{ Timeout() bool }
	return errors.As(err, &e) && e.Timeout()
}

// IsClosedErr reports whether err was caused by use of a closed network connection.
func IsClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
