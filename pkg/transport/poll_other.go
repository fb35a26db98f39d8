//go:build !unix

package transport

import (
	"syscall"
	"time"
)

// pollReliable is false where poll(2) is unavailable: readiness is assumed and
// the socket deadline enforces the timeout instead.
const pollReliable = false

func pollFD(_ syscall.RawConn, _ int16, _ time.Duration) (bool, error) {
	return true, nil
}

const (
	pollIn  int16 = 1
	pollOut int16 = 4
)
