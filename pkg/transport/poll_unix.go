//go:build unix

package transport

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// pollReliable reports that pollFD observes real socket readiness, so a
// read issued right after a positive poll does not block.
const pollReliable = true

// pollFD waits for events on the socket behind raw. Hang-up and error
// conditions count as ready: the following read or write reports them.
func pollFD(raw syscall.RawConn, events int16, timeout time.Duration) (bool, error) {
	budget := NewBudget(timeout)

	var (
		ready   bool
		pollErr error
	)
	ctrlErr := raw.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
		for {
			n, err := unix.Poll(fds, pollMillis(budget.Remaining()))
			if errors.Is(err, unix.EINTR) {
				if budget.Expired() {
					return
				}
				continue
			}
			if err != nil {
				pollErr = fmt.Errorf("poll: %w", err)
				return
			}
			if n == 0 {
				return
			}
			if fds[0].Revents&unix.POLLNVAL != 0 {
				pollErr = fmt.Errorf("poll: %w", ErrNotConnected)
				return
			}
			ready = true
			return
		}
	})
	if ctrlErr != nil {
		return false, fmt.Errorf("poll: %w", ctrlErr)
	}
	return ready, pollErr
}

// pollMillis converts a timeout to poll(2) milliseconds, rounding sub-millisecond
// waits up so a positive timeout never degrades to a non-blocking check.
func pollMillis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	ms := timeout.Milliseconds()
	if ms == 0 && timeout > 0 {
		ms = 1
	}
	return int(ms)
}

const (
	pollIn  int16 = unix.POLLIN
	pollOut int16 = unix.POLLOUT
)
