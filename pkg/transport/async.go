package transport

import "net"

type asyncResult struct {
	conn net.Conn
	err  error
}

// asyncConnect runs a blocking connect off the caller's goroutine so that
// ConnectAsync can report progress without blocking. The caller observes the
// outcome only through poll; nothing is delivered by callback.
type asyncConnect struct {
	done chan asyncResult
}

func startAsync(fn func() (net.Conn, error)) *asyncConnect {
	a := &asyncConnect{done: make(chan asyncResult, 1)}
	go func() {
		conn, err := fn()
		a.done <- asyncResult{conn: conn, err: err}
	}()
	return a
}

// poll returns the result if the connect has finished.
func (a *asyncConnect) poll() (asyncResult, bool) {
	select {
	case res := <-a.done:
		return res, true
	default:
		return asyncResult{}, false
	}
}

// abandon closes whatever connection the pending attempt produces.
func (a *asyncConnect) abandon() {
	go func() {
		if res := <-a.done; res.conn != nil {
			res.conn.Close()
		}
	}()
}
