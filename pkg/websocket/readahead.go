package websocket

import "github.com/eapache/queue"

// readAhead holds bytes received past the handshake response. They belong to
// the first frames and are served before the parent is read again.
type readAhead struct {
	chunks *queue.Queue
	head   []byte
	size   int
}

func (r *readAhead) push(p []byte) {
	if len(p) == 0 {
		return
	}
	if r.chunks == nil {
		r.chunks = queue.New()
	}
	r.chunks.Add(append([]byte(nil), p...))
	r.size += len(p)
}

func (r *readAhead) read(p []byte) int {
	n := 0
	for n < len(p) {
		if len(r.head) == 0 {
			if r.chunks == nil || r.chunks.Length() == 0 {
				break
			}
			r.head = r.chunks.Remove().([]byte)
		}
		c := copy(p[n:], r.head)
		r.head = r.head[c:]
		n += c
	}
	r.size -= n
	return n
}

func (r *readAhead) len() int {
	return r.size
}

// take removes and returns everything buffered.
func (r *readAhead) take() []byte {
	if r.size == 0 {
		return nil
	}
	out := make([]byte, r.size)
	r.read(out)
	return out
}

func (r *readAhead) reset() {
	r.chunks = nil
	r.head = nil
	r.size = 0
}
