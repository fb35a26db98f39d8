package websocket

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/chainport/chainport-go/pkg/transport"
)

// GUID is the RFC 6455 magic value appended to the key for the accept hash.
const GUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

var headerTerminator = []byte("\r\n\r\n")

// RedirectError is a 3xx handshake response carrying a Location. Following
// it is left to the caller.
type RedirectError struct {
	Status   int
	Location string
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("websocket: redirected (%d) to %s", e.Status, e.Location)
}

// ComputeAcceptKey returns the Sec-WebSocket-Accept value for key.
func ComputeAcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(GUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// newChallengeKey returns 16 random bytes, base64 encoded.
func newChallengeKey(rand io.Reader) (string, error) {
	var raw [16]byte
	if _, err := io.ReadFull(rand, raw[:]); err != nil {
		return "", fmt.Errorf("websocket: generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw[:]), nil
}

// appendUpgradeRequest appends the HTTP/1.1 upgrade request to b.
func appendUpgradeRequest(b []byte, c *Config, host string, port int, key string) []byte {
	line := func(name, value string) {
		b = append(b, name...)
		b = append(b, ": "...)
		b = append(b, value...)
		b = append(b, "\r\n"...)
	}

	b = append(b, "GET "...)
	b = append(b, c.Path...)
	b = append(b, " HTTP/1.1\r\n"...)
	line("Connection", "Upgrade")
	line("Host", net.JoinHostPort(host, strconv.Itoa(port)))
	line("User-Agent", c.UserAgent)
	line("Upgrade", "websocket")
	line("Sec-WebSocket-Version", "13")
	line("Sec-WebSocket-Key", key)
	if c.Subprotocol != "" {
		line("Sec-WebSocket-Protocol", c.Subprotocol)
	}
	if c.Auth != "" {
		line("Authorization", c.Auth)
	}
	for _, h := range c.Headers {
		line(h.Name, h.Value)
	}
	return append(b, "\r\n"...)
}

// readResponse reads from t until the header terminator. It returns the
// header block including the terminator and whatever followed it.
func readResponse(t transport.Transport, size int, budget transport.Budget) (head, rest []byte, err error) {
	buf := make([]byte, size)
	n := 0
	for {
		m, err := t.Read(buf[n:], budget.Remaining())
		if err != nil {
			return nil, nil, err
		}
		// Only the new bytes and the three before them can complete the
		// terminator.
		from := max(n-len(headerTerminator)+1, 0)
		n += m
		if i := bytes.Index(buf[from:n], headerTerminator); i >= 0 {
			end := from + i + len(headerTerminator)
			return buf[:end], buf[end:n], nil
		}
		if n == len(buf) {
			return nil, nil, fmt.Errorf("%w: no header terminator in %d bytes", ErrHandshakeTooLarge, n)
		}
		if budget.Expired() {
			return nil, nil, transport.ErrTimeout
		}
	}
}

// handshakeResponse is the parsed upgrade response.
type handshakeResponse struct {
	status int
	reason string
	header textproto.MIMEHeader
}

func parseResponse(head []byte) (*handshakeResponse, error) {
	r := textproto.NewReader(bufio.NewReader(bytes.NewReader(head)))

	line, err := r.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadStatus, err)
	}
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return nil, fmt.Errorf("%w: %q", ErrBadStatus, line)
	}
	codeStr, reason, _ := strings.Cut(rest, " ")
	status, err := strconv.Atoi(codeStr)
	if err != nil || len(codeStr) != 3 || status < 100 {
		return nil, fmt.Errorf("%w: %q", ErrBadStatus, line)
	}

	header, err := r.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("%w: headers: %v", ErrBadStatus, err)
	}
	return &handshakeResponse{status: status, reason: reason, header: header}, nil
}

// validate checks the response against the key that was sent.
func (r *handshakeResponse) validate(key string) error {
	if r.status >= 300 && r.status < 400 {
		if loc := r.header.Get("Location"); loc != "" {
			return &RedirectError{Status: r.status, Location: loc}
		}
	}
	accept := r.header.Get("Sec-WebSocket-Accept")
	if accept == "" {
		return fmt.Errorf("%w: status %d without Sec-WebSocket-Accept", ErrAcceptMismatch, r.status)
	}
	if accept != ComputeAcceptKey(key) {
		return fmt.Errorf("%w: got %q", ErrAcceptMismatch, accept)
	}
	return nil
}
