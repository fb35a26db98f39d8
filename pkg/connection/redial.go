package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/chainport/chainport-go/pkg/transport"
)

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("connect failed after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap returns the error of the last attempt.
func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Permanent reports whether retrying err is pointless.
func Permanent(err error) bool {
	return errors.Is(err, transport.ErrInvalidArgument) ||
		errors.Is(err, transport.ErrDestroyed)
}

// Dialer connects a transport with retries.
type Dialer struct {
	Transport transport.Transport
	Host      string
	Port      int

	// Timeout bounds each attempt.
	Timeout time.Duration

	// Attempts is the maximum number of attempts. Zero or less retries until
	// the context ends.
	Attempts int

	// Backoff supplies the delays between attempts. Defaults to NewBackoff().
	Backoff *Backoff

	// Sleep waits between attempts. Defaults to a timer that honours ctx.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRetry is called before each wait with the failed attempt's number
	// and error.
	OnRetry func(attempt int, delay time.Duration, err error)

	// Log receives one line per failed attempt. Nil discards them.
	Log *slog.Logger
}

// Redial connects t to host:port, retrying up to attempts times with delays
// from b. A nil b uses NewBackoff().
func Redial(ctx context.Context, t transport.Transport, host string, port int, timeout time.Duration, attempts int, b *Backoff) error {
	d := &Dialer{
		Transport: t,
		Host:      host,
		Port:      port,
		Timeout:   timeout,
		Attempts:  attempts,
		Backoff:   b,
	}
	return d.Redial(ctx)
}

// Redial runs attempts until one succeeds. The backoff is reset after a
// success.
func (d *Dialer) Redial(ctx context.Context) error {
	if d.Transport == nil {
		return fmt.Errorf("%w: transport is required", transport.ErrInvalidArgument)
	}
	if d.Backoff == nil {
		d.Backoff = NewBackoff()
	}
	sleep := d.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	logger := d.Log
	if logger == nil {
		// Go 1.21 has no slog.DiscardHandler; an unreachable minimum level
		// disables the handler for every record.
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
	}

	var last error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if last == nil {
				return err
			}
			return fmt.Errorf("%w: %w", err, &ExhaustedError{Attempts: attempt - 1, Last: last})
		}

		err := d.Transport.Connect(d.Host, d.Port, d.Timeout)
		if err == nil {
			d.Backoff.Reset()
			return nil
		}
		last = err
		if Permanent(err) {
			return err
		}
		if d.Attempts > 0 && attempt >= d.Attempts {
			return &ExhaustedError{Attempts: attempt, Last: last}
		}

		delay := d.Backoff.Next()
		logger.Debug("connect failed, retrying",
			"host", d.Host,
			"port", d.Port,
			"attempt", attempt,
			"delay", delay,
			"error", err)
		if d.OnRetry != nil {
			d.OnRetry(attempt, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("%w: %w", err, &ExhaustedError{Attempts: attempt, Last: last})
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
