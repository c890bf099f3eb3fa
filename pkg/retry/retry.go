package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"syscall"
	"time"
)

// Func is an operation that may be attempted several times. It must honor
// ctx cancellation, the loop does not interrupt a running attempt.
type Func func(ctx context.Context) error

// Config bounds the retry loop.
type Config struct {
	// MaxAttempts is the total number of calls, including the first one.
	MaxAttempts int
	// InitialDelay is the pause after the first failed attempt.
	InitialDelay time.Duration
	// MaxDelay caps backoff growth. Zero means 30 seconds.
	MaxDelay time.Duration
	// MaxElapsedTime bounds the total time spent, including pauses.
	// Zero means no bound.
	MaxElapsedTime time.Duration
	// Multiplier grows the delay between attempts. Zero means 2.0.
	Multiplier float64
	// Jitter randomizes delays so several instances restarted together
	// do not hammer the backend in step.
	Jitter bool
	// OnRetry, when set, is called before each pause.
	OnRetry func(attempt int, err error, delay time.Duration)

	// rand, now and after are replaceable in tests.
	rand  *rand.Rand
	now   func() time.Time
	after func(d time.Duration) <-chan time.Time
}

// DefaultConfig returns a config suitable for waiting on a backend that is
// starting up: three quick attempts with doubling, jittered delays.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

func (c *Config) normalize() error {
	if c.MaxAttempts <= 0 {
		return errors.New("retry: MaxAttempts must be positive")
	}
	if c.InitialDelay <= 0 {
		return errors.New("retry: InitialDelay must be positive")
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.InitialDelay > c.MaxDelay {
		return errors.New("retry: InitialDelay cannot exceed MaxDelay")
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2.0
	}
	if c.Multiplier < 1.0 {
		return errors.New("retry: Multiplier must be >= 1.0")
	}
	if c.MaxElapsedTime < 0 {
		return errors.New("retry: MaxElapsedTime cannot be negative")
	}
	if c.rand == nil {
		c.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.after == nil {
		c.after = time.After
	}
	return nil
}

// ExhaustedError is returned when the attempt or time budget runs out.
// It unwraps to the last error the operation returned.
type ExhaustedError struct {
	LastErr  error
	Attempts int
	Elapsed  time.Duration
	Reason   string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: %s after %d attempts in %s: %v",
		e.Reason, e.Attempts, e.Elapsed, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error {
	return e.LastErr
}

// DefaultRetryable treats timeouts and transient network failures as worth
// another attempt. Context cancellation is always fatal; a deadline on a
// single attempt is not, the next attempt may land on a recovered backend.
func DefaultRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	// A backend that accepted the connection and dropped it mid-handshake
	// surfaces as EOF while it finishes starting up; a keep-alive
	// connection closed under us surfaces as ErrClosed.
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}

	// errors.Is walks net.OpError -> os.SyscallError -> Errno, which covers
	// both bare dial failures and the same chain inside a url.Error.
	for _, errno := range []error{
		syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ECONNABORTED,
		syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ENETDOWN,
		syscall.EPIPE, syscall.ETIMEDOUT,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}
	return false
}

// Do runs fn until it succeeds or the config budget runs out, using
// DefaultRetryable to decide which errors are worth another attempt.
func Do(ctx context.Context, cfg Config, fn Func) error {
	return DoWithRetryable(ctx, cfg, fn, DefaultRetryable)
}

// DoWithRetryable runs fn with a caller-supplied classifier. A non-retryable
// error is returned as-is; an exhausted budget returns *ExhaustedError
// wrapping the last attempt's error.
func DoWithRetryable(ctx context.Context, cfg Config, fn Func, retryable func(error) bool) error {
	if err := cfg.normalize(); err != nil {
		return err
	}

	start := cfg.now()
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == cfg.MaxAttempts {
			return &ExhaustedError{
				LastErr:  lastErr,
				Attempts: attempt,
				Elapsed:  cfg.now().Sub(start),
				Reason:   "attempts exhausted",
			}
		}
		if !retryable(lastErr) {
			return lastErr
		}

		delay := cfg.delay(attempt)
		if cfg.MaxElapsedTime > 0 {
			elapsed := cfg.now().Sub(start)
			if elapsed+delay > cfg.MaxElapsedTime {
				return &ExhaustedError{
					LastErr:  lastErr,
					Attempts: attempt,
					Elapsed:  elapsed,
					Reason:   "time budget exhausted",
				}
			}
		}
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); delay > remaining {
				delay = remaining
			}
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cfg.after(delay):
		}
	}
}

// delay returns the pause before the next attempt: exponential backoff
// capped at MaxDelay, with optional jitter spreading the result over
// [base/2, 3*base/2).
func (c Config) delay(attempt int) time.Duration {
	d := c.InitialDelay
	for i := 1; i < attempt; i++ {
		if float64(d) >= float64(c.MaxDelay)/c.Multiplier {
			d = c.MaxDelay
			break
		}
		d = time.Duration(float64(d) * c.Multiplier)
	}
	if d > c.MaxDelay {
		d = c.MaxDelay
	}
	if !c.Jitter {
		return d
	}
	d = d/2 + time.Duration(c.rand.Int63n(int64(d)))
	if d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}
