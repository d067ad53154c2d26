package destination

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Kind is the classified result of one send.
type Kind int

const (
	Accepted Kind = iota
	TooLarge
	Transient
	Permanent
)

func (k Kind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case TooLarge:
		return "too_large"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Outcome describes what happened to a batch. Err is nil only for Accepted
// and always wraps one of the package sentinel errors otherwise.
type Outcome struct {
	Kind         Kind
	Status       int
	Err          error
	Latency      time.Duration
	PayloadBytes int
}

// Auth reports whether the failure was an authentication problem.
func (o Outcome) Auth() bool {
	return errors.Is(o.Err, ErrAuthFailed)
}

// Reason returns a short description suitable for state and alerts.
func (o Outcome) Reason() string {
	if o.Err == nil {
		return o.Kind.String()
	}
	return o.Err.Error()
}

// Classify maps an HTTP status or transport error to an Outcome. detail is
// appended to error messages, usually a trimmed response body.
func Classify(status int, err error, detail string) Outcome {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return Outcome{Kind: Transient, Err: fmt.Errorf("%w: timeout: %v", ErrTransient, err)}
		}
		return Outcome{Kind: Transient, Err: fmt.Errorf("%w: %v", ErrTransient, err)}
	}

	o := Outcome{Status: status}
	switch {
	case status >= 200 && status < 300:
		o.Kind = Accepted
	case status == http.StatusRequestEntityTooLarge:
		o.Kind = TooLarge
		o.Err = fmt.Errorf("%w: status %d", ErrSizeRejected, status)
	case status == http.StatusTooManyRequests:
		o.Kind = Transient
		o.Err = fmt.Errorf("%w: %w", ErrTransient, ErrRateLimited)
	case status == http.StatusRequestTimeout || status == http.StatusTooEarly || status >= 500:
		o.Kind = Transient
		o.Err = fmt.Errorf("%w: status %d%s", ErrTransient, status, suffix(detail))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		o.Kind = Permanent
		o.Err = fmt.Errorf("%w: %w: status %d", ErrPermanentReject, ErrAuthFailed, status)
	default:
		o.Kind = Permanent
		o.Err = fmt.Errorf("%w: status %d%s", ErrPermanentReject, status, suffix(detail))
	}
	return o
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func suffix(detail string) string {
	if detail == "" {
		return ""
	}
	return ": " + detail
}
