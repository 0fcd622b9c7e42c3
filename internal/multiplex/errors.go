package multiplex

import (
	"errors"
	"fmt"
)

var (
	ErrRequestTimeout = errors.New("request timed out")
	ErrConnectionLost = errors.New("connection lost")
	ErrClosed         = errors.New("multiplexer closed")
	ErrNotRequest     = errors.New("not a request")
	ErrNoFreeTSN      = errors.New("no free transaction sequence number")
	ErrNoMatch        = errors.New("no match given")
)

// ConnectionLostError is returned to every request and waiter outstanding when
// the link failed.
type ConnectionLostError struct {
	Cause error
}

func (e *ConnectionLostError) Error() string {
	if e.Cause == nil {
		return ErrConnectionLost.Error()
	}
	return fmt.Sprintf("%v: %v", ErrConnectionLost, e.Cause)
}

func (e *ConnectionLostError) Unwrap() error { return e.Cause }

func (e *ConnectionLostError) Is(target error) bool { return target == ErrConnectionLost }
