// Package sink defines the result taxonomy shared by outbound delivery
// adapters.
package sink

import (
	"errors"
	"fmt"
	"time"
)

// ErrDeliveryFailed wraps every transport or non-success response error.
var ErrDeliveryFailed = errors.New("sink delivery failed")

type Status int

const (
	StatusSkipped Status = iota
	StatusDelivered
	// StatusDisabled means the integration is not configured; nothing was sent.
	StatusDisabled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusDisabled:
		return "disabled"
	case StatusFailed:
		return "failed"
	default:
		return "skipped"
	}
}

// Result is what one Send produced.
type Result struct {
	Status Status
	// HTTPStatus is set when a response was received.
	HTTPStatus int
	Err        error
	Took       time.Duration
}

func Delivered(took time.Duration, code int) Result {
	return Result{Status: StatusDelivered, HTTPStatus: code, Took: took}
}

func Disabled() Result { return Result{Status: StatusDisabled} }

// Failed wraps err with ErrDeliveryFailed unless it already is one.
func Failed(err error, took time.Duration, code int) Result {
	if err == nil {
		err = ErrDeliveryFailed
	} else if !errors.Is(err, ErrDeliveryFailed) {
		err = fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	return Result{Status: StatusFailed, HTTPStatus: code, Err: err, Took: took}
}
