package liquidation

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/risk-engine/internal/account"
	"github.com/atmx/risk-engine/internal/fixed"
	"github.com/atmx/risk-engine/internal/model"
	"github.com/atmx/risk-engine/internal/oracle"
	"github.com/atmx/risk-engine/internal/router"
)

var (
	// ErrNotLiquidatable means the re-checked portfolio has health >= 0 or
	// no longer exists. Nothing was submitted.
	ErrNotLiquidatable = errors.New("liquidation: portfolio is not liquidatable")

	// ErrRaceLost means the router found the precondition no longer held
	// at execution time: another actor got there first.
	ErrRaceLost = errors.New("liquidation: race lost, precondition no longer holds")

	// ErrUnavailable wraps store failures while re-fetching state.
	ErrUnavailable = errors.New("liquidation: state unavailable")

	// ErrNothingToClose is returned when the size cap rounds every delta to
	// zero.
	ErrNothingToClose = errors.New("liquidation: size cap leaves nothing to close")
)

// Stage names the step of the liquidation protocol an error came from.
type Stage string

const (
	StageFetch    Stage = "fetch"
	StageDecode   Stage = "decode"
	StagePrice    Stage = "price"
	StageEvaluate Stage = "evaluate"
	StageSize     Stage = "size"
	StageSubmit   Stage = "submit"
)

// StageError carries the context needed to diagnose a failed attempt.
type StageError struct {
	Stage      Stage
	Portfolio  model.Key
	Instrument model.Key
	Err        error
}

func (e *StageError) Error() string {
	if !e.Instrument.IsZero() {
		return fmt.Sprintf("%s portfolio %s instrument %s: %v", e.Stage, e.Portfolio, e.Instrument, e.Err)
	}
	return fmt.Sprintf("%s portfolio %s: %v", e.Stage, e.Portfolio, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage Stage, portfolio model.Key, err error) error {
	se := &StageError{Stage: stage, Portfolio: portfolio, Err: err}
	var pe *oracle.PriceError
	if errors.As(err, &pe) {
		se.Instrument = pe.Instrument
	}
	return se
}

// RejectedError is a router rejection other than a lost race.
type RejectedError struct {
	Reason router.RejectReason
	Detail string
}

func (e *RejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("liquidation: router rejected: %s", e.Reason)
	}
	return fmt.Sprintf("liquidation: router rejected: %s: %s", e.Reason, e.Detail)
}

// Class tells a retry loop what to do with an outcome.
type Class int

const (
	// ClassOK is a nil error.
	ClassOK Class = iota

	// ClassNotLiquidatable: stop, nothing to do.
	ClassNotLiquidatable

	// ClassRaceLost: benign; re-entering at the re-fetch step is safe and
	// will usually end in ClassNotLiquidatable.
	ClassRaceLost

	// ClassRetryable: transient; re-enter at the re-fetch step.
	ClassRetryable

	// ClassFatal: abort this attempt and do not retry.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassNotLiquidatable:
		return "not_liquidatable"
	case ClassRaceLost:
		return "race_lost"
	case ClassRetryable:
		return "retryable"
	}
	return "fatal"
}

// Benign reports whether the class is an informational outcome rather than
// a failure.
func (c Class) Benign() bool {
	return c == ClassNotLiquidatable || c == ClassRaceLost
}

// Retry reports whether re-entering the protocol may change the outcome.
func (c Class) Retry() bool {
	return c == ClassRaceLost || c == ClassRetryable
}

// Classify maps an executor error onto a Class.
func Classify(err error) Class {
	if err == nil {
		return ClassOK
	}

	var rej *RejectedError
	switch {
	case errors.Is(err, ErrNotLiquidatable):
		return ClassNotLiquidatable
	case errors.Is(err, ErrRaceLost):
		return ClassRaceLost
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassFatal
	case errors.Is(err, account.ErrMalformed),
		errors.Is(err, fixed.ErrOverflow),
		errors.Is(err, fixed.ErrDivideByZero):
		return ClassFatal
	case errors.Is(err, ErrUnavailable),
		errors.Is(err, router.ErrNetworkFault),
		errors.Is(err, router.ErrConflict),
		errors.Is(err, oracle.ErrStalePrice),
		errors.Is(err, oracle.ErrLowConfidence),
		errors.Is(err, oracle.ErrContention):
		return ClassRetryable
	case errors.As(err, &rej):
		if rej.Reason == router.RejectUnpriced {
			return ClassRetryable
		}
		return ClassFatal
	}
	return ClassFatal
}
