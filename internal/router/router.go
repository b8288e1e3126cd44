// Package router is the submission side of liquidation: it hands closeout
// instructions to the component that owns the ledger write path.
//
// The router performs the final health check atomically with the state
// change. Liquidators only ever see its verdict.
package router

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/risk-engine/internal/fixed"
	"github.com/atmx/risk-engine/internal/model"
)

var (
	// ErrNetworkFault wraps transport and storage failures on the way to
	// or inside the router. The outcome of the closeout is unknown.
	ErrNetworkFault = errors.New("router: network fault")

	// ErrConflict is returned when the account kept changing under the
	// router's check-and-act loop.
	ErrConflict = errors.New("router: account changed concurrently")
)

// RejectReason says why the router refused a closeout.
type RejectReason string

const (
	RejectNone RejectReason = ""

	// RejectPrecondition: the portfolio is no longer liquidatable (health
	// restored or account closed). A lost race, not a failure.
	RejectPrecondition RejectReason = "precondition"

	RejectUnauthorized RejectReason = "unauthorized"
	RejectMalformed    RejectReason = "malformed"
	RejectInvalidDelta RejectReason = "invalid_delta"

	// RejectUnpriced: the router could not price the portfolio right now.
	RejectUnpriced RejectReason = "unpriced"

	RejectOther RejectReason = "other"
)

// Closeout is the instruction submitted for one liquidation.
type Closeout struct {
	Portfolio  model.Key             `json:"portfolio"`
	Deltas     []model.ExposureDelta `json:"deltas"`
	Liquidator string                `json:"liquidator"`

	// PreHealth is the health the liquidator observed; informational.
	PreHealth fixed.Value `json:"pre_health"`
}

// Result is the router's verdict.
type Result struct {
	Accepted    bool         `json:"accepted"`
	Reason      RejectReason `json:"reason,omitempty"`
	Detail      string       `json:"detail,omitempty"`
	PreHealth   fixed.Value  `json:"pre_health"`
	PostHealth  fixed.Value  `json:"post_health"`
	RealizedPnL fixed.Value  `json:"realized_pnl"`
	BadDebt     fixed.Value  `json:"bad_debt"`
	AppliedAt   time.Time    `json:"applied_at"`
}

func rejected(reason RejectReason, detail string) *Result {
	return &Result{Reason: reason, Detail: detail}
}

// Router accepts closeout instructions. A nil error with Accepted=false is
// a typed rejection; a non-nil error means the outcome is unknown.
type Router interface {
	Submit(ctx context.Context, c Closeout) (*Result, error)
}
